package waveform

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcm(samples ...int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func TestPeakScanner_Windows(t *testing.T) {
	data := pcm(100, -16384, 5, 8192, -32768, 0, 3)

	s := NewPeakScanner(bytes.NewReader(data), 2)
	var peaks []float64
	for s.Scan() {
		peaks = append(peaks, s.Peak())
	}
	require.NoError(t, s.Err())

	assert.Equal(t, []float64{0.5, 0.25, 1, 3.0 / 32768}, peaks)
}

func TestPeakScanner_IgnoresTrailingOddByte(t *testing.T) {
	data := append(pcm(16384), 0x7f)

	s := NewPeakScanner(bytes.NewReader(data), 4)
	require.True(t, s.Scan())
	assert.Equal(t, 0.5, s.Peak())
	assert.False(t, s.Scan())
	assert.NoError(t, s.Err())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe broken") }

func TestPeakScanner_ReadError(t *testing.T) {
	s := NewPeakScanner(failingReader{}, 4)
	assert.False(t, s.Scan())
	assert.EqualError(t, s.Err(), "pipe broken")
}

func TestDownsample_ExactLengthAndRange(t *testing.T) {
	for _, n := range []int{0, 1, 7, 199, 200, 201, 1914, 10000} {
		peaks := make([]float64, n)
		for i := range peaks {
			peaks[i] = math.Abs(math.Sin(float64(i)))
		}

		out := Downsample(peaks, Points)
		require.Len(t, out, Points, "n=%d", n)
		for _, v := range out {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestDownsample_MaxPerBucket(t *testing.T) {
	peaks := []float64{0.1, 0.9, 0.2, 0.3, 0.444, 0.4}

	assert.Equal(t, []float64{0.9, 0.3, 0.44}, Downsample(peaks, 3))
}

func TestDownsample_Upsamples(t *testing.T) {
	peaks := []float64{0.1, 0.5}

	assert.Equal(t, []float64{0.1, 0.1, 0.5, 0.5}, Downsample(peaks, 4))
}

func TestGenerate(t *testing.T) {
	// 245 seconds of a constant half-scale square wave at 8 kHz.
	samples := make([]int16, 245*SampleRate)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 16384
		} else {
			samples[i] = -16384
		}
	}

	points, err := Generate(bytes.NewReader(pcm(samples...)))
	require.NoError(t, err)
	require.Len(t, points, Points)
	for _, p := range points {
		assert.Equal(t, 0.5, p)
	}
}

func TestGenerate_Empty(t *testing.T) {
	points, err := Generate(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Len(t, points, Points)
}

func TestGenerate_PropagatesReadError(t *testing.T) {
	_, err := Generate(io.MultiReader(bytes.NewReader(pcm(1, 2)), failingReader{}))
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	body, err := Encode([]float64{0.1, 0.25})
	require.NoError(t, err)
	assert.JSONEq(t, `{"waveform":[0.1,0.25]}`, string(body))

	body, err = Encode(nil)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.NotNil(t, doc.Waveform)
}
