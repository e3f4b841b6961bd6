// Package waveform reduces decoded PCM audio to a fixed number of
// normalized peak amplitudes for display.
package waveform

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
)

const (
	// Points is the number of values in a rendered waveform.
	Points = 200
	// SampleRate is the rate the source is resampled to before peak
	// detection.
	SampleRate = 8000
	// WindowSize is the number of samples folded into one peak.
	WindowSize = 1024

	fullScale = 32768.0
)

// PeakScanner reads mono signed 16-bit little-endian PCM and yields the
// absolute peak of each window, normalized to [0, 1]. A trailing
// partial window produces a final peak. Use it like bufio.Scanner.
type PeakScanner struct {
	r      *bufio.Reader
	window int
	peak   float64
	err    error
	done   bool
}

func NewPeakScanner(r io.Reader, window int) *PeakScanner {
	if window <= 0 {
		window = WindowSize
	}
	return &PeakScanner{r: bufio.NewReaderSize(r, 64*1024), window: window}
}

// Scan advances to the next window. It returns false at end of input
// or on a read error.
func (s *PeakScanner) Scan() bool {
	if s.done {
		return false
	}

	var (
		buf  [2]byte
		peak int
		read int
	)
	for read < s.window {
		if _, err := io.ReadFull(s.r, buf[:]); err != nil {
			s.done = true
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.err = err
				return false
			}
			break
		}
		v := int(int16(binary.LittleEndian.Uint16(buf[:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		read++
	}

	if read == 0 {
		return false
	}
	s.peak = float64(peak) / fullScale
	return true
}

// Peak returns the peak of the window read by the last Scan.
func (s *PeakScanner) Peak() float64 { return s.peak }

// Err returns the first non-EOF error.
func (s *PeakScanner) Err() error { return s.err }

// Downsample reduces peaks to exactly n values. With at least n peaks,
// value i is the max over peaks[i*len/n : (i+1)*len/n]; with fewer, value
// i repeats peaks[i*len/n]. Values are rounded to two decimals.
func Downsample(peaks []float64, n int) []float64 {
	out := make([]float64, n)
	total := len(peaks)
	if total == 0 || n <= 0 {
		return out
	}

	for i := range out {
		start := i * total / n
		end := (i + 1) * total / n
		if end <= start {
			out[i] = round2(peaks[start])
			continue
		}
		var maxPeak float64
		for _, p := range peaks[start:end] {
			if p > maxPeak {
				maxPeak = p
			}
		}
		out[i] = round2(maxPeak)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Generate scans r to the end and returns a Points-long waveform.
func Generate(r io.Reader) ([]float64, error) {
	scanner := NewPeakScanner(r, WindowSize)
	var peaks []float64
	for scanner.Scan() {
		peaks = append(peaks, scanner.Peak())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return Downsample(peaks, Points), nil
}

// Document is the stored waveform body.
type Document struct {
	Waveform []float64 `json:"waveform"`
}

// Encode renders points as the stored JSON document.
func Encode(points []float64) ([]byte, error) {
	if points == nil {
		points = []float64{}
	}
	return json.Marshal(Document{Waveform: points})
}
