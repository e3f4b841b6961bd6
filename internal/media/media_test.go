package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/vansante/go-ffprobe.v2"
)

func TestParseProbeOutput(t *testing.T) {
	data := &ffprobe.ProbeData{
		Format: &ffprobe.Format{
			FormatName:      "mp3",
			DurationSeconds: 245.3,
			BitRate:         "320412",
		},
		Streams: []*ffprobe.Stream{
			{CodecType: "video", CodecName: "mjpeg"},
			{CodecType: "audio", CodecName: "mp3", SampleRate: "48000", Channels: 2},
		},
	}

	info, err := parseProbeOutput(data)
	require.NoError(t, err)
	assert.Equal(t, 245.3, info.Duration)
	assert.Equal(t, 320, info.Bitrate)
	assert.Equal(t, 48000, info.SampleRate)
	assert.Equal(t, "mp3", info.Codec)
	assert.Equal(t, 2, info.Channels)
}

func TestParseProbeOutput_Defaults(t *testing.T) {
	data := &ffprobe.ProbeData{
		Format:  &ffprobe.Format{DurationSeconds: 12},
		Streams: []*ffprobe.Stream{{CodecType: "audio", CodecName: "flac"}},
	}

	info, err := parseProbeOutput(data)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Bitrate)
	assert.Equal(t, DefaultSampleRate, info.SampleRate)
}

func TestParseProbeOutput_Errors(t *testing.T) {
	_, err := parseProbeOutput(&ffprobe.ProbeData{})
	assert.Error(t, err)

	_, err = parseProbeOutput(&ffprobe.ProbeData{
		Format:  &ffprobe.Format{DurationSeconds: 3},
		Streams: []*ffprobe.Stream{{CodecType: "video", CodecName: "h264"}},
	})
	assert.ErrorIs(t, err, ErrNoAudioStream)

	_, err = parseProbeOutput(&ffprobe.ProbeData{
		Format:  &ffprobe.Format{BitRate: "fast"},
		Streams: []*ffprobe.Stream{{CodecType: "audio"}},
	})
	assert.Error(t, err)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "Invalid data found when processing input", lastLine("ffmpeg version 6\nInvalid data found when processing input\n"))
	assert.Equal(t, "", lastLine(""))
}
