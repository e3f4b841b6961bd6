// Package media wraps the ffprobe and ffmpeg binaries used by the
// transcode worker.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"gopkg.in/vansante/go-ffprobe.v2"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/waveform"
)

const (
	DefaultSampleRate = 44100
	OutputSampleRate  = 44100
	OutputChannels    = 2

	probeTimeout = 60 * time.Second
)

var ErrNoAudioStream = errors.New("no audio stream found")

// Info is what the worker needs to know about a source file.
type Info struct {
	Duration   float64 // seconds
	Bitrate    int     // kbps
	SampleRate int     // Hz
	Codec      string
	Channels   int
}

// Toolchain is the set of media operations the transcode worker runs.
type Toolchain interface {
	Probe(ctx context.Context, path string) (*Info, error)
	EncodeMP3(ctx context.Context, in, out string, bitrateKbps int) error
	// DecodePCM writes the first audio stream of in to w as mono
	// signed 16-bit little-endian PCM at waveform.SampleRate.
	DecodePCM(ctx context.Context, in string, w io.Writer) error
}

// FFmpeg runs the real binaries.
type FFmpeg struct {
	ffmpegPath string
	probeRetry *apperrors.RetryConfig
}

// NewFFmpeg returns a Toolchain backed by ffmpeg and ffprobe. Empty
// paths fall back to looking the binaries up on PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath != "" {
		ffprobe.SetFFProbeBinPath(ffprobePath)
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, probeRetry: apperrors.ProbeRetryConfig()}
}

// Probe reads duration, bitrate and sample rate from path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*Info, error) {
	data, err := apperrors.RetryWithResult(ctx, f.probeRetry, func(ctx context.Context) (*ffprobe.ProbeData, error) {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		return ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
	})
	if err != nil {
		return nil, fmt.Errorf("error probing: %w", err)
	}
	return parseProbeOutput(data)
}

func parseProbeOutput(data *ffprobe.ProbeData) (*Info, error) {
	if data == nil || data.Format == nil {
		return nil, fmt.Errorf("error parsing input audio: format information missing")
	}

	stream := data.FirstAudioStream()
	if stream == nil {
		return nil, ErrNoAudioStream
	}

	info := &Info{
		Duration:   data.Format.DurationSeconds,
		SampleRate: DefaultSampleRate,
		Codec:      stream.CodecName,
		Channels:   stream.Channels,
	}

	if data.Format.BitRate != "" {
		bps, err := strconv.ParseFloat(data.Format.BitRate, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing bitrate from probed data: %w", err)
		}
		info.Bitrate = int(math.Round(bps / 1000))
	}

	if stream.SampleRate != "" {
		if rate, err := strconv.Atoi(stream.SampleRate); err == nil && rate > 0 {
			info.SampleRate = rate
		}
	}

	return info, nil
}

// EncodeMP3 transcodes the first audio stream of in to a constant
// bitrate stereo MP3 at 44.1 kHz.
func (f *FFmpeg) EncodeMP3(ctx context.Context, in, out string, bitrateKbps int) error {
	var ffmpegErr bytes.Buffer
	stream := ffmpeg.
		Input(in).
		Output(out, ffmpeg.KwArgs{
			"map": "0:a:0",
			"c:a": "libmp3lame",
			"b:a": fmt.Sprintf("%dk", bitrateKbps),
			"ar":  OutputSampleRate,
			"ac":  OutputChannels,
		}).
		OverWriteOutput().
		WithErrorOutput(&ffmpegErr)

	if err := f.run(ctx, stream); err != nil {
		return fmt.Errorf("ffmpeg mp3 %dk failed [%s]: %w", bitrateKbps, lastLine(ffmpegErr.String()), err)
	}
	return nil
}

// DecodePCM streams raw samples to w through ffmpeg's stdout.
func (f *FFmpeg) DecodePCM(ctx context.Context, in string, w io.Writer) error {
	var ffmpegErr bytes.Buffer
	stream := ffmpeg.
		Input(in).
		Output("pipe:", ffmpeg.KwArgs{
			"map":    "0:a:0",
			"f":      "s16le",
			"acodec": "pcm_s16le",
			"ac":     1,
			"ar":     waveform.SampleRate,
		}).
		WithOutput(w).
		WithErrorOutput(&ffmpegErr)

	if err := f.run(ctx, stream); err != nil {
		return fmt.Errorf("ffmpeg pcm decode failed [%s]: %w", lastLine(ffmpegErr.String()), err)
	}
	return nil
}

// run starts the compiled command with the configured binary and kills
// it when ctx ends.
func (f *FFmpeg) run(ctx context.Context, stream *ffmpeg.Stream) error {
	cmd := stream.Compile()
	path, err := exec.LookPath(f.ffmpegPath)
	if err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", f.ffmpegPath, err)
	}
	cmd.Path = path
	cmd.Err = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
