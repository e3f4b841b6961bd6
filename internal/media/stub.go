package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// Stub is a Toolchain that never shells out. Encoded files contain a
// short marker and DecodePCM replays PCM verbatim.
type Stub struct {
	Info      Info
	ProbeErr  error
	EncodeErr map[int]error // by bitrate
	DecodeErr error
	PCM       []byte

	mu       sync.Mutex
	encoded  []int
	probed   int
	lastPath string
	decoding int
}

func (s *Stub) Probe(ctx context.Context, path string) (*Info, error) {
	s.mu.Lock()
	s.probed++
	s.lastPath = path
	s.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if s.ProbeErr != nil {
		return nil, s.ProbeErr
	}
	info := s.Info
	return &info, nil
}

func (s *Stub) EncodeMP3(ctx context.Context, in, out string, bitrateKbps int) error {
	s.mu.Lock()
	s.encoded = append(s.encoded, bitrateKbps)
	s.mu.Unlock()

	if err := s.EncodeErr[bitrateKbps]; err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("mp3@%dk", bitrateKbps)), 0o644)
}

func (s *Stub) DecodePCM(ctx context.Context, in string, w io.Writer) error {
	s.mu.Lock()
	s.decoding++
	s.mu.Unlock()

	if s.DecodeErr != nil {
		return s.DecodeErr
	}
	_, err := io.Copy(w, bytes.NewReader(s.PCM))
	return err
}

// Encoded returns the bitrates EncodeMP3 was called with, in order.
func (s *Stub) Encoded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.encoded...)
}

// Probes returns how many times Probe ran.
func (s *Stub) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probed
}

// ProbedPath returns the path of the most recent Probe call.
func (s *Stub) ProbedPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath
}
