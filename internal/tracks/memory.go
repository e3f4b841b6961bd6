package tracks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same guards as the
// PostgreSQL repository. Used by tests and local runs without a database.
type MemoryStore struct {
	mu     sync.Mutex
	tracks map[string]*Track
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tracks: make(map[string]*Track),
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, t *Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tracks[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok {
		return nil, ErrTrackNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id, uploadID, originalKey, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok {
		return ErrTrackNotFound
	}
	t.Status = StatusProcessing
	t.UploadID = uploadID
	t.Files = Files{Original: originalKey}
	t.MimeType = mimeType
	t.ProcessingError = ""
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetCoverArt(_ context.Context, id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok {
		return ErrTrackNotFound
	}
	t.CoverArt = key
	t.UpdatedAt = s.now()
	return nil
}

func settleable(t *Track, uploadID string) bool {
	return t.UploadID == uploadID &&
		(t.Status == StatusProcessing || t.Status == StatusRejected)
}

func (s *MemoryStore) CommitReady(_ context.Context, id, uploadID string, a Artifacts, m AudioMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok || !settleable(t, uploadID) {
		return ErrStaleCommit
	}
	t.Files.MP3320 = a.MP3320
	t.Files.MP3128 = a.MP3128
	t.Files.Waveform = a.Waveform
	t.Duration = m.Duration
	t.Bitrate = m.Bitrate
	t.SampleRate = m.SampleRate
	t.Status = StatusReady
	t.ProcessingError = ""
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkRejected(_ context.Context, id, uploadID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok || !settleable(t, uploadID) {
		return ErrStaleCommit
	}
	t.Status = StatusRejected
	t.ProcessingError = message
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Track
	for _, t := range s.tracks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
