// Package upload issues and redeems single-use upload intents. An intent
// binds a user, a track and a storage key to a presigned PUT URL.
package upload

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/storage"
	"github.com/openmusicplayer/ingestd/internal/tracks"
)

var allowedContentTypes = map[Kind]map[string]bool{
	KindAudio: {
		"audio/mpeg":  true,
		"audio/mp3":   true,
		"audio/wav":   true,
		"audio/wave":  true,
		"audio/x-wav": true,
		"audio/flac":  true,
		"audio/ogg":   true,
		"audio/aac":   true,
		"audio/m4a":   true,
		"audio/x-m4a": true,
	},
	KindCover: {
		"image/jpeg": true,
		"image/jpg":  true,
		"image/png":  true,
		"image/webp": true,
	},
}

// IsAllowed reports whether contentType may be uploaded as kind.
func IsAllowed(kind Kind, contentType string) bool {
	return allowedContentTypes[kind][strings.ToLower(contentType)]
}

// Ticket is what the client receives when it asks to upload.
type Ticket struct {
	UploadURL string `json:"uploadUrl"`
	UploadID  string `json:"uploadId"`
	Key       string `json:"key"`
	ExpiresIn int    `json:"expiresIn"`
}

type Config struct {
	// URLExpiry is how long the presigned PUT URL is valid.
	URLExpiry time.Duration
	// IntentTTL is how long completion is accepted. It outlives the URL so
	// a slow client can still report a finished upload.
	IntentTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		URLExpiry: 15 * time.Minute,
		IntentTTL: time.Hour,
	}
}

type Manager struct {
	intents *IntentStore
	tracks  tracks.Store
	blobs   storage.BlobStore
	cfg     Config
	now     func() time.Time
}

func NewManager(intents *IntentStore, trackStore tracks.Store, blobs storage.BlobStore, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = def.URLExpiry
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = def.IntentTTL
	}
	return &Manager{
		intents: intents,
		tracks:  trackStore,
		blobs:   blobs,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Issue validates the request and returns a presigned upload ticket.
func (m *Manager) Issue(ctx context.Context, trackID, userID, contentType string, kind Kind) (*Ticket, error) {
	if !kind.Valid() {
		return nil, apperrors.InvalidInput("unknown upload kind")
	}
	if !IsAllowed(kind, contentType) {
		if kind == KindCover {
			return nil, apperrors.InvalidInput("Invalid image type. Allowed: JPEG, PNG, WebP").
				WithDetails(map[string]any{"contentType": contentType})
		}
		return nil, apperrors.InvalidInput("Invalid audio type. Allowed: MP3, WAV, FLAC, OGG, AAC, M4A").
			WithDetails(map[string]any{"contentType": contentType})
	}

	track, err := m.tracks.FindByID(ctx, trackID)
	if err != nil {
		if errors.Is(err, tracks.ErrTrackNotFound) {
			return nil, apperrors.TrackNotFound()
		}
		return nil, apperrors.DatabaseError("failed to load track").WithCause(err)
	}
	if !track.IsOwnedBy(userID) {
		return nil, apperrors.Forbidden("Not authorized to upload to this track")
	}

	contentType = strings.ToLower(contentType)
	key := storage.OriginalKey(trackID, contentType)
	if kind == KindCover {
		key = storage.CoverKey(trackID, contentType)
	}

	uploadURL, err := m.blobs.SignedUploadURL(ctx, key, contentType, m.cfg.URLExpiry)
	if err != nil {
		return nil, apperrors.StorageError("failed to create upload URL").WithCause(err)
	}

	intent := &Intent{
		ID:          uuid.NewString(),
		TrackID:     trackID,
		UserID:      userID,
		Key:         key,
		ContentType: contentType,
		Kind:        kind,
		CreatedAt:   m.now(),
	}
	if err := m.intents.Save(ctx, intent, m.cfg.IntentTTL); err != nil {
		return nil, apperrors.InternalError("failed to record upload session").WithCause(err)
	}

	return &Ticket{
		UploadURL: uploadURL,
		UploadID:  intent.ID,
		Key:       key,
		ExpiresIn: int(m.cfg.URLExpiry / time.Second),
	}, nil
}

// Consume redeems an intent. It succeeds at most once per intent.
func (m *Manager) Consume(ctx context.Context, intentID, userID string) (*Intent, error) {
	if _, err := uuid.Parse(intentID); err != nil {
		return nil, apperrors.ExpiredIntent()
	}

	intent, err := m.intents.Consume(ctx, intentID, userID)
	switch {
	case errors.Is(err, ErrIntentNotFound):
		return nil, apperrors.ExpiredIntent()
	case errors.Is(err, ErrIntentForbidden):
		return nil, apperrors.Forbidden("Not authorized")
	case err != nil:
		return nil, apperrors.InternalError("failed to read upload session").WithCause(err)
	}
	return intent, nil
}
