package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openmusicplayer/ingestd/internal/tracks"
)

// TrackRepository is the PostgreSQL implementation of tracks.Store.
type TrackRepository struct {
	db *sql.DB
}

func NewTrackRepository(db *sql.DB) *TrackRepository {
	return &TrackRepository{db: db}
}

var _ tracks.Store = (*TrackRepository)(nil)

const trackColumns = `id, created_by, title, status, COALESCE(upload_id, ''),
	COALESCE(file_original, ''), COALESCE(file_mp3_320, ''), COALESCE(file_mp3_128, ''), COALESCE(file_waveform, ''),
	COALESCE(cover_art, ''), COALESCE(mime_type, ''), duration, bitrate, sample_rate,
	COALESCE(processing_error, ''), COALESCE(external_stream_url, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrack(row rowScanner) (*tracks.Track, error) {
	var t tracks.Track
	var status string
	err := row.Scan(
		&t.ID, &t.CreatedBy, &t.Title, &status, &t.UploadID,
		&t.Files.Original, &t.Files.MP3320, &t.Files.MP3128, &t.Files.Waveform,
		&t.CoverArt, &t.MimeType, &t.Duration, &t.Bitrate, &t.SampleRate,
		&t.ProcessingError, &t.ExternalStreamURL, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = tracks.Status(status)
	return &t, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *TrackRepository) Create(ctx context.Context, t *tracks.Track) error {
	status := t.Status
	if status == "" {
		status = tracks.StatusPending
	}

	query := `
		INSERT INTO tracks (id, created_by, title, status, file_original, cover_art, mime_type, external_stream_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		t.ID, t.CreatedBy, t.Title, string(status),
		nullIfEmpty(t.Files.Original), nullIfEmpty(t.CoverArt), nullIfEmpty(t.MimeType), nullIfEmpty(t.ExternalStreamURL),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert track %s: %w", t.ID, err)
	}
	t.Status = status
	return nil
}

func (r *TrackRepository) FindByID(ctx context.Context, id string) (*tracks.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks WHERE id = $1`

	t, err := scanTrack(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tracks.ErrTrackNotFound
		}
		return nil, fmt.Errorf("find track %s: %w", id, err)
	}
	return t, nil
}

func (r *TrackRepository) MarkProcessing(ctx context.Context, id, uploadID, originalKey, mimeType string) error {
	query := `
		UPDATE tracks
		SET status = 'processing', upload_id = $2, file_original = $3, mime_type = $4,
			file_mp3_320 = NULL, file_mp3_128 = NULL, file_waveform = NULL,
			processing_error = NULL, updated_at = NOW()
		WHERE id = $1
	`
	return r.execExpectingRow(ctx, tracks.ErrTrackNotFound, query, id, uploadID, originalKey, mimeType)
}

func (r *TrackRepository) SetCoverArt(ctx context.Context, id, key string) error {
	query := `UPDATE tracks SET cover_art = $2, updated_at = NOW() WHERE id = $1`
	return r.execExpectingRow(ctx, tracks.ErrTrackNotFound, query, id, key)
}

func (r *TrackRepository) CommitReady(ctx context.Context, id, uploadID string, a tracks.Artifacts, m tracks.AudioMetadata) error {
	query := `
		UPDATE tracks
		SET file_mp3_320 = $3, file_mp3_128 = $4, file_waveform = $5,
			duration = $6, bitrate = $7, sample_rate = $8,
			status = 'ready', processing_error = NULL, updated_at = NOW()
		WHERE id = $1 AND upload_id = $2 AND status IN ('processing', 'rejected')
	`
	return r.execExpectingRow(ctx, tracks.ErrStaleCommit, query,
		id, uploadID, a.MP3320, a.MP3128, a.Waveform, m.Duration, m.Bitrate, m.SampleRate)
}

func (r *TrackRepository) MarkRejected(ctx context.Context, id, uploadID, message string) error {
	query := `
		UPDATE tracks
		SET status = 'rejected', processing_error = $3, updated_at = NOW()
		WHERE id = $1 AND upload_id = $2 AND status IN ('processing', 'rejected')
	`
	return r.execExpectingRow(ctx, tracks.ErrStaleCommit, query, id, uploadID, message)
}

func (r *TrackRepository) ListByStatus(ctx context.Context, status tracks.Status, limit int) ([]*tracks.Track, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + trackColumns + ` FROM tracks WHERE status = $1 ORDER BY updated_at LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tracks by status: %w", err)
	}
	defer rows.Close()

	var out []*tracks.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TrackRepository) execExpectingRow(ctx context.Context, noRows error, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update track: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update track: %w", err)
	}
	if n == 0 {
		return noRows
	}
	return nil
}
