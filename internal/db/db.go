package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

// New opens a PostgreSQL pool for dsn and verifies connectivity.
func New(dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tracks (
	id TEXT PRIMARY KEY,
	created_by TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'ready', 'rejected')),
	upload_id TEXT,
	file_original TEXT,
	file_mp3_320 TEXT,
	file_mp3_128 TEXT,
	file_waveform TEXT,
	cover_art TEXT,
	mime_type TEXT,
	duration DOUBLE PRECISION NOT NULL DEFAULT 0,
	bitrate INTEGER NOT NULL DEFAULT 0,
	sample_rate INTEGER NOT NULL DEFAULT 0,
	processing_error TEXT,
	external_stream_url TEXT,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	CONSTRAINT ready_has_artifacts CHECK (
		status <> 'ready'
		OR external_stream_url IS NOT NULL
		OR (file_mp3_320 IS NOT NULL AND file_mp3_128 IS NOT NULL AND file_waveform IS NOT NULL)
	)
);

ALTER TABLE tracks ADD COLUMN IF NOT EXISTS upload_id TEXT;

CREATE INDEX IF NOT EXISTS idx_tracks_status_updated ON tracks(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_tracks_created_by ON tracks(created_by);
`

func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
