package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmusicplayer/ingestd/internal/tracks"
)

func newMockRepo(t *testing.T) (*TrackRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTrackRepository(db), mock
}

var trackRowColumns = []string{
	"id", "created_by", "title", "status", "upload_id",
	"file_original", "file_mp3_320", "file_mp3_128", "file_waveform",
	"cover_art", "mime_type", "duration", "bitrate", "sample_rate",
	"processing_error", "external_stream_url", "created_at", "updated_at",
}

func TestTrackRepository_FindByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows(trackRowColumns).AddRow(
		"t1", "u1", "Song", "ready", "up-1",
		"tracks/t1/original.mp3", "tracks/t1/audio_320.mp3", "tracks/t1/audio_128.mp3", "tracks/t1/waveform.json",
		"", "audio/mpeg", 245.0, 320, 44100,
		"", "", now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tracks WHERE id = $1")).
		WithArgs("t1").
		WillReturnRows(rows)

	tr, err := repo.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, tracks.StatusReady, tr.Status)
	assert.Equal(t, "up-1", tr.UploadID)
	assert.Equal(t, "tracks/t1/audio_320.mp3", tr.Files.MP3320)
	assert.Equal(t, 44100, tr.SampleRate)
	assert.True(t, tr.Files.HasEncoded())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackRepository_FindByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tracks WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(trackRowColumns))

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, tracks.ErrTrackNotFound)
}

func TestTrackRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO tracks")).
		WithArgs("t1", "u1", "Song", "pending", nil, nil, nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	tr := &tracks.Track{ID: "t1", CreatedBy: "u1", Title: "Song"}
	require.NoError(t, repo.Create(context.Background(), tr))
	assert.Equal(t, tracks.StatusPending, tr.Status)
	assert.Equal(t, now, tr.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackRepository_MarkProcessing(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'processing', upload_id = $2, file_original = $3, mime_type = $4")).
		WithArgs("t1", "up-1", "tracks/t1/original.wav", "audio/wav").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkProcessing(context.Background(), "t1", "up-1", "tracks/t1/original.wav", "audio/wav"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackRepository_MarkProcessing_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tracks")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkProcessing(context.Background(), "nope", "up-1", "k", "audio/wav")
	assert.ErrorIs(t, err, tracks.ErrTrackNotFound)
}

func TestTrackRepository_CommitReady_SingleGuardedUpdate(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("status = 'ready'")).
		WithArgs("t1", "up-1",
			"tracks/t1/audio_320.mp3", "tracks/t1/audio_128.mp3", "tracks/t1/waveform.json",
			245.0, 320, 44100).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CommitReady(context.Background(), "t1", "up-1", tracks.Artifacts{
		MP3320:   "tracks/t1/audio_320.mp3",
		MP3128:   "tracks/t1/audio_128.mp3",
		Waveform: "tracks/t1/waveform.json",
	}, tracks.AudioMetadata{Duration: 245, Bitrate: 320, SampleRate: 44100})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackRepository_CommitReady_Stale(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND upload_id = $2 AND status IN ('processing', 'rejected')")).
		WithArgs("t1", "up-old", "", "", "", 0.0, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CommitReady(context.Background(), "t1", "up-old", tracks.Artifacts{}, tracks.AudioMetadata{})
	assert.ErrorIs(t, err, tracks.ErrStaleCommit)
}

func TestTrackRepository_MarkRejected(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'rejected', processing_error = $3")).
		WithArgs("t1", "up-1", "DECODE_ERROR: corrupt").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkRejected(context.Background(), "t1", "up-1", "DECODE_ERROR: corrupt"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackRepository_ListByStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	rows := sqlmock.NewRows(trackRowColumns).
		AddRow("t1", "u1", "", "processing", "up-1", "k1", "", "", "", "", "audio/mpeg", 0.0, 0, 0, "", "", now, now).
		AddRow("t2", "u2", "", "processing", "up-2", "k2", "", "", "", "", "audio/flac", 0.0, 0, 0, "", "", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = $1 ORDER BY updated_at LIMIT $2")).
		WithArgs("processing", 50).
		WillReturnRows(rows)

	out, err := repo.ListByStatus(context.Background(), tracks.StatusProcessing, 50)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "k2", out[1].Files.Original)
}

func TestMigrate(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tracks .*ADD COLUMN IF NOT EXISTS upload_id TEXT").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, (&DB{sqlDB}).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
