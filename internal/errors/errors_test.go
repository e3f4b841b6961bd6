package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError_AppError(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, "req-1", ExpiredIntent())

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeUploadExpired, body.Error.Code)
	assert.Equal(t, "Upload session expired or invalid", body.Error.Message)
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestWriteError_WrappedAppError(t *testing.T) {
	rec := httptest.NewRecorder()

	err := fmt.Errorf("stream lookup: %w", InvalidState("Track is not ready for streaming"))
	WriteError(rec, "", err)

	require.Equal(t, http.StatusConflict, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInvalidState, body.Error.Code)
}

func TestWriteError_UnknownError(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteError(rec, "", fmt.Errorf("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInternalError, body.Error.Code)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		client    bool
		retryable bool
	}{
		{"invalid input", InvalidInput("bad content type"), true, false},
		{"expired intent", ExpiredIntent(), true, false},
		{"forbidden", Forbidden("not yours"), true, false},
		{"decode", DecodeError("corrupt"), true, false},
		{"encode", EncodeError("lame failed"), false, true},
		{"storage", StorageError("put failed"), false, true},
		{"database", DatabaseError("update failed"), false, false},
		{"plain", fmt.Errorf("plain"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.client, IsClientError(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", TrackNotFound())
	assert.True(t, HasCode(err, CodeTrackNotFound))
	assert.False(t, HasCode(err, CodeNotFound))
}

func fastRetry(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return StorageError("temporarily unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func(ctx context.Context) error {
		calls++
		return InvalidInput("nope")
	})

	require.Error(t, err)
	assert.True(t, HasCode(err, CodeInvalidInput))
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(2), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("connection refused")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_RetryIfOverride(t *testing.T) {
	cfg := fastRetry(1)
	cfg.RetryIf = func(error) bool { return true }

	calls := 0
	_ = Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return InvalidInput("retried anyway")
	})
	assert.Equal(t, 2, calls)
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	v, err := RetryWithResult(context.Background(), fastRetry(3), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, fmt.Errorf("timeout talking to minio")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, StorageRetryConfig(), func(ctx context.Context) error {
		return fmt.Errorf("should not be called")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
