package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/openmusicplayer/ingestd/internal/auth"
	apperrors "github.com/openmusicplayer/ingestd/internal/errors"
	"github.com/openmusicplayer/ingestd/internal/ingest"
	"github.com/openmusicplayer/ingestd/internal/upload"
)

const maxBodyBytes = 64 << 10

type Handlers struct {
	orchestrator *ingest.Orchestrator
}

type uploadRequest struct {
	ContentType string `json:"contentType"`
}

type completeRequest struct {
	UploadID string `json:"uploadId"`
}

type waveformResponse struct {
	URL string `json:"url"`
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidInput("invalid request body")
	}
	return nil
}

func currentUser(r *http.Request) (*auth.UserContext, error) {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return nil, apperrors.Unauthorized("authentication required")
	}
	return user, nil
}

func trackID(r *http.Request) (string, error) {
	id := strings.TrimSpace(mux.Vars(r)["trackId"])
	if id == "" {
		return "", apperrors.InvalidInput("trackId is required")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, v)
}

// RequestAudioUpload handles POST /api/v1/upload/audio/{trackId}
func (h *Handlers) RequestAudioUpload(w http.ResponseWriter, r *http.Request) error {
	return h.requestUpload(w, r, h.orchestrator.RequestAudioUpload)
}

// RequestCoverUpload handles POST /api/v1/upload/cover/{trackId}
func (h *Handlers) RequestCoverUpload(w http.ResponseWriter, r *http.Request) error {
	return h.requestUpload(w, r, h.orchestrator.RequestCoverUpload)
}

type issueFunc func(ctx context.Context, trackID, userID, contentType string) (*upload.Ticket, error)

func (h *Handlers) requestUpload(w http.ResponseWriter, r *http.Request, issue issueFunc) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	id, err := trackID(r)
	if err != nil {
		return err
	}
	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	ticket, err := issue(r.Context(), id, user.UserID, req.ContentType)
	if err != nil {
		return err
	}
	writeJSON(w, r, http.StatusOK, ticket)
	return nil
}

// CompleteUpload handles POST /api/v1/upload/complete
func (h *Handlers) CompleteUpload(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	result, err := h.orchestrator.CompleteUpload(r.Context(), req.UploadID, user.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, r, http.StatusOK, result)
	return nil
}

// GetStreamURL handles GET /api/v1/stream/{trackId}?quality=high|medium
func (h *Handlers) GetStreamURL(w http.ResponseWriter, r *http.Request) error {
	id, err := trackID(r)
	if err != nil {
		return err
	}
	quality, err := ingest.ParseQuality(r.URL.Query().Get("quality"))
	if err != nil {
		return err
	}

	stream, err := h.orchestrator.GetStreamURL(r.Context(), id, quality)
	if err != nil {
		return err
	}
	writeJSON(w, r, http.StatusOK, stream)
	return nil
}

// GetWaveformURL handles GET /api/v1/stream/{trackId}/waveform
func (h *Handlers) GetWaveformURL(w http.ResponseWriter, r *http.Request) error {
	id, err := trackID(r)
	if err != nil {
		return err
	}

	url, ok, err := h.orchestrator.GetWaveformURL(r.Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "Waveform not available", apperrors.CategoryClient, http.StatusNotFound)
	}
	writeJSON(w, r, http.StatusOK, waveformResponse{URL: url})
	return nil
}

// GetTrackStatus handles GET /api/v1/tracks/{trackId}/status
func (h *Handlers) GetTrackStatus(w http.ResponseWriter, r *http.Request) error {
	user, err := currentUser(r)
	if err != nil {
		return err
	}
	id, err := trackID(r)
	if err != nil {
		return err
	}

	status, err := h.orchestrator.GetTrackStatus(r.Context(), id, user.UserID)
	if err != nil {
		return err
	}
	writeJSON(w, r, http.StatusOK, status)
	return nil
}
