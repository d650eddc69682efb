package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/ingest"
)

// maxBodyBytes caps one ingest request body.
const maxBodyBytes = 1 << 20

// Ingester runs the ingestion pipeline for one batch.
type Ingester interface {
	Ingest(ctx context.Context, apiKey string, p *ingest.Payload, client ingest.ClientInfo) (ingest.Result, error)
}

type HTTPHandler struct {
	ingester Ingester
}

func NewHTTPHandler(i Ingester) *HTTPHandler {
	return &HTTPHandler{ingester: i}
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *HTTPHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	// Read body
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Failed to read body"})
		return
	}
	defer r.Body.Close()

	// Parse request
	var p ingest.Payload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			writeJSON(w, http.StatusBadRequest, messageResponse{Message: "Invalid JSON"})
			return
		}
	}

	// sendBeacon cannot set headers, so the key may also travel in the body
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = p.APIKey
	}
	if apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, messageResponse{Message: "API key required in X-API-Key header or body.api_key"})
		return
	}

	client := ingest.ClientInfo{
		UserAgent: r.UserAgent(),
		IP:        r.RemoteAddr,
	}

	res, err := h.ingester.Ingest(r.Context(), apiKey, &p, client)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, ingest.ErrInvalidCredential):
		writeJSON(w, http.StatusUnauthorized, res)
	case errors.Is(err, ingest.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, res)
	case errors.Is(err, ingest.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, res)
	default:
		log.Error().
			Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("session_id", p.SessionID).
			Msg("Ingest request failed")
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: "Internal server error"})
	}
}

// HandleIngestInfo describes how to call the ingest endpoint.
func (h *HTTPHandler) HandleIngestInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": false,
		"message": "Use POST method to ingest events",
		"method":  http.MethodPost,
		"headers": map[string]string{
			"X-API-Key":    "Your project API key",
			"Content-Type": "application/json",
		},
		"body": map[string]any{
			"session_id": "string",
			"events": []map[string]any{{
				"type":      "click",
				"timestamp": 1730000000000,
				"meta":      map[string]string{"selector": "#button"},
			}},
		},
	})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
