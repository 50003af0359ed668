package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"shipnotes/internal"
	"shipnotes/pkg/changes"
	"shipnotes/pkg/generate"
	"shipnotes/pkg/quota"
)

const maxGenerateBody = 1 << 20

// Generator produces a draft post for a user.
type Generator interface {
	Generate(ctx context.Context, userID string, req generate.Request) (*generate.Result, error)
}

// GenerateHandler serves POST /api/generate.
type GenerateHandler struct {
	Generator  Generator
	UserHeader string
	Logger     *log.Logger
}

func (h *GenerateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := userFromRequest(r, h.UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.Generator == nil {
		writeError(w, http.StatusServiceUnavailable, "generation not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxGenerateBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var req generate.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.Generator.Generate(r.Context(), userID, req)
	if err != nil {
		status, message := generateStatus(err)
		if status >= http.StatusInternalServerError {
			logger := internal.WithRequestID(h.Logger, r.Header.Get("X-Request-Id"))
			logger.Printf("generate failed user=%s: %v", userID, err)
		}
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func generateStatus(err error) (int, string) {
	var completionErr *generate.CompletionError
	var aggErr *changes.AggregationError
	switch {
	case errors.As(err, &aggErr):
		return http.StatusBadRequest, aggErr.Error()
	case errors.Is(err, generate.ErrUnknownTemplate):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, err.Error()
	case errors.As(err, &completionErr):
		return http.StatusBadGateway, "generation failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// QuotaHandler serves GET /api/quota.
type QuotaHandler struct {
	Gate       *quota.Gate
	UserHeader string
	Logger     *log.Logger
}

func (h *QuotaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := userFromRequest(r, h.UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	usage, err := h.Gate.Usage(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota lookup failed")
		logf(h.Logger, "quota lookup failed user=%s: %v", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func userFromRequest(r *http.Request, header string) string {
	if header == "" {
		header = "X-User-Id"
	}
	return strings.TrimSpace(r.Header.Get(header))
}
