// Package api serves the JSON endpoints next to the webhook receiver.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"shipnotes/pkg/providers/github"
	"shipnotes/pkg/storage"
)

const maxEventLimit = 200

// InstallationSource looks up installation details with app credentials.
type InstallationSource interface {
	FetchInstallation(ctx context.Context, installationID int64) (github.InstallationInfo, error)
	ListInstallationRepositories(ctx context.Context, installationID int64) ([]string, error)
}

// InstallationsHandler lists installations, optionally by account login.
type InstallationsHandler struct {
	Store  storage.InstallationStore
	Logger *log.Logger
}

func (h *InstallationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	records, err := h.Store.ListInstallations(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list installations failed")
		logf(h.Logger, "list installations failed: %v", err)
		return
	}
	if records == nil {
		records = []storage.Installation{}
	}
	writeJSON(w, http.StatusOK, records)
}

// SyncInstallationHandler refreshes one installation from the GitHub API.
type SyncInstallationHandler struct {
	Store  storage.InstallationStore
	Source InstallationSource
	Logger *log.Logger
}

func (h *SyncInstallationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Store == nil || h.Source == nil {
		writeError(w, http.StatusServiceUnavailable, "installation sync not configured")
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("id")), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid id")
		return
	}

	info, err := h.Source.FetchInstallation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "installation lookup failed")
		logf(h.Logger, "installation lookup failed id=%d: %v", id, err)
		return
	}
	repos, err := h.Source.ListInstallationRepositories(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, "repository listing failed")
		logf(h.Logger, "repository listing failed id=%d: %v", id, err)
		return
	}
	record := storage.Installation{
		ID:           info.ID,
		AccountLogin: info.AccountLogin,
		AccountID:    info.AccountID,
		Repositories: repos,
	}
	if err := h.Store.UpsertInstallation(r.Context(), record); err != nil {
		writeError(w, http.StatusInternalServerError, "installation update failed")
		logf(h.Logger, "installation update failed id=%d: %v", id, err)
		return
	}
	stored, err := h.Store.GetInstallation(r.Context(), id)
	if err != nil || stored == nil {
		stored = &record
	}
	logf(h.Logger, "installation synced id=%d account=%s repositories=%d", id, info.AccountLogin, len(repos))
	writeJSON(w, http.StatusOK, stored)
}

// EventsHandler lists the most recent events.
type EventsHandler struct {
	Store  storage.EventStore
	Logger *log.Logger
}

type eventView struct {
	DeliveryID     string      `json:"deliveryId"`
	InstallationID int64       `json:"installationId"`
	Kind           string      `json:"kind"`
	Repository     string      `json:"repository,omitempty"`
	ReceivedAt     string      `json:"receivedAt"`
	Processed      bool        `json:"processed"`
	Summary        interface{} `json:"summary,omitempty"`
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	records, err := h.Store.ListRecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		logf(h.Logger, "list events failed: %v", err)
		return
	}
	out := make([]eventView, 0, len(records))
	for _, record := range records {
		view := eventView{
			DeliveryID:     record.DeliveryID,
			InstallationID: record.InstallationID,
			Kind:           record.Kind,
			Repository:     record.RepoFullName,
			ReceivedAt:     record.ReceivedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Processed:      record.Processed,
		}
		if record.Summary != nil {
			view.Summary = record.Summary
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func logf(logger *log.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
