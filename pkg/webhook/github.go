package webhook

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-playground/webhooks/v6/github"

	"shipnotes/internal"
	"shipnotes/pkg/auth"
	"shipnotes/pkg/intake"
	"shipnotes/pkg/storage"
)

// Intake accepts push and pull_request deliveries.
type Intake interface {
	Accept(ctx context.Context, delivery intake.Delivery) (bool, error)
}

// TokenForgetter drops cached installation tokens.
type TokenForgetter interface {
	Forget(ctx context.Context, installationID int64) error
}

// GitHubHandler handles incoming webhooks from GitHub.
type GitHubHandler struct {
	hook          *github.Webhook
	secret        string
	installations storage.InstallationStore
	intake        Intake
	tokens        TokenForgetter
	logger        *log.Logger
	maxBody       int64
	debugEvents   bool
}

var githubEvents = []github.Event{
	github.InstallationEvent,
	github.InstallationRepositoriesEvent,
}

// Options configures a GitHubHandler.
type Options struct {
	Secret      string
	MaxBody     int64
	DebugEvents bool
	Logger      *log.Logger
}

// NewGitHubHandler creates a new GitHubHandler. tokens may be nil.
func NewGitHubHandler(opts Options, installations storage.InstallationStore, in Intake, tokens TokenForgetter) (*GitHubHandler, error) {
	// signatures are verified before parsing, so the parser gets no secret
	hook, err := github.New()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	return &GitHubHandler{
		hook:          hook,
		secret:        opts.Secret,
		installations: installations,
		intake:        in,
		tokens:        tokens,
		logger:        logger,
		maxBody:       opts.MaxBody,
		debugEvents:   opts.DebugEvents,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)
	ctx := internal.ContextWithRequestID(r.Context(), reqID)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ack{OK: false, Error: "invalid body"})
		return
	}
	if err := auth.VerifySignature(h.secret, rawBody, r.Header.Get("X-Hub-Signature-256")); err != nil {
		internal.IncSignatureFailure()
		logger.Printf("signature rejected: %v", err)
		writeJSON(w, http.StatusUnauthorized, ack{OK: false, Error: "unauthorized"})
		return
	}

	eventName := r.Header.Get("X-GitHub-Event")
	internal.IncRequest(eventName)
	if h.debugEvents {
		logDebugEvent(logger, eventName, rawBody)
	}

	switch eventName {
	case "installation", "installation_repositories":
		r.Body = io.NopCloser(bytes.NewReader(rawBody))
		payload, err := h.hook.Parse(r, githubEvents...)
		if err != nil {
			logger.Printf("github parse failed event=%s: %v", eventName, err)
			break
		}
		if err := h.applyInstallation(ctx, logger, payload); err != nil {
			internal.IncIntakeError("installation")
			logger.Printf("installation sync failed event=%s: %v", eventName, err)
		}
	case "push", "pull_request":
		h.forward(ctx, logger, r, eventName, rawBody)
	default:
		logger.Printf("event ignored name=%s", eventName)
	}

	writeJSON(w, http.StatusOK, ack{OK: true})
}

func (h *GitHubHandler) forward(ctx context.Context, logger *log.Logger, r *http.Request, eventName string, rawBody []byte) {
	installationID, _, err := auth.InstallationIDFromPayload(rawBody)
	if err != nil {
		logger.Printf("installation id unreadable event=%s: %v", eventName, err)
	}
	delivery := intake.Delivery{
		DeliveryID:     r.Header.Get("X-GitHub-Delivery"),
		InstallationID: installationID,
		Kind:           eventName,
		Payload:        rawBody,
	}
	queued, err := h.intake.Accept(ctx, delivery)
	if err != nil {
		logger.Printf("intake failed delivery_id=%s event=%s: %v", delivery.DeliveryID, eventName, err)
		return
	}
	logger.Printf("event received delivery_id=%s event=%s installation_id=%d queued=%t", delivery.DeliveryID, eventName, installationID, queued)
}

func (h *GitHubHandler) applyInstallation(ctx context.Context, logger *log.Logger, payload interface{}) error {
	switch event := payload.(type) {
	case github.InstallationPayload:
		id := event.Installation.ID
		switch event.Action {
		case "created", "unsuspend", "new_permissions_accepted":
			repos := make([]string, 0, len(event.Repositories))
			for _, repo := range event.Repositories {
				repos = append(repos, repo.FullName)
			}
			if err := h.installations.UpsertInstallation(ctx, storage.Installation{
				ID:           id,
				AccountLogin: event.Installation.Account.Login,
				AccountID:    event.Installation.Account.ID,
				Repositories: repos,
			}); err != nil {
				return err
			}
			logger.Printf("installation saved installation_id=%d account=%s repos=%d", id, event.Installation.Account.Login, len(repos))
		case "deleted":
			if err := h.installations.DeleteInstallation(ctx, id); err != nil {
				return err
			}
			if h.tokens != nil {
				if err := h.tokens.Forget(ctx, id); err != nil {
					logger.Printf("token purge failed installation_id=%d: %v", id, err)
				}
			}
			logger.Printf("installation deleted installation_id=%d", id)
		default:
			logger.Printf("installation action ignored action=%s installation_id=%d", event.Action, id)
		}
	case github.InstallationRepositoriesPayload:
		id := event.Installation.ID
		added := make([]string, 0, len(event.RepositoriesAdded))
		for _, repo := range event.RepositoriesAdded {
			added = append(added, repo.FullName)
		}
		removed := make([]string, 0, len(event.RepositoriesRemoved))
		for _, repo := range event.RepositoriesRemoved {
			removed = append(removed, repo.FullName)
		}
		current, err := h.installations.GetInstallation(ctx, id)
		if err != nil {
			return err
		}
		record := storage.Installation{
			ID:           id,
			AccountLogin: event.Installation.Account.Login,
			AccountID:    event.Installation.Account.ID,
		}
		var existing []string
		if current != nil {
			existing = current.Repositories
			if record.AccountLogin == "" {
				record.AccountLogin = current.AccountLogin
				record.AccountID = current.AccountID
			}
		}
		record.Repositories = MergeRepositories(existing, added, removed)
		if err := h.installations.UpsertInstallation(ctx, record); err != nil {
			return err
		}
		logger.Printf("installation repositories updated installation_id=%d added=%d removed=%d", id, len(added), len(removed))
	default:
		return errors.New("unexpected installation payload")
	}
	return nil
}

// MergeRepositories returns current ∪ added \ removed without duplicates,
// keeping first-seen order.
func MergeRepositories(current, added, removed []string) []string {
	drop := make(map[string]struct{}, len(removed))
	for _, name := range removed {
		drop[name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(current)+len(added))
	out := make([]string, 0, len(current)+len(added))
	for _, list := range [][]string{current, added} {
		for _, name := range list {
			if name == "" {
				continue
			}
			if _, ok := drop[name]; ok {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
