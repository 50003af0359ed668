// Package generate produces quota-gated draft posts from change summaries.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"shipnotes/internal"
	"shipnotes/pkg/changes"
	"shipnotes/pkg/quota"
	"shipnotes/pkg/storage"
)

// Request is a change summary plus generation options.
type Request struct {
	changes.Summary
	Options        Options `json:"options"`
	Template       string  `json:"template,omitempty"`
	InstallationID int64   `json:"installationId,omitempty"`
}

// Result is returned to the caller.
type Result struct {
	Summary changes.Summary `json:"summary"`
	Post    *storage.Post   `json:"post"`
	Usage   quota.Usage     `json:"usage"`
}

type Service struct {
	gate      *quota.Gate
	completer Completer
	posts     storage.PostStore
	logger    *log.Logger
}

// NewService returns a Service charging gate for each generation.
func NewService(gate *quota.Gate, completer Completer, posts storage.PostStore) *Service {
	return &Service{gate: gate, completer: completer, posts: posts, logger: internal.NewLogger("generate")}
}

// Generate validates the request, consumes one quota unit and stores the
// generated text as a draft owned by userID.
func (s *Service) Generate(ctx context.Context, userID string, req Request) (*Result, error) {
	if err := validate(req.Summary); err != nil {
		return nil, err
	}
	tmpl, err := lookupTemplate(req.Template)
	if err != nil {
		return nil, err
	}

	usage, err := s.gate.Consume(ctx, userID)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			internal.IncQuotaRejection()
		}
		return nil, err
	}

	prompt, err := renderPrompt(tmpl, req.Summary, req.Options)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	text, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		s.logger.Printf("completion failed user=%s err=%v", userID, err)
		return nil, &CompletionError{Err: err}
	}
	if text == "" {
		return nil, &CompletionError{Err: errors.New("empty completion")}
	}

	post, _, err := s.posts.CreatePost(ctx, storage.Post{
		InstallationID: req.InstallationID,
		UserID:         userID,
		Summary:        req.Title,
		Content:        text,
		Status:         storage.PostDraft,
		RepoFullName:   req.Repository,
	})
	if err != nil {
		return nil, fmt.Errorf("store draft: %w", err)
	}
	s.logger.Printf("draft generated user=%s post_id=%s remaining=%d", userID, post.ID, usage.Remaining)
	return &Result{Summary: req.Summary, Post: post, Usage: usage}, nil
}

func validate(summary changes.Summary) error {
	if strings.TrimSpace(summary.Title) == "" {
		return &changes.AggregationError{Reason: "Invalid change summary: missing title"}
	}
	if len(summary.FilesChanged) == 0 {
		return &changes.AggregationError{Reason: "Invalid change summary: missing filesChanged"}
	}
	return nil
}
