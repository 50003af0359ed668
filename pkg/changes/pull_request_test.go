package changes

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSummarizePullRequestEmbeddedFiles(t *testing.T) {
	payload := `{
		"number": 7,
		"repository": {"full_name": "acme/widgets"},
		"pull_request": {"number": 7, "title": "Add caching", "body": "Adds a cache layer", "updated_at": "2024-06-01T12:00:00Z"},
		"files": [
			{"filename": "cache.go", "additions": 40, "deletions": 2, "changes": 42},
			{"filename": "cache_test.go", "additions": 10, "deletions": 0}
		]
	}`
	summary, err := Summarize(context.Background(), []byte(payload), KindPullRequest, nil)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Title != "Add caching" || summary.Description != "Adds a cache layer" {
		t.Fatalf("unexpected title/description %q/%q", summary.Title, summary.Description)
	}
	if summary.Timestamp != "2024-06-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", summary.Timestamp)
	}
	if summary.CommitCount != 0 {
		t.Fatalf("pull requests carry no commit count, got %d", summary.CommitCount)
	}
	if strings.Join(summary.FilesChanged, ",") != "cache.go,cache_test.go" {
		t.Fatalf("unexpected files %v", summary.FilesChanged)
	}
	if summary.DiffStats[1].Changes != 10 {
		t.Fatalf("expected default changes, got %d", summary.DiffStats[1].Changes)
	}
}

func TestSummarizePullRequestFallbacks(t *testing.T) {
	payload := `{
		"repository": {"full_name": "acme/widgets"},
		"pull_request": {"number": 3, "title": null, "body": null, "updated_at": "2024-06-01T12:00:00Z"},
		"files": [{"filename": "a", "additions": 1}]
	}`
	summary, err := Summarize(context.Background(), []byte(payload), KindPullRequest, nil)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.Title != "Pull Request" {
		t.Fatalf("expected fallback title, got %q", summary.Title)
	}
	if summary.Description != "" {
		t.Fatalf("expected empty description, got %q", summary.Description)
	}
}

func TestSummarizePullRequestRemoteFiles(t *testing.T) {
	payload := `{
		"repository": {"full_name": "acme/widgets"},
		"pull_request": {"number": 12, "title": "Refactor", "updated_at": "2024-06-02T00:00:00Z"},
		"files": [{"filename": "ignored", "additions": 99}]
	}`
	remote := &stubRemote{prStats: []FileStat{{Path: "main.go", Additions: 5, Deletions: 5, Changes: 10}}}
	summary, err := Summarize(context.Background(), []byte(payload), KindPullRequest, remote)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if remote.prCalls != 1 || remote.prNumber != 12 {
		t.Fatalf("expected one files call for #12, got %d calls for #%d", remote.prCalls, remote.prNumber)
	}
	if len(summary.FilesChanged) != 1 || summary.FilesChanged[0] != "main.go" {
		t.Fatalf("expected remote files to win, got %v", summary.FilesChanged)
	}
}

func TestSummarizePullRequestRemoteFailure(t *testing.T) {
	payload := `{"repository": {"full_name": "acme/widgets"}, "pull_request": {"number": 1}}`
	cause := errors.New("rate limited")
	_, err := Summarize(context.Background(), []byte(payload), KindPullRequest, &stubRemote{prErr: cause})
	if !IsAggregationError(err) || !errors.Is(err, cause) {
		t.Fatalf("expected aggregation error wrapping cause, got %v", err)
	}
}

func TestSummarizePullRequestWithoutFiles(t *testing.T) {
	payload := `{"repository": {"full_name": "acme/widgets"}, "pull_request": {"number": 1, "title": "x"}}`
	_, err := Summarize(context.Background(), []byte(payload), KindPullRequest, nil)
	if !IsAggregationError(err) {
		t.Fatalf("expected aggregation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "files data in pull request payload") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestSummarizePullRequestMissingSections(t *testing.T) {
	remote := &stubRemote{}
	for _, payload := range []string{
		`{"pull_request": {"number": 1}}`,
		`{"repository": {"full_name": "acme/widgets"}}`,
	} {
		_, err := Summarize(context.Background(), []byte(payload), KindPullRequest, remote)
		if !IsAggregationError(err) {
			t.Fatalf("expected aggregation error for %s, got %v", payload, err)
		}
	}
	if remote.prCalls != 0 {
		t.Fatalf("no fetch may happen before validation")
	}
}
