package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type pullRequestPayload struct {
	Number      int                 `json:"number"`
	Repository  *repositoryPayload  `json:"repository"`
	PullRequest *pullRequestSection `json:"pull_request"`
	Files       json.RawMessage     `json:"files"`
}

type pullRequestSection struct {
	Number    int             `json:"number"`
	Title     *string         `json:"title"`
	Body      *string         `json:"body"`
	UpdatedAt string          `json:"updated_at"`
	Files     json.RawMessage `json:"files"`
}

func summarizePullRequest(ctx context.Context, raw []byte, remote RemoteClient, o options) (Summary, error) {
	var payload pullRequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Summary{}, &AggregationError{Reason: "Invalid pull request payload: malformed JSON", Err: err}
	}
	if payload.Repository == nil || payload.PullRequest == nil {
		return Summary{}, aggregationErrorf("Invalid pull request payload: missing repository or pull_request")
	}
	pr := payload.PullRequest
	number := pr.Number
	if number == 0 {
		number = payload.Number
	}
	repoName := payload.Repository.fullName()

	var stats []FileStat
	if remote != nil {
		owner, repo, ok := splitFullName(repoName)
		if !ok {
			return Summary{}, aggregationErrorf("Invalid pull request payload: repository name %q", repoName)
		}
		callCtx, cancel := o.remoteContext(ctx)
		fetched, err := remote.ListPullRequestFiles(callCtx, owner, repo, number)
		cancel()
		if err != nil {
			return Summary{}, &AggregationError{
				Reason: fmt.Sprintf("list files for %s#%d failed", repoName, number),
				Err:    err,
			}
		}
		stats = fetched
	} else {
		stats = parseFileStats(payload.Files)
		if len(stats) == 0 {
			stats = parseFileStats(pr.Files)
		}
		if len(stats) == 0 {
			return Summary{}, aggregationErrorf("No pull request files data in pull request payload")
		}
	}

	table := tableFrom(stats)
	title := "Pull Request"
	if pr.Title != nil && strings.TrimSpace(*pr.Title) != "" {
		title = *pr.Title
	}
	body := ""
	if pr.Body != nil {
		body = *pr.Body
	}
	timestamp := pr.UpdatedAt
	if timestamp == "" {
		timestamp = o.now().UTC().Format(time.RFC3339)
	}

	return Summary{
		Title:        title,
		Description:  body,
		FilesChanged: table.files(),
		DiffStats:    table.list(),
		Repository:   repoName,
		CommitCount:  0,
		Timestamp:    timestamp,
	}, nil
}

func splitFullName(fullName string) (string, string, bool) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", false
	}
	return owner, repo, true
}
