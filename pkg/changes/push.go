package changes

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

var compareURLPattern = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+)/compare/([^/]+?)\.\.\.([^/]+?)/?$`)

type repositoryPayload struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"owner"`
	PushedAt json.RawMessage `json:"pushed_at"`
}

func (r *repositoryPayload) fullName() string {
	if r == nil {
		return ""
	}
	if r.FullName != "" {
		return r.FullName
	}
	owner := r.Owner.Login
	if owner == "" {
		owner = r.Owner.Name
	}
	if owner == "" || r.Name == "" {
		return ""
	}
	return owner + "/" + r.Name
}

type commitPayload struct {
	ID        string          `json:"id"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp"`
	Added     []string        `json:"added"`
	Modified  []string        `json:"modified"`
	Removed   []string        `json:"removed"`
	Files     json.RawMessage `json:"files"`
	Stats     json.RawMessage `json:"stats"`
}

// fileStats returns the per-file numbers carried by the commit, if any.
func (c commitPayload) fileStats() []FileStat {
	if stats := parseFileStats(c.Files); len(stats) > 0 {
		return stats
	}
	return parseFileStats(c.Stats)
}

type pushPayload struct {
	Ref        string             `json:"ref"`
	Before     string             `json:"before"`
	After      string             `json:"after"`
	Compare    string             `json:"compare"`
	Repository *repositoryPayload `json:"repository"`
	Commits    []commitPayload    `json:"commits"`
	HeadCommit *commitPayload     `json:"head_commit"`
}

func summarizePush(ctx context.Context, raw []byte, remote RemoteClient, o options) (Summary, error) {
	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Summary{}, &AggregationError{Reason: "Invalid push payload: malformed JSON", Err: err}
	}
	if payload.Repository == nil {
		return Summary{}, aggregationErrorf("Invalid push payload: missing repository")
	}
	head := payload.HeadCommit
	if head == nil && len(payload.Commits) > 0 {
		last := payload.Commits[len(payload.Commits)-1]
		head = &last
	}
	if head == nil {
		return Summary{}, aggregationErrorf("Invalid push payload: no commits")
	}

	table := newStatTable()
	hasStats := false
	commits := payload.Commits
	if len(commits) == 0 {
		// GitHub can send the changes only on head_commit
		commits = []commitPayload{*head}
	}
	for _, commit := range commits {
		for _, group := range [][]string{commit.Added, commit.Modified, commit.Removed} {
			for _, path := range group {
				table.register(path)
			}
		}
		stats := commit.fileStats()
		if len(stats) > 0 {
			hasStats = true
		}
		for _, stat := range stats {
			table.add(stat)
		}
	}

	if !hasStats && payload.Compare != "" && remote != nil {
		remoteStats, err := comparePush(ctx, payload, remote, o)
		if err != nil {
			return Summary{}, err
		}
		table = tableFrom(remoteStats)
	}

	if table.empty() {
		return Summary{}, aggregationErrorf("no file changes could be determined")
	}

	return Summary{
		Title:        firstLine(head.Message),
		Description:  pushDescription(payload.Commits, head),
		FilesChanged: table.files(),
		DiffStats:    table.list(),
		Repository:   payload.Repository.fullName(),
		CommitCount:  len(payload.Commits),
		Timestamp:    pushTimestamp(head, payload.Repository, o.now),
	}, nil
}

func comparePush(ctx context.Context, payload pushPayload, remote RemoteClient, o options) ([]FileStat, error) {
	match := compareURLPattern.FindStringSubmatch(strings.TrimSpace(payload.Compare))
	if match == nil {
		return nil, aggregationErrorf("malformed compare URL %q", payload.Compare)
	}
	owner, repo, base, head := match[1], match[2], match[3], match[4]
	if payload.Before != "" {
		base = payload.Before
	}
	if payload.After != "" {
		head = payload.After
	}
	callCtx, cancel := o.remoteContext(ctx)
	defer cancel()
	stats, err := remote.CompareCommits(callCtx, owner, repo, base, head)
	if err != nil {
		return nil, &AggregationError{
			Reason: "compare " + owner + "/" + repo + " " + base + "..." + head + " failed",
			Err:    err,
		}
	}
	return stats, nil
}

func pushDescription(commits []commitPayload, head *commitPayload) string {
	if len(commits) == 0 {
		return head.Message
	}
	messages := make([]string, 0, len(commits))
	for _, commit := range commits {
		messages = append(messages, commit.Message)
	}
	return strings.Join(messages, "\n\n")
}

func pushTimestamp(head *commitPayload, repo *repositoryPayload, now func() time.Time) string {
	if head != nil && head.Timestamp != "" {
		return head.Timestamp
	}
	if repo != nil && len(repo.PushedAt) > 0 {
		var unix int64
		if err := json.Unmarshal(repo.PushedAt, &unix); err == nil && unix > 0 {
			return time.Unix(unix, 0).UTC().Format(time.RFC3339)
		}
		var text string
		if err := json.Unmarshal(repo.PushedAt, &text); err == nil && text != "" {
			return text
		}
	}
	return now().UTC().Format(time.RFC3339)
}

func firstLine(message string) string {
	message = strings.TrimSpace(message)
	if idx := strings.IndexAny(message, "\r\n"); idx >= 0 {
		return strings.TrimSpace(message[:idx])
	}
	return message
}
