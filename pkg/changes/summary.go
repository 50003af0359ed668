package changes

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultRemoteTimeout = 15 * time.Second

// Summary is the canonical change summary produced from a push or pull request.
type Summary struct {
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	FilesChanged []string   `json:"filesChanged"`
	DiffStats    []FileStat `json:"diffStats"`
	Repository   string     `json:"repository"`
	CommitCount  int        `json:"commitCount"`
	Timestamp    string     `json:"timestamp"`
}

// FileStat holds line counts for a single changed file.
type FileStat struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Changes   int    `json:"changes"`
}

// RemoteClient fetches diff data the webhook payload does not carry.
type RemoteClient interface {
	CompareCommits(ctx context.Context, owner, repo, base, head string) ([]FileStat, error)
	ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]FileStat, error)
}

// AggregationError reports a payload that cannot be turned into a Summary.
type AggregationError struct {
	Reason string
	Err    error
}

func (e *AggregationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

// IsAggregationError reports whether err is, or wraps, an AggregationError.
func IsAggregationError(err error) bool {
	var aggErr *AggregationError
	return errors.As(err, &aggErr)
}

func aggregationErrorf(format string, args ...interface{}) error {
	return &AggregationError{Reason: fmt.Sprintf(format, args...)}
}

// Option configures a Summarize call.
type Option func(*options)

type options struct {
	remoteTimeout time.Duration
	now           func() time.Time
}

// WithRemoteTimeout bounds every remote call made while summarizing.
func WithRemoteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.remoteTimeout = d
		}
	}
}

// WithClock overrides the clock used for missing timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Summarize normalizes a raw push or pull_request payload into a Summary.
// remote may be nil, in which case only data embedded in the payload is used.
func Summarize(ctx context.Context, payload []byte, kind Kind, remote RemoteClient, opts ...Option) (Summary, error) {
	o := options{remoteTimeout: defaultRemoteTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	switch kind {
	case KindPush:
		return summarizePush(ctx, payload, remote, o)
	case KindPullRequest:
		return summarizePullRequest(ctx, payload, remote, o)
	default:
		return Summary{}, aggregationErrorf("unsupported event kind %q", string(kind))
	}
}

func (o options) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.remoteTimeout)
}
