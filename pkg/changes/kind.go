package changes

import "strings"

// Kind is the canonical classification of a hosting-platform event.
type Kind string

const (
	// KindPush is a branch push carrying one or more commits.
	KindPush Kind = "push"
	// KindPullRequest is any pull_request delivery.
	KindPullRequest Kind = "pull_request"
	// KindUnsupported covers every other event name.
	KindUnsupported Kind = "unsupported"
)

// ParseKind maps a raw event name (the X-GitHub-Event header) to a Kind.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "push":
		return KindPush
	case "pull_request":
		return KindPullRequest
	default:
		return KindUnsupported
	}
}

// Supported reports whether the aggregator can summarize events of this kind.
func (k Kind) Supported() bool {
	return k == KindPush || k == KindPullRequest
}

// Label is a human-readable name used in generated drafts.
func (k Kind) Label() string {
	switch k {
	case KindPush:
		return "push"
	case KindPullRequest:
		return "pull request"
	default:
		return "event"
	}
}
