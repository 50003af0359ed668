package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"shipnotes/pkg/changes"
)

const (
	defaultBaseURL = "https://api.github.com"
	pageSize       = 100
)

// Client is the official GitHub SDK client.
type Client = gh.Client

// InstallationInfo is the account identity of an installation.
type InstallationInfo struct {
	ID           int64
	AccountID    int64
	AccountLogin string
	AccountType  string
}

// newSDKClient builds a client for baseURL. A non-default base URL is used
// as the API root as-is, e.g. https://ghe.example.com/api/v3.
func newSDKClient(httpClient *http.Client, baseURL string) (*gh.Client, error) {
	client := gh.NewClient(httpClient)
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" || base == defaultBaseURL {
		return client, nil
	}
	parsed, err := url.Parse(base + "/")
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	client.BaseURL = parsed
	client.UploadURL = parsed
	return client, nil
}

type installationTokenSource struct {
	ctx            context.Context
	credentials    *Credentials
	installationID int64
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.credentials.token(s.ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token.Token, TokenType: "Bearer", Expiry: token.ExpiresAt}, nil
}

// TokenSource adapts the installation token cache to oauth2.
func (c *Credentials) TokenSource(ctx context.Context, installationID int64) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &installationTokenSource{
		ctx:            ctx,
		credentials:    c,
		installationID: installationID,
	})
}

// Client creates an SDK client acting as the installation.
func (c *Credentials) Client(ctx context.Context, installationID int64) (*Client, error) {
	if installationID == 0 {
		return nil, fmt.Errorf("github installation id is required")
	}
	// Resolve once up front so credential failures surface here rather
	// than on the first API call.
	if _, err := c.token(ctx, installationID); err != nil {
		return nil, err
	}
	baseCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	httpClient := oauth2.NewClient(baseCtx, c.TokenSource(ctx, installationID))
	return newSDKClient(httpClient, c.baseURL)
}

// RemoteClient returns the change-summary fetcher for an installation.
func (c *Credentials) RemoteClient(ctx context.Context, installationID int64) (changes.RemoteClient, error) {
	client, err := c.Client(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return NewRemoteClient(client), nil
}

// FetchInstallation looks up the installation account using app credentials.
func (c *Credentials) FetchInstallation(ctx context.Context, installationID int64) (InstallationInfo, error) {
	if installationID == 0 {
		return InstallationInfo{}, fmt.Errorf("installation id is required")
	}
	client, err := c.appClient()
	if err != nil {
		return InstallationInfo{}, err
	}
	installation, _, err := client.Apps.GetInstallation(ctx, installationID)
	if err != nil {
		return InstallationInfo{}, fmt.Errorf("github installation lookup failed: %w", err)
	}
	account := installation.GetAccount()
	if account.GetID() == 0 {
		return InstallationInfo{}, fmt.Errorf("github installation %d has no account", installationID)
	}
	return InstallationInfo{
		ID:           installation.GetID(),
		AccountID:    account.GetID(),
		AccountLogin: account.GetLogin(),
		AccountType:  account.GetType(),
	}, nil
}

// ListInstallationRepositories returns the full names of every repository
// the installation can access.
func (c *Credentials) ListInstallationRepositories(ctx context.Context, installationID int64) ([]string, error) {
	client, err := c.Client(ctx, installationID)
	if err != nil {
		return nil, err
	}
	opts := &gh.ListOptions{PerPage: pageSize}
	var names []string
	for {
		page, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list installation repositories: %w", err)
		}
		for _, repo := range page.Repositories {
			if name := repo.GetFullName(); name != "" {
				names = append(names, name)
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return names, nil
		}
		opts.Page = resp.NextPage
	}
}

// RemoteClient fetches diff statistics through the SDK.
type RemoteClient struct {
	client *gh.Client
}

// NewRemoteClient wraps an installation-scoped SDK client.
func NewRemoteClient(client *gh.Client) *RemoteClient {
	return &RemoteClient{client: client}
}

func (r *RemoteClient) CompareCommits(ctx context.Context, owner, repo, base, head string) ([]changes.FileStat, error) {
	comparison, _, err := r.client.Repositories.CompareCommits(ctx, owner, repo, base, head, nil)
	if err != nil {
		return nil, err
	}
	return toFileStats(comparison.Files), nil
}

func (r *RemoteClient) ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]changes.FileStat, error) {
	opts := &gh.ListOptions{PerPage: pageSize}
	var stats []changes.FileStat
	for {
		files, resp, err := r.client.PullRequests.ListFiles(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, err
		}
		stats = append(stats, toFileStats(files)...)
		if resp == nil || resp.NextPage == 0 {
			return stats, nil
		}
		opts.Page = resp.NextPage
	}
}

func toFileStats(files []*gh.CommitFile) []changes.FileStat {
	out := make([]changes.FileStat, 0, len(files))
	for _, file := range files {
		if file.GetFilename() == "" {
			continue
		}
		out = append(out, changes.FileStat{
			Path:      file.GetFilename(),
			Additions: file.GetAdditions(),
			Deletions: file.GetDeletions(),
			Changes:   file.GetChanges(),
		})
	}
	return out
}
