package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	gh "github.com/google/go-github/v57/github"
)

func newTestSDKClient(t *testing.T, handler http.Handler) *gh.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := gh.NewClient(server.Client())
	base, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client.BaseURL = base
	return client
}

func TestRemoteClientCompareCommits(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/compare/aaa...bbb", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"files":[
			{"filename":"main.go","additions":3,"deletions":1,"changes":4},
			{"filename":"README.md","additions":1,"deletions":0,"changes":1}
		]}`))
	})
	remote := NewRemoteClient(newTestSDKClient(t, mux))

	stats, err := remote.CompareCommits(context.Background(), "acme", "widgets", "aaa", "bbb")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(stats) != 2 || stats[0].Path != "main.go" || stats[0].Changes != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRemoteClientListPullRequestFilesPages(t *testing.T) {
	var serverURL string
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/5/files", func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Query().Get("per_page") != "100" {
			t.Errorf("expected per_page=100, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/widgets/pulls/5/files?page=2&per_page=100>; rel="next"`, serverURL))
			_, _ = w.Write([]byte(`[{"filename":"a.go","additions":1,"changes":1}]`))
			return
		}
		_, _ = w.Write([]byte(`[{"filename":"b.go","deletions":2,"changes":2}]`))
	})
	client := newTestSDKClient(t, mux)
	serverURL = client.BaseURL.String()
	serverURL = serverURL[:len(serverURL)-1]

	stats, err := NewRemoteClient(client).ListPullRequestFiles(context.Background(), "acme", "widgets", 5)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if requests != 2 {
		t.Fatalf("expected 2 page requests, got %d", requests)
	}
	if len(stats) != 2 || stats[1].Path != "b.go" || stats[1].Deletions != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRemoteClientError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/1/files", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := NewRemoteClient(newTestSDKClient(t, mux)).ListPullRequestFiles(context.Background(), "acme", "widgets", 1)
	if err == nil {
		t.Fatalf("expected error for missing pull request")
	}
}

func TestNewSDKClientBaseURL(t *testing.T) {
	client, err := newSDKClient(http.DefaultClient, "https://ghe.example.com/api/v3/")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if client.BaseURL.String() != "https://ghe.example.com/api/v3/" {
		t.Fatalf("unexpected base url %s", client.BaseURL)
	}
	client, _ = newSDKClient(http.DefaultClient, "")
	if client.BaseURL.String() != defaultBaseURL+"/" {
		t.Fatalf("expected default base url, got %s", client.BaseURL)
	}
}
