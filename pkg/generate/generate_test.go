package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"

	"shipnotes/internal"
	"shipnotes/pkg/cache"
	"shipnotes/pkg/changes"
	"shipnotes/pkg/quota"
	"shipnotes/pkg/storage"
	"shipnotes/pkg/storage/posts"
)

type stubCompleter struct {
	prompts []string
	reply   string
	err     error
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.reply, s.err
}

func newService(t *testing.T, completer Completer, limit int) (*Service, *posts.Store) {
	t.Helper()
	store, err := posts.Open(posts.Config{Config: storage.Config{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "generate.db"),
		AutoMigrate: true,
	}})
	if err != nil {
		t.Fatalf("open posts: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewService(quota.NewGate(cache.NewMemory(), limit), completer, store), store
}

func validRequest() Request {
	return Request{
		Summary: changes.Summary{
			Title:        "feat: add file",
			Description:  "feat: add file\n\nlong",
			FilesChanged: []string{"a.txt"},
			DiffStats:    []changes.FileStat{{Path: "a.txt", Additions: 1, Changes: 1}},
			Repository:   "acme/widgets",
			CommitCount:  1,
		},
		Options: Options{Language: "French", Tone: "playful", Formats: []string{"twitter", "linkedin"}},
	}
}

func TestGenerateStoresDraft(t *testing.T) {
	completer := &stubCompleter{reply: "Nouveau fichier !"}
	svc, store := newService(t, completer, 5)

	result, err := svc.Generate(context.Background(), "user-1", validRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Post.Status != storage.PostDraft || result.Post.UserID != "user-1" || result.Post.Content != "Nouveau fichier !" {
		t.Fatalf("unexpected post %+v", result.Post)
	}
	if result.Usage.Remaining != 4 {
		t.Fatalf("expected remaining 4, got %d", result.Usage.Remaining)
	}
	prompt := completer.prompts[0]
	for _, want := range []string{"acme/widgets", "feat: add file", "- a.txt", "French", "playful", "twitter, linkedin", "+1 -0"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	stored, _ := store.ListPosts(context.Background(), storage.PostFilter{UserID: "user-1"})
	if len(stored) != 1 {
		t.Fatalf("expected one stored draft, got %d", len(stored))
	}
}

func TestGenerateValidationDoesNotConsumeQuota(t *testing.T) {
	svc, _ := newService(t, &stubCompleter{reply: "x"}, 1)
	ctx := context.Background()

	missingTitle := validRequest()
	missingTitle.Title = ""
	if _, err := svc.Generate(ctx, "u", missingTitle); !changes.IsAggregationError(err) {
		t.Fatalf("expected aggregation error, got %v", err)
	}
	noFiles := validRequest()
	noFiles.FilesChanged = nil
	if _, err := svc.Generate(ctx, "u", noFiles); !changes.IsAggregationError(err) {
		t.Fatalf("expected aggregation error, got %v", err)
	}
	unknown := validRequest()
	unknown.Template = "haiku"
	if _, err := svc.Generate(ctx, "u", unknown); !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected unknown template error, got %v", err)
	}
	if _, err := svc.Generate(ctx, "u", validRequest()); err != nil {
		t.Fatalf("rejected requests must not consume quota: %v", err)
	}
}

func TestGenerateQuotaExceeded(t *testing.T) {
	svc, _ := newService(t, &stubCompleter{reply: "x"}, 1)
	ctx := context.Background()
	if _, err := svc.Generate(ctx, "u", validRequest()); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if _, err := svc.Generate(ctx, "u", validRequest()); !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
}

func TestGenerateCompletionFailure(t *testing.T) {
	svc, store := newService(t, &stubCompleter{err: errors.New("upstream 500")}, 5)
	_, err := svc.Generate(context.Background(), "u", validRequest())
	var completionErr *CompletionError
	if !errors.As(err, &completionErr) {
		t.Fatalf("expected completion error, got %v", err)
	}
	stored, _ := store.ListPosts(context.Background(), storage.PostFilter{})
	if len(stored) != 0 {
		t.Fatalf("failed generations must not store drafts")
	}
}

func TestTemplatesRender(t *testing.T) {
	for _, name := range Templates() {
		tmpl, err := lookupTemplate(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		prompt, err := renderPrompt(tmpl, validRequest().Summary, Options{})
		if err != nil {
			t.Fatalf("render %s: %v", name, err)
		}
		if !strings.Contains(prompt, "Write in English") {
			t.Fatalf("%s: expected default language, got:\n%s", name, prompt)
		}
	}
	if tmpl, err := lookupTemplate(""); err != nil || tmpl.Name() != DefaultTemplate {
		t.Fatalf("empty name should select the default template")
	}
}

func TestOpenAICompleter(t *testing.T) {
	var gotModel string
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.Unmarshal(body, &req)
		gotModel = req.Model
		if len(req.Messages) == 2 {
			gotPrompt = req.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  shipped!  "}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer server.Close()

	completer, err := NewOpenAICompleter(internal.GeneratorConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL + "/v1/",
		Model:   "gpt-4o-mini",
	}, option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("new completer: %v", err)
	}
	text, err := completer.Complete(context.Background(), "announce it")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "shipped!" || gotModel != "gpt-4o-mini" || gotPrompt != "announce it" {
		t.Fatalf("unexpected completion %q model=%q prompt=%q", text, gotModel, gotPrompt)
	}

	if _, err := NewOpenAICompleter(internal.GeneratorConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
