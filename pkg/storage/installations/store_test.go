package installations

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"shipnotes/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Config: storage.Config{
			Driver:      "sqlite",
			DSN:         filepath.Join(t.TempDir(), "installations.db"),
			AutoMigrate: true,
		},
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.UpsertInstallation(ctx, storage.Installation{
		ID:           42,
		AccountLogin: "acme",
		AccountID:    9,
		Repositories: []string{"acme/a", "acme/b", "acme/a"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.GetInstallation(ctx, 42)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if strings.Join(got.Repositories, ",") != "acme/a,acme/b" {
		t.Fatalf("expected deduplicated repositories, got %v", got.Repositories)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	got.Repositories = []string{"acme/c"}
	got.AccountLogin = "acme-inc"
	if err := store.UpsertInstallation(ctx, *got); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	updated, _ := store.GetInstallation(ctx, 42)
	if updated.AccountLogin != "acme-inc" || len(updated.Repositories) != 1 {
		t.Fatalf("expected replacement, got %+v", updated)
	}
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetInstallation(context.Background(), 1)
	if err != nil || got != nil {
		t.Fatalf("expected nil for missing installation, got %+v %v", got, err)
	}
}

func TestDeleteAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, inst := range []storage.Installation{
		{ID: 1, AccountLogin: "acme"},
		{ID: 2, AccountLogin: "acme"},
		{ID: 3, AccountLogin: "other"},
	} {
		if err := store.UpsertInstallation(ctx, inst); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := store.DeleteInstallation(ctx, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteInstallation(ctx, 99); err != nil {
		t.Fatalf("deleting a missing installation should succeed: %v", err)
	}
	acme, err := store.ListInstallations(ctx, "acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(acme) != 1 || acme[0].ID != 1 {
		t.Fatalf("unexpected acme installations %+v", acme)
	}
	all, _ := store.ListInstallations(ctx, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 installations, got %d", len(all))
	}
}

func TestUpsertRequiresID(t *testing.T) {
	store := openTestStore(t)
	if err := store.UpsertInstallation(context.Background(), storage.Installation{}); err == nil {
		t.Fatalf("expected error for missing id")
	}
}
