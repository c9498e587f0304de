package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestLocalFetchPublishRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "SRR000001.tar.xz")
	payload := []byte("container payload")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := store.Publish(ctx, src, "delited/SRR000001.tar.xz"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	exists, err := store.Exists(ctx, "delited/SRR000001.tar.xz")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Fatal("published archive not found")
	}

	dest := filepath.Join(t.TempDir(), "fetched.tar.xz")
	if err := store.Fetch(ctx, "delited/SRR000001.tar.xz", dest); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("fetched %q, want %q", got, payload)
	}
}

func TestLocalFetchMissingArchive(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	err = store.Fetch(context.Background(), "missing.tar.xz", filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, ErrArchiveNotFound) {
		t.Errorf("err = %v, want ErrArchiveNotFound", err)
	}
}

func TestLocalListByPrefix(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "a")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	for _, key := range []string{"source/SRR1.tar.xz", "source/SRR2.tar.xz", "delited/SRR1.tar.xz"} {
		if err := store.Publish(ctx, src, key); err != nil {
			t.Fatalf("Publish %s failed: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "source/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{"source/SRR1.tar.xz", "source/SRR2.tar.xz"}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("keys = %v, want %v", keys, want)
	}
}

func TestPrefetcherCachesAndCollectsErrors(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "a")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := store.Publish(ctx, src, "source/SRR1.tar.xz"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	p := NewPrefetcher(store, 2, filepath.Join(t.TempDir(), "cache"))
	keys := []string{"source/SRR1.tar.xz", "source/SRR404.tar.xz"}

	result, err := p.Fetch(ctx, keys)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if result.Fetches != 1 {
		t.Errorf("Fetches = %d, want 1", result.Fetches)
	}
	if _, ok := result.LocalPaths["source/SRR1.tar.xz"]; !ok {
		t.Error("fetched archive missing from result")
	}
	if !errors.Is(result.Errors["source/SRR404.tar.xz"], ErrArchiveNotFound) {
		t.Errorf("missing archive error = %v", result.Errors["source/SRR404.tar.xz"])
	}

	// A second fetch of the same key must hit the cache.
	result, err = p.Fetch(ctx, []string{"source/SRR1.tar.xz"})
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if result.CacheHits != 1 || result.Fetches != 0 {
		t.Errorf("CacheHits = %d, Fetches = %d, want 1, 0", result.CacheHits, result.Fetches)
	}
}

func TestPrefetcherKeysWithSameBaseName(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	for key, content := range map[string]string{
		"source/SRR1.tar.xz":  "original",
		"delited/SRR1.tar.xz": "rewritten",
	} {
		src := filepath.Join(t.TempDir(), "payload")
		if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if err := store.Publish(ctx, src, key); err != nil {
			t.Fatalf("Publish %s failed: %v", key, err)
		}
	}

	p := NewPrefetcher(store, 2, filepath.Join(t.TempDir(), "cache"))
	result, err := p.Fetch(ctx, []string{"source/SRR1.tar.xz", "delited/SRR1.tar.xz"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.LocalPaths["source/SRR1.tar.xz"] == result.LocalPaths["delited/SRR1.tar.xz"] {
		t.Fatal("keys with the same base name share a cache file")
	}
	for key, want := range map[string]string{
		"source/SRR1.tar.xz":  "original",
		"delited/SRR1.tar.xz": "rewritten",
	} {
		got, err := os.ReadFile(result.LocalPaths[key])
		if err != nil {
			t.Fatalf("ReadFile %s failed: %v", key, err)
		}
		if string(got) != want {
			t.Errorf("cached %s = %q, want %q", key, got, want)
		}
	}
}
