package metadata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func newImageTestCache(t *testing.T) (*ImageCache, *httptest.Server, *int32) {
	t.Helper()

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "fake image bytes")
	}))
	t.Cleanup(server.Close)

	cache, err := NewImageCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewImageCache failed: %v", err)
	}
	return cache, server, &hits
}

func TestCacheDownloadsImage(t *testing.T) {
	cache, server, _ := newImageTestCache(t)

	got := cache.Cache(context.Background(), server.URL+"/poster.png", "movie", "42")
	want := "/cache/images/movie/42.png"
	if got != want {
		t.Errorf("Cache returned %q, want %q", got, want)
	}

	data, err := os.ReadFile(filepath.Join(cache.BaseDir(), "movie", "42.png"))
	if err != nil {
		t.Fatalf("Cached file missing: %v", err)
	}
	if string(data) != "fake image bytes" {
		t.Errorf("Cached content = %q", data)
	}
}

func TestCacheReusesExistingFile(t *testing.T) {
	cache, server, hits := newImageTestCache(t)

	url := server.URL + "/poster.jpg"
	first := cache.Cache(context.Background(), url, "tv", "s7")
	second := cache.Cache(context.Background(), url, "tv", "s7")

	if first != second {
		t.Errorf("Paths differ across calls: %q vs %q", first, second)
	}
	if *hits != 1 {
		t.Errorf("Expected exactly 1 download, got %d", *hits)
	}
}

func TestCacheFallsBackToSourceOnFailure(t *testing.T) {
	cache, server, _ := newImageTestCache(t)

	source := server.URL + "/missing.png"
	if got := cache.Cache(context.Background(), source, "movie", "9"); got != source {
		t.Errorf("Expected original URL on 404, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(cache.BaseDir(), "movie", "9.png")); !os.IsNotExist(err) {
		t.Error("Failed download should not leave a file behind")
	}
}

func TestCacheFallsBackWhenServerUnreachable(t *testing.T) {
	cache, err := NewImageCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewImageCache failed: %v", err)
	}

	source := "http://127.0.0.1:1/poster.jpg"
	if got := cache.Cache(context.Background(), source, "movie", "9"); got != source {
		t.Errorf("Expected original URL on connection failure, got %q", got)
	}
}

func TestCachePassesThroughCachedPaths(t *testing.T) {
	cache, _, hits := newImageTestCache(t)

	already := "/cache/images/movie/42.png"
	if got := cache.Cache(context.Background(), already, "movie", "42"); got != already {
		t.Errorf("Cached path should pass through, got %q", got)
	}
	if *hits != 0 {
		t.Errorf("Pass-through should not download, got %d hits", *hits)
	}
}

func TestCacheSkipsEmptyInputs(t *testing.T) {
	cache, server, _ := newImageTestCache(t)

	if got := cache.Cache(context.Background(), "", "movie", "42"); got != "" {
		t.Errorf("Empty URL should return empty, got %q", got)
	}
	if got := cache.Cache(context.Background(), server.URL+"/p.jpg", "movie", ""); got != server.URL+"/p.jpg" {
		t.Errorf("Empty item ID should return source, got %q", got)
	}
	if got := cache.Cache(context.Background(), server.URL+"/p.jpg", "music", "42"); got != server.URL+"/p.jpg" {
		t.Errorf("Unknown media type should return source, got %q", got)
	}
}

func TestCacheSanitizesItemIDs(t *testing.T) {
	cache, server, _ := newImageTestCache(t)

	got := cache.Cache(context.Background(), server.URL+"/poster.jpg", "tv", "show/../../etc")
	if got == server.URL+"/poster.jpg" {
		t.Fatal("Expected cache hit, got source fallback")
	}
	entries, err := os.ReadDir(filepath.Join(cache.BaseDir(), "tv"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 cached file, got %d", len(entries))
	}
	name := entries[0].Name()
	if filepath.Clean(name) != name || name == "" {
		t.Errorf("Sanitized name looks unsafe: %q", name)
	}
}

func TestResolve(t *testing.T) {
	cache, _, _ := newImageTestCache(t)

	local, ok := cache.Resolve("/cache/images/movie/42.png")
	if !ok {
		t.Fatal("Expected cache path to resolve")
	}
	if local != filepath.Join(cache.BaseDir(), "movie", "42.png") {
		t.Errorf("Resolved to %q", local)
	}

	if _, ok := cache.Resolve("http://example.com/x.png"); ok {
		t.Error("External URL should not resolve")
	}
	if _, ok := cache.Resolve("/cache/images/../../etc/passwd"); ok {
		t.Error("Traversal should not resolve")
	}
}

func TestDelete(t *testing.T) {
	cache, server, _ := newImageTestCache(t)

	public := cache.Cache(context.Background(), server.URL+"/poster.jpg", "movie", "42")
	if err := cache.Delete(public); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cache.BaseDir(), "movie", "42.jpg")); !os.IsNotExist(err) {
		t.Error("File should be gone after delete")
	}
	// Deleting again is not an error
	if err := cache.Delete(public); err != nil {
		t.Errorf("Second delete errored: %v", err)
	}
}
