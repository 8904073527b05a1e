package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mescon/Chronicarr/internal/logger"
)

// PublicImagePrefix is the URL path the API serves cached images under.
const PublicImagePrefix = "/cache/images"

const imageDownloadTimeout = 10 * time.Second

// ImageCache downloads poster art into a local directory so the UI does
// not hotlink media servers. Failures are soft: callers always get a
// usable URL back, falling back to the original source.
type ImageCache struct {
	baseDir    string
	httpClient *http.Client
}

// NewImageCache creates a cache rooted at baseDir, ensuring the movie
// and tv subdirectories exist.
func NewImageCache(baseDir string) (*ImageCache, error) {
	for _, sub := range []string{"movie", "tv"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create image cache dir: %w", err)
		}
	}
	return &ImageCache{
		baseDir:    baseDir,
		httpClient: &http.Client{Timeout: imageDownloadTimeout},
	}, nil
}

// BaseDir returns the filesystem root of the cache.
func (c *ImageCache) BaseDir() string {
	return c.baseDir
}

// Cache downloads sourceURL and returns the public path of the cached
// copy. An already-cached file is reused without refetching, and a
// sourceURL that is already a cache path passes through. On any failure
// the original URL is returned unchanged so the caller still has a
// working poster.
func (c *ImageCache) Cache(ctx context.Context, sourceURL, mediaType, itemID string) string {
	if sourceURL == "" || itemID == "" {
		return sourceURL
	}
	if strings.HasPrefix(sourceURL, PublicImagePrefix+"/") {
		return sourceURL
	}
	if mediaType != "movie" && mediaType != "tv" {
		return sourceURL
	}

	filename := sanitizeID(itemID) + extensionFromURL(sourceURL)
	localPath := filepath.Join(c.baseDir, mediaType, filename)
	publicPath := path.Join(PublicImagePrefix, mediaType, filename)

	if _, err := os.Stat(localPath); err == nil {
		return publicPath
	}

	if err := c.download(ctx, sourceURL, localPath); err != nil {
		logger.Warnf("Failed to cache poster from %s: %v", sourceURL, err)
		return sourceURL
	}
	logger.Debugf("Cached poster %s -> %s", sourceURL, localPath)
	return publicPath
}

// Resolve maps a public cache path back to its file on disk. Returns
// false for paths outside the cache.
func (c *ImageCache) Resolve(publicPath string) (string, bool) {
	if !strings.HasPrefix(publicPath, PublicImagePrefix+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(publicPath, PublicImagePrefix+"/")
	// Reject traversal attempts
	cleaned := filepath.Clean(rel)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", false
	}
	return filepath.Join(c.baseDir, cleaned), true
}

// Delete removes a cached image. Missing files are not an error.
func (c *ImageCache) Delete(publicPath string) error {
	localPath, ok := c.Resolve(publicPath)
	if !ok {
		return nil
	}
	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete cached image: %w", err)
	}
	return nil
}

func (c *ImageCache) download(ctx context.Context, sourceURL, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, imageDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image source returned status %d", resp.StatusCode)
	}

	// Write to a temp file first so a failed download never leaves a
	// truncated poster behind.
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, localPath)
}

// sanitizeID makes an item ID safe to use as a filename.
func sanitizeID(itemID string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_", "?", "_", "&", "_")
	return replacer.Replace(itemID)
}

// extensionFromURL pulls a file extension off the URL path, defaulting
// to .jpg when there is none.
func extensionFromURL(sourceURL string) string {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return ".jpg"
	}
	if ext := path.Ext(parsed.Path); ext != "" {
		return ext
	}
	return ".jpg"
}
