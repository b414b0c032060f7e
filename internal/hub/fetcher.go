// Package hub downloads model artifacts from a Hugging Face compatible
// model repository into a local cache directory.
//
// Files are addressed as {endpoint}/{repo}/resolve/{revision}/{file} and
// cached under {cache_dir}/{repo with "/" replaced by "--"}/{revision}/{file},
// so relative references between artifacts (such as ONNX external data)
// keep working after download.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when the repository has no such file
var ErrNotFound = errors.New("artifact not found")

// ErrOffline is returned when a file is not cached and downloads are disabled
var ErrOffline = errors.New("artifact not cached and offline mode is enabled")

// Config contains fetcher configuration
type Config struct {
	Endpoint string
	Repo     string
	Revision string
	Token    string
	CacheDir string
	Offline  bool
	Timeout  time.Duration
}

// Fetcher resolves artifacts to local file paths, downloading them on first use
type Fetcher struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewFetcher creates a new artifact fetcher
func NewFetcher(config Config, logger *zap.Logger) (*Fetcher, error) {
	if config.Repo == "" {
		return nil, fmt.Errorf("repository id is required")
	}
	if config.Revision == "" {
		config.Revision = "main"
	}
	if config.CacheDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if !config.Offline {
		if _, err := url.Parse(config.Endpoint); err != nil || config.Endpoint == "" {
			return nil, fmt.Errorf("invalid endpoint %q", config.Endpoint)
		}
	}

	return &Fetcher{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// Dir returns the local directory holding this repository revision
func (f *Fetcher) Dir() string {
	repo := strings.ReplaceAll(f.config.Repo, "/", "--")
	return filepath.Join(f.config.CacheDir, repo, f.config.Revision)
}

// Get returns the local path of the named file, downloading it if needed
func (f *Fetcher) Get(ctx context.Context, name string) (string, error) {
	clean := path.Clean("/" + name)[1:]
	if clean == "" {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	local := filepath.Join(f.Dir(), filepath.FromSlash(clean))
	if info, err := os.Stat(local); err == nil && !info.IsDir() {
		f.logger.Debug("Artifact cache hit", zap.String("file", clean), zap.String("path", local))
		return local, nil
	}

	if f.config.Offline {
		return "", fmt.Errorf("%w: %s", ErrOffline, clean)
	}

	start := time.Now()
	size, err := f.download(ctx, clean, local)
	if err != nil {
		return "", err
	}

	f.logger.Info("Artifact downloaded",
		zap.String("repo", f.config.Repo),
		zap.String("revision", f.config.Revision),
		zap.String("file", clean),
		zap.Int64("bytes", size),
		zap.Duration("duration", time.Since(start)))

	return local, nil
}

// URL returns the remote location of the named file
func (f *Fetcher) URL(name string) string {
	base := strings.TrimRight(f.config.Endpoint, "/")
	return fmt.Sprintf("%s/%s/resolve/%s/%s", base, f.config.Repo, url.PathEscape(f.config.Revision), name)
}

// download writes the remote file to a temporary sibling and renames it in place
func (f *Fetcher) download(ctx context.Context, name, local string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(name), nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if f.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("fetching %s: hub returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", name, err)
	}

	if resp.ContentLength >= 0 && size != resp.ContentLength {
		return 0, fmt.Errorf("writing %s: truncated download (%d of %d bytes)", name, size, resp.ContentLength)
	}

	if err := os.Rename(tmp.Name(), local); err != nil {
		return 0, fmt.Errorf("failed to move %s into cache: %w", name, err)
	}

	return size, nil
}
