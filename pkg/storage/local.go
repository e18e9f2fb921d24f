package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultStorageDir is the on-disk layout root for local blobs.
const DefaultStorageDir = "data/results"

// LocalProvider persists blobs on the local filesystem under a file:// URI scheme.
type LocalProvider struct {
	dir string
}

// NewLocalProvider constructs a LocalProvider rooted at dir (defaults to
// DefaultStorageDir when empty) and ensures the directory exists.
func NewLocalProvider(dir string) *LocalProvider {
	if dir == "" {
		dir = DefaultStorageDir
	}
	_ = EnsureDir(dir)
	return &LocalProvider{dir: dir}
}

var _ Provider = (*LocalProvider)(nil)

func (l *LocalProvider) generateFilename(orderID string, ts time.Time) string {
	stamp := ts.UTC().Format("20060102_150405")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", orderID, stamp)))
	return fmt.Sprintf("%s_%s_%x.json", orderID, stamp, sum[:4])
}

func (l *LocalProvider) pathToURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	if !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}
	return "file://" + abs
}

func (l *LocalProvider) uriToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("storage: malformed uri %q", uri)
	}
	p := u.Path
	if p == "" {
		return "", fmt.Errorf("storage: malformed uri %q", uri)
	}
	return filepath.FromSlash(p), nil
}

// Upload requires meta.OrderID to be set, per §4.2's MetadataIncomplete rule.
func (l *LocalProvider) Upload(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if meta.OrderID == "" {
		return "", ErrMetadataIncomplete
	}
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	name := l.generateFilename(meta.OrderID, ts)
	path := filepath.Join(l.dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return l.pathToURI(path), nil
}

func (l *LocalProvider) Download(ctx context.Context, uri string) ([]byte, error) {
	path, err := l.uriToPath(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return data, nil
}

// Exists never fails: a malformed URI resolves to false, per §4.2.
func (l *LocalProvider) Exists(ctx context.Context, uri string) bool {
	path, err := l.uriToPath(uri)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
