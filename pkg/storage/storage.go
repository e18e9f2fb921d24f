// Package storage implements the content-addressed Storage Gateway: a
// three-operation (upload/download/exists) capability contract with a
// fallback-chain provider selection, evaluated once at process startup and
// cached behind a lazily-initialized, explicitly-resettable singleton.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"
)

// Errors surfaced by the Storage Gateway, per the typed failure taxonomy.
var (
	ErrMetadataIncomplete = errors.New("storage: metadata incomplete")
	ErrNotFound           = errors.New("storage: not found")
	ErrIOFailure          = errors.New("storage: io failure")
)

// Metadata accompanies an upload.
type Metadata struct {
	OrderID     string
	ContentType string
	Timestamp   time.Time
}

// Provider is the capability set any storage backend must satisfy.
type Provider interface {
	Upload(ctx context.Context, data []byte, meta Metadata) (uri string, err error)
	Download(ctx context.Context, uri string) ([]byte, error)
	Exists(ctx context.Context, uri string) bool
}

var (
	provider     Provider
	providerOnce bool
)

// GetProvider returns the process-wide provider, initializing it lazily on
// first use via the fallback chain: a remote-blob credential configured AND
// importable/initializable selects the remote provider; otherwise local
// filesystem. Safe to call repeatedly; construction happens at most once
// until Reset is called.
func GetProvider(githubToken, storageDir string) Provider {
	if providerOnce {
		return provider
	}
	if githubToken != "" {
		if remote, err := newGistProvider(githubToken); err == nil {
			provider = remote
			providerOnce = true
			return provider
		}
	}
	provider = NewLocalProvider(storageDir)
	providerOnce = true
	return provider
}

// SetProvider overrides the process-wide provider explicitly (used by tests
// and by callers that want a specific backend regardless of configuration).
func SetProvider(p Provider) {
	provider = p
	providerOnce = true
}

// Reset clears the singleton so the next GetProvider call re-evaluates the
// fallback chain. Exists purely to keep tests hermetic.
func Reset() {
	provider = nil
	providerOnce = false
}

// resultEnvelope is the on-disk/on-wire wrapper stored alongside a SkillResult.
type resultEnvelope struct {
	OrderID  string          `json:"order_id"`
	StoredAt string          `json:"stored_at"`
	Result   json.RawMessage `json:"result"`
}

// StoreResult wraps result in the metadata envelope and uploads it, tagged
// with orderID. Returns the resulting URI.
func StoreResult(ctx context.Context, p Provider, orderID string, result json.RawMessage) (string, error) {
	if orderID == "" {
		return "", ErrMetadataIncomplete
	}
	env := resultEnvelope{
		OrderID:  orderID,
		StoredAt: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Result:   result,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return p.Upload(ctx, payload, Metadata{OrderID: orderID, ContentType: "application/json", Timestamp: time.Now()})
}

// FetchResult downloads and unwraps the envelope at uri, returning the inner result.
func FetchResult(ctx context.Context, p Provider, uri string) (json.RawMessage, error) {
	if !p.Exists(ctx, uri) {
		return nil, ErrNotFound
	}
	raw, err := p.Download(ctx, uri)
	if err != nil {
		return nil, err
	}
	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Result == nil {
		// Not wrapped in an envelope; treat the whole payload as the result.
		return raw, nil
	}
	return env.Result, nil
}

// EnsureDir is a small helper local providers use to create their storage root.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
