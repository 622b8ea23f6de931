package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/failure"
)

// maxFilenameLen caps the sanitized original filename kept in a key.
const maxFilenameLen = 120

// Gateway turns uploads into stable blob references.
//
// Keys have the form {projectID}/{timestamp}-{filename}. The timestamp is a
// Unix-nanosecond value that strictly increases per Gateway, so two uploads
// of the same filename into the same project never share a key even when
// they arrive in the same clock tick.
type Gateway struct {
	store BlobStore
	now   func() time.Time
	log   zerolog.Logger

	mu   sync.Mutex
	last int64
}

// NewGateway wraps store.
func NewGateway(store BlobStore, log zerolog.Logger) *Gateway {
	return &Gateway{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "blob-gateway").Logger(),
	}
}

// Put stores data and returns its key. It does not retry: a StorageError is
// final for this upload.
func (g *Gateway) Put(ctx context.Context, projectID, filename, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &failure.PreconditionError{Stage: "upload", Reason: "audio file is empty"}
	}
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == "." || projectID == ".." {
		return "", &failure.PreconditionError{Stage: "upload", Reason: fmt.Sprintf("invalid project id %q", projectID)}
	}

	key := fmt.Sprintf("%s/%d-%s", projectID, g.nextStamp(), SanitizeFilename(filename))
	if err := g.store.Put(ctx, key, data, contentType); err != nil {
		return "", &failure.StorageError{Op: "put", Key: key, Err: err}
	}

	g.log.Debug().
		Str("key", key).
		Int("bytes", len(data)).
		Str("backend", g.store.Type()).
		Msg("blob stored")
	return key, nil
}

// Get fetches a blob by reference.
func (g *Gateway) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := g.store.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, &failure.NotFoundError{Resource: "blob", ID: ref}
		}
		return nil, &failure.StorageError{Op: "get", Key: ref, Err: err}
	}
	return data, nil
}

// Delete removes a blob.
func (g *Gateway) Delete(ctx context.Context, ref string) error {
	if err := g.store.Delete(ctx, ref); err != nil {
		return &failure.StorageError{Op: "delete", Key: ref, Err: err}
	}
	return nil
}

// Backend returns the underlying store type.
func (g *Gateway) Backend() string { return g.store.Type() }

func (g *Gateway) nextStamp() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts := g.now().UnixNano()
	if ts <= g.last {
		ts = g.last + 1
	}
	g.last = ts
	return ts
}

// SanitizeFilename reduces an uploaded filename to a single safe path
// segment. Directory parts are dropped and characters outside
// [A-Za-z0-9._-] become underscores.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "recording"
	}
	if len(out) > maxFilenameLen {
		out = out[len(out)-maxFilenameLen:]
	}
	return out
}
