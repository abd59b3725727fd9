// Package storage defines the persistence seam of the filesystem server. A
// Backend stores file content under backend-relative paths; the server maps
// its virtual paths to backend paths by stripping the persistence config's
// base directory. Backends never see virtual paths or debounce concerns.
package storage

import (
	"context"
	"time"
)

type (
	// Meta describes stored content. Backends compute it on write and load
	// so the server can expose size and integrity without re-reading.
	Meta struct {
		// Size is the content length in bytes.
		Size int64
		// ModTime is the backend's last-modified time.
		ModTime time.Time
		// SHA256 is the hex digest of the content.
		SHA256 string
	}

	// Backend persists file content. Paths are slash-separated and relative
	// to the backend root.
	Backend interface {
		// Write stores content at rel, creating parents as needed.
		Write(ctx context.Context, rel string, content []byte) (Meta, error)
		// Load reads the content at rel. Missing paths fail with a not_found
		// error.
		Load(ctx context.Context, rel string) ([]byte, Meta, error)
		// Delete removes rel. Deleting a missing path is not an error;
		// deletes are retried by flush cycles and must be idempotent.
		Delete(ctx context.Context, rel string) error
		// List returns every stored path, relative to the backend root.
		List(ctx context.Context) ([]string, error)
	}
)
