// Package mem provides an in-memory storage backend, used by tests and by
// deployments that want persistence semantics without durable media.
package mem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/loom"
	"goa.design/loom/runtime/fs/storage"
)

// Backend keeps content in a map guarded by a mutex.
type Backend struct {
	mu    sync.Mutex
	files map[string]record
	now   func() time.Time
}

type record struct {
	content []byte
	meta    storage.Meta
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{files: make(map[string]record), now: time.Now}
}

// Seed stores content without error handling; tests use it to stage
// pre-existing files.
func (b *Backend) Seed(rel string, content []byte) {
	_, _ = b.Write(context.Background(), rel, content)
}

// Write stores a copy of content at rel.
func (b *Backend) Write(ctx context.Context, rel string, content []byte) (storage.Meta, error) {
	key, err := normalize(rel)
	if err != nil {
		return storage.Meta{}, err
	}
	sum := sha256.Sum256(content)
	meta := storage.Meta{
		Size:    int64(len(content)),
		ModTime: b.now(),
		SHA256:  hex.EncodeToString(sum[:]),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[key] = record{content: append([]byte(nil), content...), meta: meta}
	return meta, nil
}

// Load returns a copy of the content at rel.
func (b *Backend) Load(ctx context.Context, rel string) ([]byte, storage.Meta, error) {
	key, err := normalize(rel)
	if err != nil {
		return nil, storage.Meta{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.files[key]
	if !ok {
		return nil, storage.Meta{}, loom.NotFoundError("file %q not found", rel)
	}
	return append([]byte(nil), rec.content...), rec.meta, nil
}

// Delete removes rel. Missing paths are ignored.
func (b *Backend) Delete(ctx context.Context, rel string) error {
	key, err := normalize(rel)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, key)
	return nil
}

// List returns all stored paths in lexical order.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rels := make([]string, 0, len(b.files))
	for rel := range b.files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels, nil
}

// Len reports how many files are stored.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}

func normalize(rel string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(rel, "/"))
	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", loom.ValidationError("path %q escapes the backend root", rel)
	}
	return cleaned, nil
}
