// Package disk persists filesystem-server content under a local directory.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"goa.design/loom"
	"goa.design/loom/runtime/fs/storage"
)

// Backend stores each file as a regular file under Root. The root must be
// provided explicitly; the backend never invents a location under the
// process working directory.
type Backend struct {
	root string
}

// New validates the root directory and returns a disk backend. The directory
// is created if it does not exist.
func New(root string) (*Backend, error) {
	if root == "" {
		return nil, loom.ValidationError("disk backend root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, loom.ValidationError("disk backend root %q: %s", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Backend{root: abs}, nil
}

// Root returns the absolute backend root.
func (b *Backend) Root() string { return b.root }

// Write stores content at rel, creating parent directories as needed.
func (b *Backend) Write(ctx context.Context, rel string, content []byte) (storage.Meta, error) {
	full, err := b.resolve(rel)
	if err != nil {
		return storage.Meta{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return storage.Meta{}, err
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return storage.Meta{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return storage.Meta{}, err
	}
	return storage.Meta{Size: info.Size(), ModTime: info.ModTime(), SHA256: digest(content)}, nil
}

// Load reads the content at rel.
func (b *Backend) Load(ctx context.Context, rel string) ([]byte, storage.Meta, error) {
	full, err := b.resolve(rel)
	if err != nil {
		return nil, storage.Meta{}, err
	}
	content, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.Meta{}, loom.NotFoundError("file %q not found", rel)
		}
		return nil, storage.Meta{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, storage.Meta{}, err
	}
	return content, storage.Meta{Size: info.Size(), ModTime: info.ModTime(), SHA256: digest(content)}, nil
}

// Delete removes rel. Missing paths are ignored.
func (b *Backend) Delete(ctx context.Context, rel string) error {
	full, err := b.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List walks the root and returns every regular file, slash-separated and
// relative to the root.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// resolve maps a backend-relative path to an absolute path under root,
// rejecting escapes.
func (b *Backend) resolve(rel string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(rel, "/"))
	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", loom.ValidationError("path %q escapes the backend root", rel)
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned)), nil
}

func digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
