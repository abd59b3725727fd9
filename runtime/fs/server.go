// Package fs implements the virtual filesystem server agents share. A server
// owns one scope's files: agents read and write virtual paths, and persistence
// configs map subtrees of the virtual namespace onto storage backends with
// write-behind debouncing. Content is loaded lazily, one backend read per
// path, and read-only subtrees reject mutation before any backend traffic.
//
// The server serialises every operation behind one mutex. Debounce timers
// fire on their own goroutines and take the same mutex, so writes to a path
// are observed in order and a flush never interleaves with a write.
package fs

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
	"goa.design/loom/runtime/scope"
	"goa.design/loom/runtime/telemetry"
)

type (
	// Persistence classifies where an entry's authoritative copy lives.
	Persistence string

	// PersistenceConfig binds a virtual subtree to a storage backend.
	PersistenceConfig struct {
		// BaseDirectory names the virtual subtree the backend owns, without
		// slashes ("data", "user_files"). The subtree's virtual paths are
		// /BaseDirectory/... and the backend sees them with that prefix
		// stripped.
		BaseDirectory string
		// Backend stores content for paths under BaseDirectory.
		Backend storage.Backend
		// Debounce is how long a path must stay quiet before dirty entries
		// under BaseDirectory are flushed. Zero or negative flushes
		// synchronously on every write.
		Debounce time.Duration
		// ReadOnly rejects writes and deletes under BaseDirectory.
		ReadOnly bool
	}

	// Entry is a point-in-time snapshot of one file.
	Entry struct {
		// Path is the absolute virtual path.
		Path string
		// Content is the file content. Empty until loaded.
		Content string
		// Loaded reports whether Content is authoritative. Indexed-not-read
		// persisted files stay unloaded until first read.
		Loaded bool
		// Persistence is memory or persisted.
		Persistence Persistence
		// Dirty reports unflushed changes.
		Dirty bool
		// Meta carries backend metadata when known.
		Meta *storage.Meta
	}

	// Options configures a server.
	Options struct {
		// Scope identifies whose files this server owns. Required.
		Scope scope.Scope
		// Persistence configs registered at startup.
		Persistence []PersistenceConfig
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Server owns the files of one scope.
	Server struct {
		scope   scope.Scope
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		files   map[string]*entry
		configs []*PersistenceConfig
		timers  map[string]*time.Timer
		closed  bool
	}

	entry struct {
		content string
		loaded  bool
		dirty   bool
		cfg     *PersistenceConfig
		meta    *storage.Meta
	}
)

const (
	// PersistenceMemory marks entries that live only in the server.
	PersistenceMemory Persistence = "memory"
	// PersistencePersisted marks entries backed by a storage backend.
	PersistencePersisted Persistence = "persisted"
)

// New builds a server for the given scope and registers the initial
// persistence configs, indexing any files the backends already hold.
func New(ctx context.Context, opts Options) (*Server, error) {
	if err := opts.Scope.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	s := &Server{
		scope:   opts.Scope,
		logger:  logger,
		metrics: metrics,
		files:   make(map[string]*entry),
		timers:  make(map[string]*time.Timer),
	}
	for _, cfg := range opts.Persistence {
		if err := s.RegisterPersistence(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Scope returns the scope this server serves.
func (s *Server) Scope() scope.Scope { return s.scope }

// RegisterPersistence binds a backend to a virtual subtree. Base directories
// must not overlap: registering "data" and later "data/sub" (or "data" again)
// fails, so every path has exactly one owner. Existing backend files are
// indexed immediately but their content stays unloaded until first read.
func (s *Server) RegisterPersistence(ctx context.Context, cfg PersistenceConfig) error {
	normalized, err := normalize(cfg.BaseDirectory)
	if err != nil {
		return err
	}
	base := strings.TrimPrefix(normalized, "/")
	if cfg.Backend == nil {
		return loom.ValidationError("persistence %q requires a backend", base)
	}
	cfg.BaseDirectory = base

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ValidationError("filesystem server for %s is closed", s.scope)
	}
	for _, existing := range s.configs {
		if existing.BaseDirectory == base ||
			strings.HasPrefix(existing.BaseDirectory, base+"/") ||
			strings.HasPrefix(base, existing.BaseDirectory+"/") {
			return loom.ValidationError("persistence %q overlaps %q", base, existing.BaseDirectory)
		}
	}
	registered := &cfg
	s.configs = append(s.configs, registered)

	rels, err := cfg.Backend.List(ctx)
	if err != nil {
		s.configs = s.configs[:len(s.configs)-1]
		return err
	}
	for _, rel := range rels {
		virtual := "/" + base + "/" + strings.TrimPrefix(rel, "/")
		if _, ok := s.files[virtual]; ok {
			continue
		}
		s.files[virtual] = &entry{cfg: registered}
	}
	s.logger.Debug(ctx, "persistence registered",
		"scope", s.scope.String(), "base", base, "files", len(rels), "readonly", cfg.ReadOnly)
	return nil
}

// WriteFile stores content at a virtual path. Persisted paths are flushed to
// their backend after the config's debounce elapses without further writes;
// memory paths take effect immediately and never touch a backend.
func (s *Server) WriteFile(ctx context.Context, p, content string) error {
	virtual, err := normalize(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ValidationError("filesystem server for %s is closed", s.scope)
	}
	cfg := s.owner(virtual)
	if cfg != nil {
		if cfg.ReadOnly {
			return loom.ReadonlyViolationError(virtual, cfg.BaseDirectory)
		}
		if virtual == "/"+cfg.BaseDirectory {
			return loom.ValidationError("path %q is a persistence base directory", virtual)
		}
	}
	e, ok := s.files[virtual]
	if !ok {
		e = &entry{cfg: cfg}
		s.files[virtual] = e
	}
	e.content = content
	e.loaded = true
	sum := sha256.Sum256([]byte(content))
	e.meta = &storage.Meta{Size: int64(len(content)), ModTime: time.Now(), SHA256: hex.EncodeToString(sum[:])}
	s.metrics.IncCounter("fs.writes", 1, "scope", s.scope.String())

	if cfg == nil {
		return nil
	}
	e.dirty = true
	if cfg.Debounce <= 0 {
		return s.flushLocked(ctx, cfg.BaseDirectory)
	}
	s.resetTimerLocked(virtual, cfg)
	return nil
}

// ReadFile returns the content at a virtual path, loading persisted entries
// from their backend on first access. Unknown paths fail with not_found.
func (s *Server) ReadFile(ctx context.Context, p string) (string, error) {
	virtual, err := normalize(p)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.files[virtual]
	if !ok {
		return "", loom.NotFoundError("file %q not found", virtual)
	}
	if !e.loaded {
		if e.cfg == nil {
			return "", loom.NotFoundError("file %q not found", virtual)
		}
		rel := strings.TrimPrefix(virtual, "/"+e.cfg.BaseDirectory+"/")
		content, meta, err := e.cfg.Backend.Load(ctx, rel)
		if err != nil {
			return "", err
		}
		e.content = string(content)
		e.loaded = true
		e.meta = &meta
		s.metrics.IncCounter("fs.loads", 1, "scope", s.scope.String())
	}
	return e.content, nil
}

// DeleteFile removes a virtual path. Persisted entries are deleted from their
// backend immediately; pending flush timers for the path are dropped. Deleting
// a missing path succeeds, so deletes are idempotent.
func (s *Server) DeleteFile(ctx context.Context, p string) error {
	virtual, err := normalize(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ValidationError("filesystem server for %s is closed", s.scope)
	}
	if cfg := s.owner(virtual); cfg != nil && cfg.ReadOnly {
		return loom.ReadonlyViolationError(virtual, cfg.BaseDirectory)
	}
	e, ok := s.files[virtual]
	if !ok {
		return nil
	}
	if t, ok := s.timers[virtual]; ok {
		t.Stop()
		delete(s.timers, virtual)
	}
	delete(s.files, virtual)
	if e.cfg != nil {
		rel := strings.TrimPrefix(virtual, "/"+e.cfg.BaseDirectory+"/")
		if err := e.cfg.Backend.Delete(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

// ListFiles returns the virtual paths under prefix in lexical order. An empty
// prefix lists everything.
func (s *Server) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	var base string
	if prefix != "" {
		normalized, err := normalize(prefix)
		if err != nil {
			return nil, err
		}
		base = normalized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p := range s.files {
		if base != "" && p != base && !strings.HasPrefix(p, base+"/") {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Entry returns a snapshot of one file's bookkeeping without loading it.
func (s *Server) Entry(p string) (Entry, bool) {
	virtual, err := normalize(p)
	if err != nil {
		return Entry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.files[virtual]
	if !ok {
		return Entry{}, false
	}
	snap := Entry{
		Path:        virtual,
		Content:     e.content,
		Loaded:      e.loaded,
		Persistence: PersistenceMemory,
		Dirty:       e.dirty,
	}
	if e.cfg != nil {
		snap.Persistence = PersistencePersisted
	}
	if e.meta != nil {
		meta := *e.meta
		snap.Meta = &meta
	}
	return snap, true
}

// Flush writes every dirty entry to its backend now and drops pending timers.
func (s *Server) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, t := range s.timers {
		t.Stop()
		delete(s.timers, p)
	}
	var firstErr error
	for _, cfg := range s.configs {
		if err := s.flushLocked(ctx, cfg.BaseDirectory); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes dirty entries and rejects further mutation. Close is
// idempotent.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for p, t := range s.timers {
		t.Stop()
		delete(s.timers, p)
	}
	var firstErr error
	for _, cfg := range s.configs {
		if err := s.flushLocked(ctx, cfg.BaseDirectory); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.mu.Unlock()
	return firstErr
}

// resetTimerLocked restarts the debounce timer for one path. The timer
// callback flushes every dirty entry under the path's base directory, so a
// busy sibling cannot starve a quiet one indefinitely.
func (s *Server) resetTimerLocked(virtual string, cfg *PersistenceConfig) {
	if t, ok := s.timers[virtual]; ok {
		t.Stop()
	}
	base := cfg.BaseDirectory
	s.timers[virtual] = time.AfterFunc(cfg.Debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, virtual)
		if s.closed {
			return
		}
		if err := s.flushLocked(context.Background(), base); err != nil {
			s.logger.Error(context.Background(), "debounced flush failed",
				"scope", s.scope.String(), "base", base, "err", err)
		}
	})
}

// flushLocked persists every dirty entry under base. Entries that fail to
// persist stay dirty so the next flush retries them.
func (s *Server) flushLocked(ctx context.Context, base string) error {
	var firstErr error
	for virtual, e := range s.files {
		if !e.dirty || e.cfg == nil || e.cfg.BaseDirectory != base {
			continue
		}
		rel := strings.TrimPrefix(virtual, "/"+base+"/")
		meta, err := e.cfg.Backend.Write(ctx, rel, []byte(e.content))
		if err != nil {
			s.logger.Error(ctx, "flush failed", "scope", s.scope.String(), "path", virtual, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.dirty = false
		e.loaded = true
		e.meta = &meta
		if t, ok := s.timers[virtual]; ok {
			t.Stop()
			delete(s.timers, virtual)
		}
		s.metrics.IncCounter("fs.flushes", 1, "scope", s.scope.String())
	}
	return firstErr
}

// owner finds the persistence config with the longest base-directory prefix
// matching the path. Nil means the path is memory-only.
func (s *Server) owner(virtual string) *PersistenceConfig {
	var best *PersistenceConfig
	for _, cfg := range s.configs {
		prefix := "/" + cfg.BaseDirectory
		if virtual != prefix && !strings.HasPrefix(virtual, prefix+"/") {
			continue
		}
		if best == nil || len(cfg.BaseDirectory) > len(best.BaseDirectory) {
			best = cfg
		}
	}
	return best
}

// normalize canonicalises a virtual path: absolute, slash-separated, no
// parent references. Inputs without a leading slash are accepted and rooted.
func normalize(p string) (string, error) {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "", loom.ValidationError("invalid path %q", p)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", loom.ValidationError("invalid path %q", p)
		}
	}
	cleaned := path.Clean("/" + trimmed)
	if cleaned == "/" {
		return "", loom.ValidationError("invalid path %q", p)
	}
	return cleaned, nil
}
