// Package supervisor tracks the live agent actors and filesystem servers of
// one process, keyed by scope. Starting an already-started scope returns the
// existing instance, so concurrent callers converge on one actor per scope.
// Actors deregister themselves when they stop, including presence-driven
// self-termination, which keeps the registry consistent without polling.
package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/loom"
	"goa.design/loom/runtime/agent"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/fs"
	"goa.design/loom/runtime/presence"
	"goa.design/loom/runtime/scope"
	"goa.design/loom/runtime/telemetry"
)

type (
	// AgentDefaults fill the zero fields of every agent.Options passed to
	// StartAgent. Deployments set the shared buses, presence tracker, and
	// shutdown policy once instead of threading them through every caller.
	AgentDefaults struct {
		// Lifecycle is the shared lifecycle bus.
		Lifecycle hooks.Bus
		// Debug is the shared debug bus.
		Debug hooks.Bus
		// Presence tracks started actors.
		Presence presence.Tracker
		// PresenceTopic is the topic actors track themselves under.
		PresenceTopic string
		// IdleTimeout stops trackerless actors after inactivity.
		IdleTimeout time.Duration
		// PresenceCheckDelay is the viewer polling interval.
		PresenceCheckDelay time.Duration
		// ShutdownDelay is the grace period before an unwatched actor stops.
		ShutdownDelay time.Duration
		// Metrics defaults actors' metrics sink.
		Metrics telemetry.Metrics
	}

	// Options configure a supervisor.
	Options struct {
		// Defaults seed the options of every started agent.
		Defaults AgentDefaults
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Supervisor is a scope-keyed registry of actors and filesystem servers.
	// All methods are safe for concurrent use.
	Supervisor struct {
		defaults AgentDefaults
		logger   telemetry.Logger

		mu          sync.Mutex
		agents      map[scope.Scope]*agent.Actor
		filesystems map[scope.Scope]*fs.Server
		closed      bool
	}
)

// New builds an empty supervisor.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Supervisor{
		defaults:    opts.Defaults,
		logger:      logger,
		agents:      make(map[scope.Scope]*agent.Actor),
		filesystems: make(map[scope.Scope]*fs.Server),
	}
}

// StartAgent starts an actor under the scope, or returns the one already
// running there. The started flag reports which happened. Zero fields of
// opts inherit the supervisor's defaults, and the actor is deregistered when
// it stops, however the stop was initiated.
//
// The registry lock is held across actor startup so concurrent starts of the
// same scope cannot race.
func (s *Supervisor) StartAgent(ctx context.Context, sc scope.Scope, opts agent.Options) (*agent.Actor, bool, error) {
	if err := sc.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, loom.ValidationError("supervisor is shut down")
	}
	if a, ok := s.agents[sc]; ok {
		return a, false, nil
	}
	opts = s.applyDefaults(opts)
	onStop := opts.OnStop
	opts.OnStop = func() {
		s.forgetAgent(sc)
		if onStop != nil {
			onStop()
		}
	}
	a, err := agent.Start(ctx, opts)
	if err != nil {
		return nil, false, err
	}
	s.agents[sc] = a
	s.logger.Info(ctx, "agent started", "scope", sc.String(), "agent_id", a.ID())
	return a, true, nil
}

func (s *Supervisor) applyDefaults(opts agent.Options) agent.Options {
	d := s.defaults
	if opts.Lifecycle == nil {
		opts.Lifecycle = d.Lifecycle
	}
	if opts.Debug == nil {
		opts.Debug = d.Debug
	}
	if opts.Presence == nil {
		opts.Presence = d.Presence
	}
	if opts.PresenceTopic == "" {
		opts.PresenceTopic = d.PresenceTopic
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = d.IdleTimeout
	}
	if opts.PresenceCheckDelay == 0 {
		opts.PresenceCheckDelay = d.PresenceCheckDelay
	}
	if opts.ShutdownDelay == 0 {
		opts.ShutdownDelay = d.ShutdownDelay
	}
	if opts.Metrics == nil {
		opts.Metrics = d.Metrics
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return opts
}

// forgetAgent drops the registry entry. Runs on the actor goroutine via
// OnStop, after the actor's mailbox has drained.
func (s *Supervisor) forgetAgent(sc scope.Scope) {
	s.mu.Lock()
	delete(s.agents, sc)
	s.mu.Unlock()
}

// GetAgent returns the actor running under the scope, if any.
func (s *Supervisor) GetAgent(sc scope.Scope) (*agent.Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[sc]
	return a, ok
}

// ListAgents returns the scopes with a running actor, sorted.
func (s *Supervisor) ListAgents() []scope.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedScopes(s.agents)
}

// StopAgent stops the actor under the scope and waits for it to drain. The
// actor's OnStop deregisters it.
func (s *Supervisor) StopAgent(ctx context.Context, sc scope.Scope) error {
	s.mu.Lock()
	a, ok := s.agents[sc]
	s.mu.Unlock()
	if !ok {
		return loom.NotFoundError("no agent under scope %q", sc.String())
	}
	return a.Stop(ctx)
}

// StartFilesystem starts a filesystem server under the scope, or returns the
// one already running there. The server is keyed and scoped by sc; the Scope
// field of opts is overwritten.
func (s *Supervisor) StartFilesystem(ctx context.Context, sc scope.Scope, opts fs.Options) (*fs.Server, bool, error) {
	if err := sc.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, loom.ValidationError("supervisor is shut down")
	}
	if srv, ok := s.filesystems[sc]; ok {
		return srv, false, nil
	}
	opts.Scope = sc
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	srv, err := fs.New(ctx, opts)
	if err != nil {
		return nil, false, err
	}
	s.filesystems[sc] = srv
	s.logger.Info(ctx, "filesystem started", "scope", sc.String())
	return srv, true, nil
}

// GetFilesystem returns the server running under the scope, if any.
func (s *Supervisor) GetFilesystem(sc scope.Scope) (*fs.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.filesystems[sc]
	return srv, ok
}

// ListFilesystems returns the scopes with a running server, sorted.
func (s *Supervisor) ListFilesystems() []scope.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedScopes(s.filesystems)
}

// StopFilesystem closes the server under the scope, flushing dirty entries.
func (s *Supervisor) StopFilesystem(ctx context.Context, sc scope.Scope) error {
	s.mu.Lock()
	srv, ok := s.filesystems[sc]
	delete(s.filesystems, sc)
	s.mu.Unlock()
	if !ok {
		return loom.NotFoundError("no filesystem under scope %q", sc.String())
	}
	return srv.Close(ctx)
}

// Shutdown drains every actor, then closes every filesystem server, and
// rejects further starts. Actors go first so their final writes land before
// the filesystems flush.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	actors := make([]*agent.Actor, 0, len(s.agents))
	for _, a := range s.agents {
		actors = append(actors, a)
	}
	servers := make([]*fs.Server, 0, len(s.filesystems))
	for _, srv := range s.filesystems {
		servers = append(servers, srv)
	}
	s.filesystems = make(map[scope.Scope]*fs.Server)
	s.mu.Unlock()

	var errs []error
	for _, a := range actors {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, srv := range servers {
		if err := srv.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedScopes[V any](m map[scope.Scope]V) []scope.Scope {
	out := make([]scope.Scope, 0, len(m))
	for sc := range m {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
