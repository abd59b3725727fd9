// Package agent assembles LLM agents and hosts them as actors. New builds an
// immutable Agent from a Config: the middleware pipeline (defaults prepended
// unless replaced), the system prompt (base plus middleware fragments), and a
// unique-name tool registry. Start wraps an Agent in an Actor, a single
// goroutine that owns the conversation state and serialises every command
// through its mailbox.
package agent

import (
	"github.com/google/uuid"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/agent/mode"
	"goa.design/loom/runtime/agent/model"
	"goa.design/loom/runtime/agent/tools"
	"goa.design/loom/runtime/fs"
)

type (
	// Config describes an agent before assembly. Model is required; zero
	// budgets take the mode package defaults, and a missing ID gets a
	// generated UUID.
	Config struct {
		// ID identifies the agent across events, presence, and snapshots.
		ID string
		// Name is a human-readable label carried into snapshots.
		Name string
		// Model is the chat model client.
		Model model.Client
		// ModelID selects the provider model.
		ModelID string
		// BaseSystemPrompt is the prompt before middleware fragments.
		BaseSystemPrompt string
		// Tools are the agent's custom tools. Snapshots record their names;
		// imports re-bind them from a caller-provided map.
		Tools []tools.Tool
		// Middleware extends the pipeline. It runs after the defaults unless
		// ReplaceDefaultMiddleware is set, in which case it is the whole
		// pipeline.
		Middleware []middleware.Middleware
		// ReplaceDefaultMiddleware drops the default pipeline (todos,
		// filesystem when a server is configured, summarize, dangling
		// tool-call repair).
		ReplaceDefaultMiddleware bool
		// Filesystem is the virtual filesystem server tools run against.
		Filesystem *fs.Server
		// DefaultMode names the mode add_message-triggered runs use. Empty
		// means while_needs_response.
		DefaultMode string
		// MaxRuns bounds model calls per run; zero means the default.
		MaxRuns int
		// MaxRetries bounds retry attempts per run; zero means the default.
		MaxRetries int
		// Modes resolves mode names for this agent. Nil means the built-ins.
		Modes *mode.Registry
	}

	// Agent is an assembled agent definition. It is immutable and safe to
	// share; actors hold one and keep all mutable state to themselves.
	Agent struct {
		id           string
		name         string
		model        model.Client
		modelID      string
		basePrompt   string
		systemPrompt string
		entries      []middleware.Middleware
		registry     *tools.Registry
		customTools  []string
		filesystem   *fs.Server
		defaultMode  string
		maxRuns      int
		maxRetries   int
		modes        *mode.Registry
	}
)

// New assembles an agent. It resolves the middleware pipeline, joins the
// system prompt fragments, and registers middleware tools followed by custom
// tools under unique names; a duplicate name fails assembly.
func New(cfg Config) (*Agent, error) {
	if cfg.Model == nil {
		return nil, loom.ValidationError("agent model is required")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	modes := cfg.Modes
	if modes == nil {
		modes = mode.DefaultRegistry()
	}
	defaultMode := cfg.DefaultMode
	if defaultMode == "" {
		defaultMode = mode.DefaultMode
	}
	if _, ok := modes.Get(defaultMode); !ok {
		return nil, loom.ValidationError("unknown default mode %q", defaultMode)
	}
	entries, err := assembleMiddleware(cfg)
	if err != nil {
		return nil, err
	}
	// A throwaway stack: prompt fragments and tool contributions are fixed at
	// assembly time, the actor wires its own stack with an emitter.
	stack := middleware.NewStack(id, entries)
	registry, err := tools.NewRegistry(append(stack.Tools(), cfg.Tools...)...)
	if err != nil {
		return nil, err
	}
	custom := make([]string, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		custom = append(custom, t.Name)
	}
	maxRuns := cfg.MaxRuns
	if maxRuns == 0 {
		maxRuns = mode.DefaultMaxRuns
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = mode.DefaultMaxRetries
	}
	return &Agent{
		id:           id,
		name:         cfg.Name,
		model:        cfg.Model,
		modelID:      cfg.ModelID,
		basePrompt:   cfg.BaseSystemPrompt,
		systemPrompt: stack.SystemPrompt(cfg.BaseSystemPrompt),
		entries:      entries,
		registry:     registry,
		customTools:  custom,
		filesystem:   cfg.Filesystem,
		defaultMode:  defaultMode,
		maxRuns:      maxRuns,
		maxRetries:   maxRetries,
		modes:        modes,
	}, nil
}

// assembleMiddleware resolves the pipeline: defaults first, then the
// configured entries.
func assembleMiddleware(cfg Config) ([]middleware.Middleware, error) {
	if cfg.ReplaceDefaultMiddleware {
		return append([]middleware.Middleware(nil), cfg.Middleware...), nil
	}
	defaults := []middleware.Middleware{middleware.NewTodos()}
	if cfg.Filesystem != nil {
		fsm, err := middleware.NewFilesystem(cfg.Filesystem)
		if err != nil {
			return nil, err
		}
		defaults = append(defaults, fsm)
	}
	defaults = append(defaults,
		middleware.NewSummarize(middleware.SummarizeOptions{Model: cfg.Model, ModelID: cfg.ModelID}),
		middleware.NewPatchDanglingToolCalls(),
	)
	return append(defaults, cfg.Middleware...), nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Name returns the human-readable label, possibly empty.
func (a *Agent) Name() string { return a.name }

// Model returns the chat model client.
func (a *Agent) Model() model.Client { return a.model }

// ModelID returns the provider model identifier.
func (a *Agent) ModelID() string { return a.modelID }

// BaseSystemPrompt returns the prompt before middleware fragments.
func (a *Agent) BaseSystemPrompt() string { return a.basePrompt }

// SystemPrompt returns the assembled prompt: base plus middleware fragments
// joined by blank lines.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Middleware returns the resolved pipeline in order.
func (a *Agent) Middleware() []middleware.Middleware {
	return append([]middleware.Middleware(nil), a.entries...)
}

// Tools returns the tool registry (middleware tools plus custom tools).
func (a *Agent) Tools() *tools.Registry { return a.registry }

// CustomToolNames returns the names of the configured custom tools, in
// registration order.
func (a *Agent) CustomToolNames() []string {
	return append([]string(nil), a.customTools...)
}

// Filesystem returns the virtual filesystem server, or nil.
func (a *Agent) Filesystem() *fs.Server { return a.filesystem }

// DefaultMode returns the mode used when none is requested.
func (a *Agent) DefaultMode() string { return a.defaultMode }

// MaxRuns returns the per-run model call budget.
func (a *Agent) MaxRuns() int { return a.maxRuns }

// MaxRetries returns the per-run retry budget.
func (a *Agent) MaxRetries() int { return a.maxRetries }

// Modes returns the mode registry the agent resolves names against.
func (a *Agent) Modes() *mode.Registry { return a.modes }
