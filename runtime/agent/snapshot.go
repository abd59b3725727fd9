package agent

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/agent/model"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/agent/tools"
	"goa.design/loom/runtime/fs"
	"goa.design/loom/runtime/telemetry"
)

// SnapshotVersion is the serialised state format this package writes.
const SnapshotVersion = 1

type (
	// Snapshot is the serialised form of an agent and its state: string keys
	// and JSON-clean values only, so snapshots can live in any document
	// store. Secrets never appear; the importer re-binds the model client
	// and tool implementations from ImportOptions.
	Snapshot struct {
		// Version is the format version. Zero decodes as 1.
		Version int `json:"version"`
		// AgentID identifies the exported agent.
		AgentID string `json:"agent_id"`
		// SerializedAt is the export time in UTC.
		SerializedAt time.Time `json:"serialized_at"`
		// AgentConfig is the serialisable part of the agent definition.
		AgentConfig SnapshotConfig `json:"agent_config"`
		// State carries the conversation.
		State SnapshotState `json:"state"`
	}

	// SnapshotConfig records how the agent was assembled. Custom tools appear
	// by name only; implementations are re-bound on import.
	SnapshotConfig struct {
		Model            SnapshotModel        `json:"model"`
		BaseSystemPrompt string               `json:"base_system_prompt"`
		CustomToolNames  []string             `json:"custom_tool_names"`
		Middleware       []SnapshotMiddleware `json:"middleware"`
		Name             string               `json:"name,omitempty"`
	}

	// SnapshotModel names the client implementation and the provider model,
	// never credentials.
	SnapshotModel struct {
		Module string `json:"module"`
		Model  string `json:"model"`
	}

	// SnapshotMiddleware records one pipeline entry by name plus its
	// JSON-clean construction options.
	SnapshotMiddleware struct {
		Module string         `json:"module"`
		Opts   map[string]any `json:"opts"`
	}

	// SnapshotState is the exported conversation.
	SnapshotState struct {
		Messages []message.Message `json:"messages"`
		Todos    []state.Todo      `json:"todos"`
		Metadata map[string]any    `json:"metadata"`
	}

	// ImportOptions supply what snapshots cannot carry. Tools maps custom
	// tool names to implementations; names the map is missing are logged and
	// skipped. Middleware rebuilds pipeline entries by name; an unknown name
	// fails the import.
	ImportOptions struct {
		// Model is the live chat model client. Required unless importing
		// into an actor, which falls back to its current client.
		Model model.Client
		// Tools re-binds the snapshot's custom tool names.
		Tools map[string]tools.Tool
		// Middleware resolves middleware names. Nil means the default
		// registry.
		Middleware *middleware.Registry
		// Filesystem backs a serialised filesystem middleware entry.
		Filesystem *fs.Server
		// Logger receives missing-tool warnings. Defaults to a no-op.
		Logger telemetry.Logger
	}
)

// ParseSnapshot decodes a snapshot from JSON.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, loom.WrapError(loom.KindValidation, err, "decode snapshot")
	}
	return &s, nil
}

// Validate checks the snapshot is something this runtime can restore.
func (s *Snapshot) Validate() error {
	if v := s.version(); v != SnapshotVersion {
		return loom.ValidationError("unsupported snapshot version %d", v)
	}
	if s.AgentID == "" {
		return loom.ValidationError("snapshot agent_id is required")
	}
	return nil
}

// version treats a missing version as 1, the only format ever written.
func (s *Snapshot) version() int {
	if s.Version == 0 {
		return 1
	}
	return s.Version
}

// newSnapshot captures the agent definition and a deep copy of the state.
func newSnapshot(ag *Agent, st *state.State) *Snapshot {
	entries := ag.Middleware()
	mws := make([]SnapshotMiddleware, 0, len(entries))
	for _, mw := range entries {
		entry := SnapshotMiddleware{Module: mw.Name(), Opts: map[string]any{}}
		if op, ok := mw.(middleware.OptsProvider); ok {
			entry.Opts = op.Opts()
		}
		mws = append(mws, entry)
	}
	clone := st.Clone()
	meta := clone.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &Snapshot{
		Version:      SnapshotVersion,
		AgentID:      ag.ID(),
		SerializedAt: time.Now().UTC(),
		AgentConfig: SnapshotConfig{
			Model:            SnapshotModel{Module: modelModule(ag.Model()), Model: ag.ModelID()},
			BaseSystemPrompt: ag.BaseSystemPrompt(),
			CustomToolNames:  ag.CustomToolNames(),
			Middleware:       mws,
			Name:             ag.Name(),
		},
		State: SnapshotState{Messages: clone.Messages, Todos: clone.Todos, Metadata: meta},
	}
}

// modelModule names the client implementation, e.g.
// "goa.design/loom/runtime/agent/model.Scripted". Identification only; the
// importer receives the live client through ImportOptions.
func modelModule(c model.Client) string {
	t := reflect.TypeOf(c)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// FromSnapshot rebuilds an agent definition and its conversation state.
// Middleware entries are reconstructed by name: entries needing live
// dependencies (filesystem, summarize) are wired from the options, the rest
// go through the middleware registry. Missing custom tools are skipped with
// a warning; unknown middleware fail.
func FromSnapshot(snap *Snapshot, opts ImportOptions) (*Agent, *state.State, error) {
	if err := snap.Validate(); err != nil {
		return nil, nil, err
	}
	if opts.Model == nil {
		return nil, nil, loom.ValidationError("snapshot import requires a model client")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	registry := opts.Middleware
	if registry == nil {
		registry = middleware.DefaultRegistry()
	}
	entries := make([]middleware.Middleware, 0, len(snap.AgentConfig.Middleware))
	for _, smw := range snap.AgentConfig.Middleware {
		mw, err := rebuildMiddleware(smw, opts.Model, opts.Filesystem, registry)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, mw)
	}
	customs := make([]tools.Tool, 0, len(snap.AgentConfig.CustomToolNames))
	for _, name := range snap.AgentConfig.CustomToolNames {
		t, ok := opts.Tools[name]
		if !ok {
			logger.Warn(context.Background(), "snapshot tool not provided, skipping", "agent_id", snap.AgentID, "tool", name)
			continue
		}
		customs = append(customs, t)
	}
	ag, err := New(Config{
		ID:               snap.AgentID,
		Name:             snap.AgentConfig.Name,
		Model:            opts.Model,
		ModelID:          snap.AgentConfig.Model.Model,
		BaseSystemPrompt: snap.AgentConfig.BaseSystemPrompt,
		Tools:            customs,
		Middleware:       entries,
		// The snapshot records the whole pipeline, defaults included.
		ReplaceDefaultMiddleware: true,
		Filesystem:               opts.Filesystem,
	})
	if err != nil {
		return nil, nil, err
	}
	return ag, snap.restoreState(), nil
}

// rebuildMiddleware reconstructs one pipeline entry. Filesystem and
// summarize need live dependencies the registry cannot hold, so they are
// wired here; everything else constructs from its recorded options.
func rebuildMiddleware(smw SnapshotMiddleware, client model.Client, fsrv *fs.Server, registry *middleware.Registry) (middleware.Middleware, error) {
	switch smw.Module {
	case middleware.NameFilesystem:
		if fsrv == nil {
			return nil, loom.ValidationError("snapshot middleware %q requires a filesystem server", smw.Module)
		}
		return middleware.NewFilesystem(fsrv)
	case middleware.NameSummarize:
		return middleware.NewSummarize(middleware.SummarizeOptions{
			Model:     client,
			ModelID:   stringOpt(smw.Opts, "model"),
			Threshold: intOpt(smw.Opts, "threshold"),
			Keep:      intOpt(smw.Opts, "keep"),
		}), nil
	default:
		return registry.New(smw.Module, smw.Opts)
	}
}

// stringOpt reads a string option, tolerating absence.
func stringOpt(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// intOpt reads an integer option. JSON decoding turns numbers into float64,
// so both representations are accepted.
func intOpt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (s *Snapshot) restoreState() *state.State {
	st := (&state.State{
		Messages: s.State.Messages,
		Todos:    s.State.Todos,
		Metadata: s.State.Metadata,
	}).Clone()
	if st.Metadata == nil {
		st.Metadata = make(map[string]any)
	}
	// The file registry is rebuilt from filesystem activity, not snapshots.
	st.Files = make(map[string]state.FileRef)
	return st
}

// Export serialises the agent and its state into a version 1 snapshot.
func (a *Actor) Export(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	if err := a.do(ctx, func() { snap = newSnapshot(a.agent, a.state) }); err != nil {
		return nil, err
	}
	return snap, nil
}

// Import replaces the actor's agent definition and state from a snapshot.
// Options missing a model, filesystem, or logger fall back to the actor's
// own. The actor comes out idle with no pending interrupt.
func (a *Actor) Import(ctx context.Context, snap *Snapshot, opts ImportOptions) error {
	var ierr error
	if err := a.do(ctx, func() { ierr = a.restore(ctx, snap, opts) }); err != nil {
		return err
	}
	return ierr
}

func (a *Actor) restore(ctx context.Context, snap *Snapshot, opts ImportOptions) error {
	if opts.Model == nil {
		opts.Model = a.agent.Model()
	}
	if opts.Filesystem == nil {
		opts.Filesystem = a.agent.Filesystem()
	}
	if opts.Logger == nil {
		opts.Logger = a.logger
	}
	ag, st, err := FromSnapshot(snap, opts)
	if err != nil {
		return err
	}
	a.touch()
	if a.tracker != nil && ag.ID() != a.agent.ID() {
		if uerr := a.tracker.Untrack(ctx, a.topic, a.agent.ID()); uerr != nil {
			a.logger.Warn(ctx, "presence untrack failed", "agent_id", a.agent.ID(), "err", uerr)
		}
	}
	a.agent = ag
	a.stack = middleware.NewStack(ag.ID(), ag.Middleware(),
		middleware.WithStackLogger(a.logger),
		middleware.WithEmitter(a.emitDebug),
	)
	a.state = st
	a.pending = nil
	a.transition(ctx, StatusIdle)
	a.refreshPresence(ctx)
	return nil
}
