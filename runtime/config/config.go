// Package config loads runtime deployments from YAML: the agents a process
// hosts, the filesystem servers it mounts, and the supervisor's shutdown
// tuning. Decoding is strict, so a misspelled key fails the load instead of
// silently configuring nothing. YAML declares only what serializes — model
// clients, tool implementations, and middleware needing live dependencies
// are injected by the caller when the config is applied.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/loom"
	"goa.design/loom/runtime/agent"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/fs"
	"goa.design/loom/runtime/fs/storage"
	"goa.design/loom/runtime/fs/storage/disk"
	"goa.design/loom/runtime/fs/storage/mem"
	"goa.design/loom/runtime/scope"
	"goa.design/loom/runtime/supervisor"
)

type (
	// Config is one process's runtime deployment.
	Config struct {
		Agents      []AgentConfig      `yaml:"agents"`
		Filesystems []FilesystemConfig `yaml:"filesystems"`
		Supervisor  SupervisorConfig   `yaml:"supervisor"`
	}

	// AgentConfig declares one agent. Declared agents need explicit ids:
	// snapshots, presence entries, and events all key on the id, so letting
	// the runtime generate one per process start would orphan them.
	AgentConfig struct {
		ID                       string             `yaml:"id"`
		Name                     string             `yaml:"name"`
		Model                    string             `yaml:"model"`
		BaseSystemPrompt         string             `yaml:"base_system_prompt"`
		DefaultMode              string             `yaml:"default_mode"`
		MaxRuns                  int                `yaml:"max_runs"`
		MaxRetries               int                `yaml:"max_retries"`
		Middleware               []MiddlewareConfig `yaml:"middleware"`
		ReplaceDefaultMiddleware bool               `yaml:"replace_default_middleware"`
	}

	// MiddlewareConfig names a registered middleware module and its options.
	MiddlewareConfig struct {
		Module string         `yaml:"module"`
		Opts   map[string]any `yaml:"opts"`
	}

	// FilesystemConfig declares one filesystem server and its mounts.
	FilesystemConfig struct {
		Scope  string        `yaml:"scope"`
		Mounts []MountConfig `yaml:"mounts"`
	}

	// MountConfig binds a storage backend to a virtual subtree. Root applies
	// to disk mounts only and is required for them; the runtime never invents
	// a directory under the process working directory.
	MountConfig struct {
		BaseDirectory string `yaml:"base_directory"`
		Backend       string `yaml:"backend"`
		Root          string `yaml:"root"`
		DebounceMS    int    `yaml:"debounce_ms"`
		ReadOnly      bool   `yaml:"readonly"`
	}

	// SupervisorConfig tunes actor shutdown for the whole process.
	SupervisorConfig struct {
		IdleTimeout   Duration `yaml:"idle_timeout"`
		ShutdownDelay Duration `yaml:"shutdown_delay"`
		PresenceTopic string   `yaml:"presence_topic"`
	}

	// Duration decodes YAML duration strings ("30s", "5m") and integer
	// nanoseconds.
	Duration time.Duration
)

// Backend names accepted in MountConfig.
const (
	BackendDisk = "disk"
	BackendMem  = "mem"
)

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loom.WrapError(loom.KindValidation, err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a single YAML document. Unknown keys fail; an
// empty document is a valid empty deployment.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, loom.WrapError(loom.KindValidation, err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the declarations the runtime would reject anyway, so
// mistakes surface at load time with config-relative positions.
func (c *Config) Validate() error {
	ids := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		if err := a.validate(); err != nil {
			return loom.WrapError(loom.KindValidation, err, "agents[%d]", i)
		}
		if _, ok := ids[a.ID]; ok {
			return loom.ValidationError("agents[%d]: duplicate agent id %q", i, a.ID)
		}
		ids[a.ID] = struct{}{}
	}
	scopes := make(map[string]struct{}, len(c.Filesystems))
	for i, f := range c.Filesystems {
		if err := f.validate(); err != nil {
			return loom.WrapError(loom.KindValidation, err, "filesystems[%d]", i)
		}
		if _, ok := scopes[f.Scope]; ok {
			return loom.ValidationError("filesystems[%d]: duplicate filesystem scope %q", i, f.Scope)
		}
		scopes[f.Scope] = struct{}{}
	}
	return nil
}

func (a AgentConfig) validate() error {
	if a.ID == "" {
		return loom.ValidationError("agent id is required")
	}
	if a.Model == "" {
		return loom.ValidationError("agent %q requires a model", a.ID)
	}
	for i, m := range a.Middleware {
		if m.Module == "" {
			return loom.ValidationError("agent %q middleware[%d] requires a module", a.ID, i)
		}
	}
	return nil
}

// Apply copies the declaration onto cfg. Middleware entries resolve through
// reg, nil meaning the built-in registry; modules needing live dependencies
// (the filesystem middleware, the summarizer) must be registered by the
// caller with those dependencies closed over. The model client, tool
// implementations, and filesystem server cannot come from YAML and stay as
// the caller set them.
func (a AgentConfig) Apply(cfg *agent.Config, reg *middleware.Registry) error {
	if reg == nil {
		reg = middleware.DefaultRegistry()
	}
	var mw []middleware.Middleware
	for i, m := range a.Middleware {
		built, err := reg.New(m.Module, m.Opts)
		if err != nil {
			return loom.WrapError(loom.KindOf(err), err, "agent %q middleware[%d]", a.ID, i)
		}
		mw = append(mw, built)
	}
	cfg.ID = a.ID
	cfg.Name = a.Name
	cfg.ModelID = a.Model
	cfg.BaseSystemPrompt = a.BaseSystemPrompt
	cfg.DefaultMode = a.DefaultMode
	cfg.MaxRuns = a.MaxRuns
	cfg.MaxRetries = a.MaxRetries
	cfg.Middleware = mw
	cfg.ReplaceDefaultMiddleware = a.ReplaceDefaultMiddleware
	return nil
}

func (f FilesystemConfig) validate() error {
	if _, err := scope.Parse(f.Scope); err != nil {
		return err
	}
	for i, m := range f.Mounts {
		if err := m.validate(); err != nil {
			return loom.WrapError(loom.KindValidation, err, "mounts[%d]", i)
		}
	}
	return nil
}

func (m MountConfig) validate() error {
	if m.BaseDirectory == "" {
		return loom.ValidationError("mount requires a base_directory")
	}
	switch m.Backend {
	case BackendMem:
	case BackendDisk:
		if m.Root == "" {
			return loom.ValidationError("disk mount %q requires a root directory", m.BaseDirectory)
		}
	default:
		return loom.ValidationError("mount %q: unknown backend %q (want %q or %q)",
			m.BaseDirectory, m.Backend, BackendDisk, BackendMem)
	}
	return nil
}

// Options builds the fs.Options for this declaration, constructing the mount
// backends. Disk mounts create their root directory here, so a bad root
// fails before the server starts.
func (f FilesystemConfig) Options() (fs.Options, error) {
	sc, err := scope.Parse(f.Scope)
	if err != nil {
		return fs.Options{}, err
	}
	persistence := make([]fs.PersistenceConfig, 0, len(f.Mounts))
	for i, m := range f.Mounts {
		backend, err := m.backend()
		if err != nil {
			return fs.Options{}, loom.WrapError(loom.KindValidation, err, "filesystem %s mounts[%d]", f.Scope, i)
		}
		persistence = append(persistence, fs.PersistenceConfig{
			BaseDirectory: m.BaseDirectory,
			Backend:       backend,
			Debounce:      time.Duration(m.DebounceMS) * time.Millisecond,
			ReadOnly:      m.ReadOnly,
		})
	}
	return fs.Options{Scope: sc, Persistence: persistence}, nil
}

func (m MountConfig) backend() (storage.Backend, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.Backend == BackendMem {
		return mem.New(), nil
	}
	return disk.New(m.Root)
}

// Defaults maps the supervisor tuning onto agent defaults. Buses, presence
// tracking, and telemetry are live dependencies the caller adds.
func (s SupervisorConfig) Defaults() supervisor.AgentDefaults {
	return supervisor.AgentDefaults{
		IdleTimeout:   s.IdleTimeout.Duration(),
		ShutdownDelay: s.ShutdownDelay.Duration(),
		PresenceTopic: s.PresenceTopic,
	}
}

// UnmarshalYAML accepts Go duration strings and integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return loom.ValidationError("invalid duration %q", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return loom.ValidationError("duration must be a string like %q", "30s")
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration converts to the standard representation.
func (d Duration) Duration() time.Duration { return time.Duration(d) }
