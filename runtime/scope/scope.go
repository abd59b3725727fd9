// Package scope defines the structured keys used to route agents and
// filesystem servers through the lifecycle supervisor. A scope identifies the
// owner of a resource instance: a user, a project, a single agent, or a
// session. Scopes compare structurally and are valid map keys; they are never
// synthesized from untrusted strings except through Parse, which validates.
package scope

import (
	"strings"

	"goa.design/loom"
)

type (
	// Kind enumerates the owner categories a scope can refer to.
	Kind string

	// Scope identifies one owned resource instance, e.g. {user 42} or
	// {project acme}. The zero value is invalid.
	Scope struct {
		// Kind is the owner category.
		Kind Kind
		// ID is the owner identifier within the category.
		ID string
	}
)

const (
	// User scopes a resource to one end user.
	User Kind = "user"
	// Project scopes a resource to a project shared by several users.
	Project Kind = "project"
	// Agent scopes a resource to a single agent instance.
	Agent Kind = "agent"
	// Session scopes a resource to one conversation session.
	Session Kind = "session"
)

// New builds a scope and validates it.
func New(kind Kind, id string) (Scope, error) {
	s := Scope{Kind: kind, ID: id}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate checks that the scope has a known kind and a non-empty ID.
func (s Scope) Validate() error {
	switch s.Kind {
	case User, Project, Agent, Session:
	default:
		return loom.ValidationError("unknown scope kind %q", string(s.Kind))
	}
	if s.ID == "" {
		return loom.ValidationError("scope id is required")
	}
	if strings.Contains(s.ID, ":") {
		return loom.ValidationError("scope id %q must not contain ':'", s.ID)
	}
	return nil
}

// IsZero reports whether the scope is unset.
func (s Scope) IsZero() bool { return s.Kind == "" && s.ID == "" }

// String renders the scope as "kind:id", the form Parse accepts and the form
// used in configuration files and log fields.
func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Parse converts a "kind:id" string into a validated scope.
func Parse(raw string) (Scope, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, loom.ValidationError("scope %q must have the form kind:id", raw)
	}
	return New(Kind(kind), id)
}
