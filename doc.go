// Package loom is an agent runtime for building long-lived, tool-using LLM
// agents. The runtime hosts many independent agents as isolated actors; each
// agent owns a conversation, a tool set assembled by composable middleware,
// an execution loop that drives a chat model through multi-step reasoning
// with tool calls, and a virtual filesystem that persists lazily to pluggable
// storage backends. A lifecycle supervisor starts and stops actors on demand,
// routes them by scope key, and evicts idle ones based on observed presence.
//
// The root package defines the error taxonomy shared by every runtime
// component. The runtime itself lives under runtime/ (agent, fs, supervisor,
// presence, scope, telemetry, config) and optional integrations live under
// features/ (Pulse/Redis event dispatch, MongoDB snapshot storage, model
// rate limiting).
package loom
