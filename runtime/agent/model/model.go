// Package model defines the provider-agnostic LLM client contract. The
// runtime drives any chat-completion style provider through Client; adapters
// translate Request and Response to provider wire formats. Streaming is
// optional: clients that cannot stream return ErrStreamingUnsupported and the
// runtime falls back to Complete.
package model

import (
	"context"
	"errors"

	"goa.design/loom/runtime/agent/message"
)

type (
	// Client is a chat-completion provider.
	Client interface {
		// Complete performs a single blocking completion.
		Complete(ctx context.Context, req Request) (*Response, error)
		// Stream starts a streaming completion. Implementations that do not
		// stream return ErrStreamingUnsupported; callers then use Complete.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer yields deltas for one streaming completion. Recv returns
	// io.EOF once the provider closes the stream. Close releases provider
	// resources and is safe to call at any point.
	Streamer interface {
		Recv() (*message.Delta, error)
		Close() error
	}

	// Request is one completion request.
	Request struct {
		// Model selects the provider model.
		Model string
		// System is the fully assembled system prompt.
		System string
		// Messages is the conversation so far.
		Messages []message.Message
		// Tools advertises the callable tools.
		Tools []ToolSpec
		// MaxTokens caps the response length when positive.
		MaxTokens int
		// Temperature is the sampling temperature when positive.
		Temperature float64
		// Metadata carries provider-specific knobs.
		Metadata map[string]any
	}

	// Response is the provider's reply to Complete.
	Response struct {
		// Message is the assistant message.
		Message message.Message
		// Usage is the token accounting for this call.
		Usage message.Usage
	}

	// ToolSpec describes one callable tool to the provider.
	ToolSpec struct {
		// Name is the tool identifier the model uses in tool calls.
		Name string `json:"name"`
		// Description tells the model when to call the tool.
		Description string `json:"description"`
		// Schema is the JSON Schema of the arguments object.
		Schema map[string]any `json:"schema,omitempty"`
	}
)

// ErrStreamingUnsupported signals that a Client does not implement Stream.
var ErrStreamingUnsupported = errors.New("model: streaming unsupported")

// ErrRateLimited signals that the provider throttled the request. Adapters
// wrap provider 429-style responses with this sentinel so throttling
// middleware can react.
var ErrRateLimited = errors.New("model: rate limited")
