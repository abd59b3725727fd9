package middleware

import (
	"context"
	"fmt"
	"strings"

	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/model"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/telemetry"
)

// NameSummarize is the conversation summarisation middleware name.
const NameSummarize = "summarize"

const (
	// DefaultSummarizeThreshold is the estimated token count above which the
	// conversation is compacted.
	DefaultSummarizeThreshold = 100_000
	// DefaultSummarizeKeep is how many trailing messages survive compaction
	// verbatim.
	DefaultSummarizeKeep = 20
)

const summarySystemPrompt = `Summarise the conversation transcript you are given. Preserve decisions, open questions, tool outcomes, and any facts a continuing assistant would need. Respond with the summary only.`

type (
	// Summarize compacts long conversations before each model call. When the
	// estimated token count crosses the threshold it replaces everything but
	// the trailing messages with a single user message carrying a summary.
	Summarize struct {
		model     model.Client
		modelID   string
		threshold int
		keep      int
		logger    telemetry.Logger
	}

	// SummarizeOptions configures the middleware. Zero values pick the
	// defaults; a nil Model degrades to a deterministic digest of the
	// dropped messages instead of a model-written summary.
	SummarizeOptions struct {
		Model     model.Client
		ModelID   string
		Threshold int
		Keep      int
		Logger    telemetry.Logger
	}
)

// NewSummarize builds the middleware.
func NewSummarize(opts SummarizeOptions) *Summarize {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultSummarizeThreshold
	}
	if opts.Keep <= 0 {
		opts.Keep = DefaultSummarizeKeep
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Summarize{
		model:     opts.Model,
		modelID:   opts.ModelID,
		threshold: opts.Threshold,
		keep:      opts.Keep,
		logger:    opts.Logger,
	}
}

// Name implements Middleware.
func (*Summarize) Name() string { return NameSummarize }

// Opts implements OptsProvider so snapshots record the tuning; the importer
// re-injects the live model client.
func (m *Summarize) Opts() map[string]any {
	return map[string]any{
		"model":     m.modelID,
		"threshold": m.threshold,
		"keep":      m.keep,
	}
}

// BeforeModel implements BeforeModeler.
func (m *Summarize) BeforeModel(ctx context.Context, st *state.State) error {
	est := EstimateTokens(st.Messages)
	if est <= m.threshold {
		return nil
	}
	start := len(st.Messages) - m.keep
	// Never start the kept window on tool results whose calls were dropped.
	for start > 0 && st.Messages[start].Role == message.RoleTool {
		start--
	}
	if start <= 0 {
		return nil
	}
	dropped := st.Messages[:start]
	summary := m.summarize(ctx, dropped)
	kept := st.Messages[start:]
	compacted := make([]message.Message, 0, len(kept)+1)
	compacted = append(compacted, message.User("Earlier conversation summary:\n\n"+summary))
	compacted = append(compacted, kept...)
	m.logger.Info(ctx, "conversation compacted",
		"estimated_tokens", est, "dropped", len(dropped), "kept", len(kept))
	st.Messages = compacted
	return nil
}

func (m *Summarize) summarize(ctx context.Context, dropped []message.Message) string {
	transcript := Transcript(dropped)
	if m.model != nil {
		resp, err := m.model.Complete(ctx, model.Request{
			Model:    m.modelID,
			System:   summarySystemPrompt,
			Messages: []message.Message{message.User(transcript)},
		})
		if err == nil {
			if text := resp.Message.Text(); text != "" {
				return text
			}
		} else {
			m.logger.Warn(ctx, "summary model call failed, using digest", "err", err)
		}
	}
	return digest(dropped)
}

// EstimateTokens approximates the token count of a conversation from its
// visible text, using three characters per token.
func EstimateTokens(msgs []message.Message) int {
	var chars int
	for _, msg := range msgs {
		chars += len(msg.Text())
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Name) + len(tc.ArgumentsText)
		}
		for _, tr := range msg.ToolResults {
			for _, p := range tr.Content {
				chars += len(p.Content)
			}
		}
	}
	return chars / 3
}

// Transcript renders messages as a plain-text transcript for the summary
// prompt.
func Transcript(msgs []message.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Text())
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "  [called %s(%s)]\n", tc.Name, tc.ArgumentsText)
		}
		for _, tr := range msg.ToolResults {
			fmt.Fprintf(&b, "  [%s result: %s]\n", tr.Name, tr.Text())
		}
	}
	return b.String()
}

// digest is the fallback summary: a deterministic accounting of what was
// dropped, so compaction still shrinks the conversation when no model is
// available.
func digest(msgs []message.Message) string {
	counts := map[message.Role]int{}
	toolCalls := 0
	for _, msg := range msgs {
		counts[msg.Role]++
		toolCalls += len(msg.ToolCalls)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d earlier messages were compacted (%d user, %d assistant, %d tool; %d tool calls).",
		len(msgs), counts[message.RoleUser], counts[message.RoleAssistant], counts[message.RoleTool], toolCalls)
	if first := firstText(msgs); first != "" {
		fmt.Fprintf(&b, " The conversation began with: %s", snippet(first, 200))
	}
	return b.String()
}

func firstText(msgs []message.Message) string {
	for _, msg := range msgs {
		if t := msg.Text(); t != "" {
			return t
		}
	}
	return ""
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
