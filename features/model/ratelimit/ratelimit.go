// Package ratelimit wraps a model.Client with adaptive request and token
// budgets. The limiter estimates the token cost of each request, blocks the
// caller until capacity is available, and adjusts its effective
// tokens-per-minute budget in response to throttling from the provider: a
// model.ErrRateLimited response halves the budget, a success nudges it back
// toward the ceiling.
//
// One Limiter guards one provider account. Construct it once per process and
// hand it wherever the raw client would go; agents sharing the account then
// share the budget. Supplying a Pulse replicated map extends the sharing
// across processes.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/model"
	"goa.design/pulse/rmap"
)

const (
	// defaultTPM is the token budget used when Options leaves it unset.
	defaultTPM = 60000
	// overheadTokens pads every estimate for the system prompt and provider
	// framing.
	overheadTokens = 500
	// charsPerToken is the crude text-to-token ratio of the estimate.
	charsPerToken = 3
)

type (
	// Options configure a Limiter. The zero value yields a process-local
	// limiter with the default token budget and no request cap.
	Options struct {
		// RequestsPerMinute caps how many calls per minute reach the
		// provider. Zero disables the request limiter.
		RequestsPerMinute float64
		// Burst is the request limiter burst. Defaults to RequestsPerMinute.
		Burst int
		// TokensPerMinute is the initial token budget. Defaults to 60000.
		TokensPerMinute float64
		// MaxTokensPerMinute caps recovery after backoffs. Values below
		// TokensPerMinute are raised to it.
		MaxTokensPerMinute float64
		// Map shares the token budget across processes through a Pulse
		// replicated map. Nil keeps the limiter process-local.
		Map *rmap.Map
		// Key names the shared budget entry in Map. Required when Map is
		// set; every process wrapping the same account must use the same
		// key.
		Key string
	}

	// Limiter is a model.Client that applies the configured budgets before
	// delegating to the wrapped client.
	Limiter struct {
		next     model.Client
		requests *rate.Limiter
		tokens   *budget
	}

	// budget is an AIMD token bucket: halve on throttle, creep back toward
	// the ceiling on success.
	budget struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}
)

// New wraps next with the configured limits. ctx bounds the shared-budget
// seeding performed when Options.Map is set.
func New(ctx context.Context, next model.Client, opts Options) (*Limiter, error) {
	if next == nil {
		return nil, loom.ValidationError("ratelimit: a client to wrap is required")
	}
	var requests *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RequestsPerMinute)
		}
		if burst < 1 {
			burst = 1
		}
		requests = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60.0), burst)
	}
	var cm clusterMap
	if opts.Map != nil {
		if opts.Key == "" {
			return nil, loom.ValidationError("ratelimit: a key is required with a shared map")
		}
		cm = rmapCluster{m: opts.Map}
	}
	return &Limiter{
		next:     next,
		requests: requests,
		tokens:   newClusterBudget(ctx, cm, opts.Key, opts.TokensPerMinute, opts.MaxTokensPerMinute),
	}, nil
}

// Complete blocks until the budgets admit the request, then delegates.
func (l *Limiter) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	if err := l.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := l.next.Complete(ctx, req)
	l.tokens.observe(err)
	return resp, err
}

// Stream blocks until the budgets admit the request, then delegates.
func (l *Limiter) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := l.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := l.next.Stream(ctx, req)
	l.tokens.observe(err)
	return stream, err
}

// Budget reports the current effective tokens-per-minute budget.
func (l *Limiter) Budget() float64 { return l.tokens.tpm() }

func (l *Limiter) wait(ctx context.Context, req model.Request) error {
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return err
		}
	}
	return l.tokens.wait(ctx, estimateTokens(req))
}

// newBudget builds a process-local budget. initialTPM and maxTPM are tokens
// per minute; a zero initialTPM falls back to the default and maxTPM is
// clamped up to initialTPM. The floor and recovery step derive from the
// initial budget so a misbehaving provider can never park the limiter at
// zero.
func newBudget(initialTPM, maxTPM float64) *budget {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &budget{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

func (b *budget) wait(ctx context.Context, tokens int) error {
	return b.limiter.WaitN(ctx, tokens)
}

func (b *budget) observe(err error) {
	if err == nil {
		b.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		b.backoff()
	}
}

func (b *budget) backoff() {
	b.mu.Lock()

	newTPM := b.currentTPM * 0.5
	if newTPM < b.minTPM {
		newTPM = b.minTPM
	}
	if newTPM == b.currentTPM {
		b.mu.Unlock()
		return
	}
	b.currentTPM = newTPM
	b.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	b.limiter.SetBurst(int(newTPM))

	cb := b.onBackoff

	b.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (b *budget) probe() {
	b.mu.Lock()

	newTPM := b.currentTPM + b.recoveryRate
	if newTPM > b.maxTPM {
		newTPM = b.maxTPM
	}
	if newTPM == b.currentTPM {
		b.mu.Unlock()
		return
	}
	b.currentTPM = newTPM
	b.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	b.limiter.SetBurst(int(newTPM))

	cb := b.onProbe

	b.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM adopts an externally decided budget, clamped to the configured
// [minTPM, maxTPM] range. The cluster reconcile loop uses it when another
// process moves the shared value.
func (b *budget) replaceTPM(tpm float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tpm < b.minTPM {
		tpm = b.minTPM
	}
	if tpm > b.maxTPM {
		tpm = b.maxTPM
	}
	if tpm == b.currentTPM {
		return
	}
	b.currentTPM = tpm
	b.limiter.SetLimit(rate.Limit(tpm / 60.0))
	b.limiter.SetBurst(int(tpm))
}

func (b *budget) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	b.mu.Lock()
	b.onBackoff = onBackoff
	b.onProbe = onProbe
	b.mu.Unlock()
}

func (b *budget) tpm() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTPM
}

// estimateTokens guesses the prompt cost of a request: one token per ~3
// characters of system prompt, message text, buffered tool arguments and
// tool results, plus a fixed overhead for provider framing. Estimates only
// need to be monotonic in transcript size; the AIMD budget absorbs the
// inaccuracy.
func estimateTokens(req model.Request) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			chars += len(p.Content)
		}
		for _, tc := range m.ToolCalls {
			chars += len(tc.ArgumentsText)
		}
		for _, tr := range m.ToolResults {
			for _, p := range tr.Content {
				chars += len(p.Content)
			}
		}
	}
	tokens := chars / charsPerToken
	if tokens < 1 {
		tokens = 1
	}
	return tokens + overheadTokens
}
