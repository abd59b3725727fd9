package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/loom"
	"goa.design/loom/runtime/agent/hooks"
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/agent/state"
	"goa.design/loom/runtime/presence"
	"goa.design/loom/runtime/telemetry"
)

// Status is the actor's lifecycle status. Completed, error, and cancelled
// describe the last run, not the actor: the actor keeps serving commands and
// flips back to idle on the next AddMessage.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

const (
	// DefaultPresenceCheckDelay is how long after a run (or a previous check)
	// the actor waits before listing viewers.
	DefaultPresenceCheckDelay = time.Minute
	// DefaultShutdownDelay is the grace period between observing zero viewers
	// and stopping.
	DefaultShutdownDelay = 5 * time.Minute

	mailboxSize         = 64
	presenceListTimeout = 5 * time.Second
)

type (
	// Options configure one actor. Agent is required; everything else has a
	// usable zero value.
	Options struct {
		// Agent is the assembled agent definition.
		Agent *Agent
		// Lifecycle receives status changes, message arrivals, tool
		// responses, and retry exhaustion. Optional.
		Lifecycle hooks.Bus
		// Debug receives the firehose: middleware activity, delta merges,
		// sub-agent progress. Optional.
		Debug hooks.Bus
		// Presence tracks this actor under PresenceTopic and drives
		// presence-aware shutdown. Optional.
		Presence presence.Tracker
		// PresenceTopic defaults to presence.DefaultTopic. Entries under the
		// topic other than the actor's own count as viewers, so deployments
		// that want viewer-driven shutdown give each agent its own topic.
		PresenceTopic string
		// IdleTimeout stops the actor after this much inactivity when no
		// presence tracker is configured. Zero disables the timeout.
		IdleTimeout time.Duration
		// PresenceCheckDelay overrides DefaultPresenceCheckDelay.
		PresenceCheckDelay time.Duration
		// ShutdownDelay overrides DefaultShutdownDelay. A touch or a viewer
		// appearing during the delay cancels the pending stop.
		ShutdownDelay time.Duration
		// OnStop runs once on the actor goroutine after the mailbox drains.
		// The supervisor uses it to deregister.
		OnStop func()
		// Logger defaults to a no-op.
		Logger telemetry.Logger
		// Metrics defaults to a no-op.
		Metrics telemetry.Metrics
	}

	// Actor hosts one agent on a single goroutine. Commands enqueue onto the
	// mailbox and execute FIFO; Run executes the whole mode loop inside the
	// actor, so one actor never has two runs in flight. Cancel and Status
	// work out of band.
	Actor struct {
		agent *Agent
		stack *middleware.Stack

		lifecycle     hooks.Bus
		debug         hooks.Bus
		tracker       presence.Tracker
		topic         string
		idleTimeout   time.Duration
		checkDelay    time.Duration
		shutdownDelay time.Duration
		onStop        func()
		logger        telemetry.Logger
		metrics       telemetry.Metrics

		mailbox  chan func()
		closing  chan struct{}
		stopped  chan struct{}
		stopOnce sync.Once

		status atomic.Value // Status

		mu           sync.Mutex // guards the fields below for out-of-band access
		runCancel    context.CancelFunc
		startedAt    time.Time
		lastActivity time.Time

		// Owned by the mailbox goroutine.
		state      *state.State
		pending    *pendingInterrupt
		autorun    *runOptions
		maintGen   int
		maintTimer *time.Timer
	}

	// pendingInterrupt remembers what a suspended run needs to continue.
	pendingInterrupt struct {
		interrupt *middleware.Interrupt
		opts      runOptions
	}
)

// Start launches the actor and returns once its mailbox is live. The context
// bounds startup work (initial presence tracking), not the actor's lifetime;
// call Stop to shut the actor down.
func Start(ctx context.Context, opts Options) (*Actor, error) {
	if opts.Agent == nil {
		return nil, loom.ValidationError("actor requires an agent")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	topic := opts.PresenceTopic
	if topic == "" {
		topic = presence.DefaultTopic
	}
	checkDelay := opts.PresenceCheckDelay
	if checkDelay <= 0 {
		checkDelay = DefaultPresenceCheckDelay
	}
	shutdownDelay := opts.ShutdownDelay
	if shutdownDelay <= 0 {
		shutdownDelay = DefaultShutdownDelay
	}
	now := time.Now().UTC()
	a := &Actor{
		agent:         opts.Agent,
		lifecycle:     opts.Lifecycle,
		debug:         opts.Debug,
		tracker:       opts.Presence,
		topic:         topic,
		idleTimeout:   opts.IdleTimeout,
		checkDelay:    checkDelay,
		shutdownDelay: shutdownDelay,
		onStop:        opts.OnStop,
		logger:        logger,
		metrics:       metrics,
		mailbox:       make(chan func(), mailboxSize),
		closing:       make(chan struct{}),
		stopped:       make(chan struct{}),
		startedAt:     now,
		lastActivity:  now,
		state:         state.New(),
	}
	a.status.Store(StatusIdle)
	a.stack = middleware.NewStack(opts.Agent.ID(), opts.Agent.Middleware(),
		middleware.WithStackLogger(logger),
		middleware.WithEmitter(a.emitDebug),
	)
	if a.tracker != nil {
		if err := a.tracker.Track(ctx, a.topic, a.agent.ID(), a.presenceMeta()); err != nil {
			return nil, err
		}
	}
	ready := make(chan struct{})
	go a.loop(ready)
	<-ready
	return a, nil
}

// ID returns the hosted agent's identifier.
func (a *Actor) ID() string { return a.agent.ID() }

// Agent returns the hosted agent definition.
func (a *Actor) Agent() *Agent { return a.agent }

// Status returns the current status without queueing behind the mailbox.
func (a *Actor) Status() Status { return a.status.Load().(Status) }

// Done is closed once the actor has stopped, whether via Stop or a
// presence-driven shutdown.
func (a *Actor) Done() <-chan struct{} { return a.stopped }

// AddMessage appends a message to the conversation. A terminal status
// (completed, error, cancelled) resets to idle first. A user message arriving
// while the actor is idle starts the default mode; that run executes on the
// actor after AddMessage returns.
func (a *Actor) AddMessage(ctx context.Context, msg message.Message) error {
	var err error
	if derr := a.do(ctx, func() { err = a.addMessage(ctx, msg, true) }); derr != nil {
		return derr
	}
	return err
}

// Touch refreshes the activity clock and presence metadata, cancelling any
// scheduled shutdown.
func (a *Actor) Touch(ctx context.Context) error {
	return a.do(ctx, func() {
		a.touch()
		a.refreshPresence(ctx)
	})
}

// State returns a copy of the conversation state.
func (a *Actor) State(ctx context.Context) (*state.State, error) {
	var st *state.State
	if err := a.do(ctx, func() { st = a.state.Clone() }); err != nil {
		return nil, err
	}
	return st, nil
}

// Cancel flips the status to cancelled and aborts any in-flight run at its
// next step boundary. It works out of band so it never queues behind the run
// it is cancelling; results of an in-flight model call are discarded.
func (a *Actor) Cancel(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.runCancel
	a.mu.Unlock()
	a.transition(ctx, StatusCancelled)
	if cancel != nil {
		cancel()
	}
	return nil
}

// Stop shuts the actor down. Commands already enqueued still run; the actor
// then untracks its presence entry and invokes OnStop. Stop is idempotent.
func (a *Actor) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.runCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.stopOnce.Do(func() { close(a.closing) })
	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop is the actor goroutine: commands run one at a time, timer firings are
// fed back through the mailbox, and an AddMessage-triggered run executes
// right after the command that requested it.
func (a *Actor) loop(ready chan<- struct{}) {
	a.armMaintenance()
	close(ready)
	for {
		select {
		case <-a.closing:
			a.drain()
			a.finalize()
			return
		case cmd := <-a.mailbox:
			cmd()
			a.runQueued()
		}
	}
}

// drain runs whatever made it into the mailbox before closing so enqueued
// callers always get their reply.
func (a *Actor) drain() {
	for {
		select {
		case cmd := <-a.mailbox:
			cmd()
		default:
			return
		}
	}
}

func (a *Actor) finalize() {
	if a.maintTimer != nil {
		a.maintTimer.Stop()
	}
	ctx := context.Background()
	if a.tracker != nil {
		if err := a.tracker.Untrack(ctx, a.topic, a.agent.ID()); err != nil {
			a.logger.Warn(ctx, "presence untrack failed", "agent_id", a.agent.ID(), "err", err)
		}
	}
	if a.onStop != nil {
		a.onStop()
	}
	close(a.stopped)
}

// runQueued executes the run an AddMessage command requested, ahead of
// whatever else is waiting in the mailbox.
func (a *Actor) runQueued() {
	if a.autorun == nil {
		return
	}
	o := *a.autorun
	a.autorun = nil
	ctx := context.Background()
	if res := a.execute(ctx, o); res.Outcome == OutcomeError && res.Err != nil {
		a.logger.Error(ctx, "triggered run failed", "agent_id", a.agent.ID(), "err", res.Err)
	}
}

// do runs fn on the actor goroutine and waits for it.
func (a *Actor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() { defer close(done); fn() }
	select {
	case a.mailbox <- wrapped:
	case <-a.closing:
		return loom.NotFoundError("agent %q: actor is stopped", a.agent.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopped:
		// The final drain may have run the command anyway.
		select {
		case <-done:
			return nil
		default:
			return loom.NotFoundError("agent %q: actor is stopped", a.agent.ID())
		}
	}
}

// addMessage appends on the actor goroutine. With trigger set, a user
// message landing on an idle actor queues a default-mode run.
func (a *Actor) addMessage(ctx context.Context, msg message.Message, trigger bool) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Role == message.RoleTool {
		if last, ok := a.state.LastMessage(); !ok || last.Role != message.RoleAssistant || len(last.ToolCalls) == 0 {
			return loom.ValidationError("tool message must follow an assistant message with tool calls")
		}
	}
	a.touch()
	st := a.Status()
	if st == StatusCompleted || st == StatusError || st == StatusCancelled {
		a.transition(ctx, StatusIdle)
		st = StatusIdle
	}
	a.state.Append(msg)
	a.emitLifecycle(ctx, hooks.NewMessageReceived(a.agent.ID(), msg))
	if trigger && msg.Role == message.RoleUser && st == StatusIdle {
		a.autorun = &runOptions{}
	}
	return nil
}

// touch refreshes the activity clock and re-arms the liveness timer, which
// invalidates any scheduled stop.
func (a *Actor) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()
	a.armMaintenance()
}

// transition moves the status machine and publishes the change on both buses.
// Safe from any goroutine; same-status transitions stay silent.
func (a *Actor) transition(ctx context.Context, to Status) {
	a.mu.Lock()
	from := a.status.Load().(Status)
	if from == to {
		a.mu.Unlock()
		return
	}
	a.status.Store(to)
	a.mu.Unlock()
	evt := hooks.NewStatusChanged(a.agent.ID(), string(from), string(to))
	a.emitLifecycle(ctx, evt)
	a.emitDebug(ctx, evt)
	a.metrics.IncCounter("agent.status.transitions", 1, "status", string(to))
	a.refreshPresence(ctx)
}

// quiescent reports whether stopping now cannot lose work: no run is active
// and none is suspended waiting for decisions.
func (a *Actor) quiescent() bool {
	switch a.Status() {
	case StatusIdle, StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

func (a *Actor) presenceMeta() map[string]any {
	a.mu.Lock()
	started, last := a.startedAt, a.lastActivity
	a.mu.Unlock()
	return map[string]any{
		"status":           string(a.Status()),
		"started_at":       started.Format(time.RFC3339),
		"last_activity_at": last.Format(time.RFC3339),
	}
}

func (a *Actor) refreshPresence(ctx context.Context) {
	if a.tracker == nil {
		return
	}
	if err := a.tracker.Track(ctx, a.topic, a.agent.ID(), a.presenceMeta()); err != nil {
		a.logger.Warn(ctx, "presence refresh failed", "agent_id", a.agent.ID(), "err", err)
	}
}

// armMaintenance schedules the next liveness check. Bumping the generation
// invalidates checks and pending shutdowns already in flight, which is how
// activity cancels a scheduled stop.
func (a *Actor) armMaintenance() {
	a.maintGen++
	gen := a.maintGen
	var (
		d    time.Duration
		fire func()
	)
	switch {
	case a.tracker != nil:
		d = a.checkDelay
		fire = func() { a.checkViewers(gen) }
	case a.idleTimeout > 0:
		d = a.idleTimeout
		fire = func() { a.idleStop(gen) }
	default:
		return
	}
	if a.maintTimer != nil {
		a.maintTimer.Stop()
	}
	a.maintTimer = time.AfterFunc(d, func() { a.enqueueMaintenance(fire) })
}

// enqueueMaintenance feeds a timer firing back through the mailbox so every
// shutdown decision runs on the actor goroutine.
func (a *Actor) enqueueMaintenance(fn func()) {
	select {
	case a.mailbox <- fn:
	case <-a.closing:
	}
}

// checkViewers lists the presence topic and schedules a stop when nobody but
// the actor itself is present. Runs on the actor goroutine.
func (a *Actor) checkViewers(gen int) {
	if gen != a.maintGen {
		return
	}
	if !a.quiescent() {
		a.armMaintenance()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceListTimeout)
	defer cancel()
	listing, err := a.tracker.List(ctx, a.topic)
	if err != nil {
		a.logger.Warn(ctx, "presence list failed", "agent_id", a.agent.ID(), "topic", a.topic, "err", err)
		a.armMaintenance()
		return
	}
	if a.hasViewers(listing) {
		a.armMaintenance()
		return
	}
	// Nobody is watching. Grace period, then stop if the topic is still
	// empty.
	a.maintGen++
	gen = a.maintGen
	if a.maintTimer != nil {
		a.maintTimer.Stop()
	}
	a.maintTimer = time.AfterFunc(a.shutdownDelay, func() {
		a.enqueueMaintenance(func() { a.stopIfUnwatched(gen) })
	})
	a.logger.Info(ctx, "no viewers, stop scheduled", "agent_id", a.agent.ID(), "delay", a.shutdownDelay)
}

// stopIfUnwatched re-verifies the topic after the grace period and stops the
// actor when it is still unwatched.
func (a *Actor) stopIfUnwatched(gen int) {
	if gen != a.maintGen {
		return
	}
	if !a.quiescent() {
		a.armMaintenance()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceListTimeout)
	defer cancel()
	listing, err := a.tracker.List(ctx, a.topic)
	if err != nil || a.hasViewers(listing) {
		a.armMaintenance()
		return
	}
	a.logger.Info(ctx, "stopping unwatched agent", "agent_id", a.agent.ID())
	a.stopOnce.Do(func() { close(a.closing) })
}

func (a *Actor) hasViewers(listing map[string][]map[string]any) bool {
	for id := range listing {
		if id != a.agent.ID() {
			return true
		}
	}
	return false
}

// idleStop handles the no-tracker fallback: a timer firing means no command
// re-armed it for a full IdleTimeout.
func (a *Actor) idleStop(gen int) {
	if gen != a.maintGen {
		return
	}
	if !a.quiescent() {
		a.armMaintenance()
		return
	}
	a.logger.Info(context.Background(), "idle timeout, stopping", "agent_id", a.agent.ID())
	a.stopOnce.Do(func() { close(a.closing) })
}

// routeEvent sends a run event to the bus its type belongs to.
func (a *Actor) routeEvent(ctx context.Context, evt hooks.Event) {
	switch evt.Type() {
	case hooks.EventMiddlewareFired, hooks.EventDeltaMerged,
		hooks.EventSubagentStarted, hooks.EventSubagentStatusChanged,
		hooks.EventSubagentCompleted, hooks.EventSubagentErrored:
		a.emitDebug(ctx, evt)
	default:
		a.emitLifecycle(ctx, evt)
	}
}

func (a *Actor) emitLifecycle(ctx context.Context, evt hooks.Event) {
	if a.lifecycle == nil {
		return
	}
	if err := a.lifecycle.Publish(ctx, evt); err != nil {
		a.logger.Warn(ctx, "lifecycle publish failed", "agent_id", a.agent.ID(), "event", string(evt.Type()), "err", err)
	}
}

func (a *Actor) emitDebug(ctx context.Context, evt hooks.Event) {
	if a.debug == nil {
		return
	}
	if err := a.debug.Publish(ctx, evt); err != nil {
		a.logger.Warn(ctx, "debug publish failed", "agent_id", a.agent.ID(), "event", string(evt.Type()), "err", err)
	}
}
