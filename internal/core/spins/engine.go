// Package spins paces remotely triggered wheel spins: owed spins are counted
// durably and handed to overlays one at a time, with a fixed cooldown after
// each completed spin.
package spins

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/charleschow/spin-overlay/internal/events"
	"github.com/charleschow/spin-overlay/internal/fanout"
	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	DefaultCooldown     = 5 * time.Minute
	DefaultTickInterval = time.Second
)

// Sink pushes a message to every connected overlay and reports how many
// received it. A failed send counts as not received.
type Sink interface {
	Broadcast(msg any) int
}

// clientCounter is implemented by sinks that know how many overlays are
// connected. The engine skips delivery attempts while it reports none.
type clientCounter interface {
	ClientCount() int
}

type State int

const (
	StateIdle State = iota
	StateCooling
	StateInFlight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCooling:
		return "cooling"
	case StateInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Engine owns the pending counter, the in-flight flag and the cooldown
// deadline. All transitions run under mu, so enqueue, completion and the
// periodic tick are totally ordered, and sink calls happen inside that order.
type Engine struct {
	store CounterStore
	sink  Sink
	bus   *events.Bus

	now             func() time.Time
	cooldown        time.Duration
	tickInterval    time.Duration
	inFlightTimeout time.Duration

	mu            sync.Mutex
	pending       int
	inFlight      bool
	inFlightSince time.Time
	deadline      time.Time // zero: no cooldown active
	// waiting is set after a delivery found no overlay and cleared by the
	// next successful one; only the first miss is announced.
	waiting bool
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithCooldown(d time.Duration) Option { return func(e *Engine) { e.cooldown = max(d, 0) } }

func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

// WithInFlightTimeout releases a spin whose completion signal never arrives.
// Zero waits forever.
func WithInFlightTimeout(d time.Duration) Option {
	return func(e *Engine) { e.inFlightTimeout = max(d, 0) }
}

// WithBus publishes spin lifecycle events.
func WithBus(bus *events.Bus) Option { return func(e *Engine) { e.bus = bus } }

// NewEngine restores the pending counter from store. After a restart nothing
// is in flight and no cooldown is active.
func NewEngine(store CounterStore, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		sink:         sink,
		now:          time.Now,
		cooldown:     DefaultCooldown,
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.pending = store.Load()
	telemetry.Metrics.PendingSpins.Set(int64(e.pending))
	if e.pending > 0 {
		telemetry.Infof("spins: loaded %d pending spins from disk", e.pending)
	}
	return e
}

// EnqueueSpins adds n owed spins and, when the engine is idle, delivers one
// right away. It returns the pending count after the call.
func (e *Engine) EnqueueSpins(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n <= 0 {
		return e.pending
	}

	e.pending += n
	e.persistLocked()
	telemetry.Metrics.SpinsEnqueued.Add(int64(n))
	telemetry.Infof("spins: queued +%d (pending=%d)", n, e.pending)

	now := e.now()
	switch e.stateLocked(now) {
	case StateInFlight, StateCooling:
		e.sendDelayLocked(now)
	case StateIdle:
		e.deliverLocked(now)
	}
	return e.pending
}

// MarkSpinComplete ends the in-flight spin and starts the cooldown. Calls
// while nothing is in flight are ignored and return false, so several
// overlays reporting the same spin start only one cooldown.
func (e *Engine) MarkSpinComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.inFlight {
		telemetry.Debugf("spins: completion ignored, nothing in flight")
		return false
	}

	now := e.now()
	e.completeLocked(now, false)
	return true
}

// Tick advances the cooldown while spins are pending: it delivers once the
// deadline has passed, otherwise it refreshes the overlays' countdown.
func (e *Engine) Tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.inFlight {
		if e.inFlightTimeout > 0 && now.Sub(e.inFlightSince) >= e.inFlightTimeout {
			telemetry.Warnf("spins: no completion after %s, releasing in-flight spin", e.inFlightTimeout)
			e.completeLocked(e.inFlightSince.Add(e.inFlightTimeout), true)
		}
		return
	}

	if e.pending == 0 {
		return
	}
	switch e.stateLocked(now) {
	case StateCooling:
		e.sendDelayLocked(now)
	case StateIdle:
		e.deliverLocked(now)
	}
}

// Subscribe enqueues the spins carried by gift events published on bus.
func (e *Engine) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.EventGiftSubscriptions, e.onGiftSubscriptions)
}

func (e *Engine) onGiftSubscriptions(evt events.Event) error {
	gift, ok := evt.Payload.(events.GiftSubscriptionsEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Payload)
	}
	e.EnqueueSpins(gift.Spins)
	return nil
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Flush writes the counter once more. Used on shutdown.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Save(e.pending)
	telemetry.Infof("spins: flushed pending=%d", e.pending)
}

func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// TimeUntilNextSpin is the remaining cooldown, or 0 when none is active.
func (e *Engine) TimeUntilNextSpin() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remainingLocked(e.now())
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(e.now())
}

func (e *Engine) stateLocked(now time.Time) State {
	if e.inFlight {
		return StateInFlight
	}
	if e.remainingLocked(now) > 0 {
		return StateCooling
	}
	return StateIdle
}

func (e *Engine) remainingLocked(now time.Time) time.Duration {
	if e.deadline.IsZero() {
		return 0
	}
	return max(e.deadline.Sub(now), 0)
}

// deliverLocked hands exactly one spin to the sink. With no recipients the
// spin goes back on the counter.
func (e *Engine) deliverLocked(now time.Time) bool {
	if e.pending < 1 {
		return false
	}
	if cc, ok := e.sink.(clientCounter); ok && cc.ClientCount() == 0 {
		e.waitForOverlayLocked(now)
		return false
	}

	e.pending--
	e.persistLocked()

	recipients := e.sink.Broadcast(fanout.NewSpin())
	if recipients > 0 {
		e.waiting = false
		e.inFlight = true
		e.inFlightSince = now
		telemetry.Metrics.SpinsDelivered.Inc()
		telemetry.Infof("spins: delivered 1 spin to %d overlay(s) (pending=%d)", recipients, e.pending)
		e.publish(now, events.EventSpinDelivered, events.SpinEvent{Pending: e.pending, Recipients: recipients})
		return true
	}

	e.pending++
	e.persistLocked()
	e.waitForOverlayLocked(now)
	return false
}

func (e *Engine) waitForOverlayLocked(now time.Time) {
	if e.waiting {
		return
	}
	e.waiting = true
	telemetry.Metrics.SpinsRolledBack.Inc()
	telemetry.Infof("spins: no overlays connected, holding %d spin(s) until one connects", e.pending)
	e.publish(now, events.EventSpinRolledBack, events.SpinEvent{Pending: e.pending})
}

func (e *Engine) completeLocked(at time.Time, timedOut bool) {
	e.inFlight = false
	e.inFlightSince = time.Time{}
	e.deadline = at.Add(e.cooldown)
	telemetry.Metrics.SpinsCompleted.Inc()
	telemetry.Infof("spins: completed, next spin in %s (pending=%d)", e.cooldown, e.pending)
	e.publish(at, events.EventSpinCompleted, events.SpinEvent{
		Pending:    e.pending,
		CooldownMs: e.cooldown.Milliseconds(),
		TimedOut:   timedOut,
	})

	if e.pending == 0 {
		return
	}
	now := e.now()
	if e.remainingLocked(now) == 0 {
		e.deliverLocked(now)
		return
	}
	e.sendDelayLocked(now)
}

func (e *Engine) sendDelayLocked(now time.Time) {
	secs := int(math.Ceil(e.remainingLocked(now).Seconds()))
	e.sink.Broadcast(fanout.NewDelay(secs, e.pending))
}

func (e *Engine) persistLocked() {
	e.store.Save(e.pending)
	telemetry.Metrics.PendingSpins.Set(int64(e.pending))
}

func (e *Engine) publish(at time.Time, typ events.EventType, payload events.SpinEvent) {
	e.bus.Publish(events.Event{Type: typ, Timestamp: at, Payload: payload})
}
