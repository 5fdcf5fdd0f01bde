// Package reconcile keeps a client's picture of a room in step with the
// server. Push events are applied as they arrive and periodic full fetches
// heal whatever the push channel dropped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/lox/baucua/internal/gameerr"
	"github.com/lox/baucua/internal/store"
)

// Source is where room state comes from.
type Source interface {
	// Snapshot fetches the full state of the room.
	Snapshot(ctx context.Context, roomID string) (store.Snapshot, error)
	// Subscribe streams change events for the room. The channel is closed
	// when the stream breaks or ctx is done.
	Subscribe(ctx context.Context, roomID string) (<-chan store.Event, error)
}

// Config controls the sync timers.
type Config struct {
	PollInterval     time.Duration
	ResubscribeDelay time.Duration
	// MaxResubscribeDelay caps the backoff between failed subscriptions.
	MaxResubscribeDelay time.Duration
}

// DefaultConfig polls every two seconds and retries a broken stream after one.
func DefaultConfig() Config {
	return Config{
		PollInterval:        2 * time.Second,
		ResubscribeDelay:    time.Second,
		MaxResubscribeDelay: 30 * time.Second,
	}
}

// Reconciler owns the view of one room.
type Reconciler struct {
	source Source
	roomID string
	clock  quartz.Clock
	config Config
	logger *log.Logger
	seq    Sequencer

	mu      sync.Mutex
	view    View
	hasView bool
	// version counts accepted views.
	version uint64

	notifyMu  sync.Mutex
	onChange  []func(View)
	delivered uint64

	refresh chan struct{}
}

func New(source Source, roomID string, clock quartz.Clock, config Config, logger *log.Logger) *Reconciler {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ResubscribeDelay <= 0 {
		config.ResubscribeDelay = def.ResubscribeDelay
	}
	if config.MaxResubscribeDelay < config.ResubscribeDelay {
		config.MaxResubscribeDelay = max(def.MaxResubscribeDelay, config.ResubscribeDelay)
	}
	return &Reconciler{
		source:  source,
		roomID:  roomID,
		clock:   clock,
		config:  config,
		logger:  logger.WithPrefix("reconcile").With("room", roomID),
		refresh: make(chan struct{}, 1),
	}
}

// OnChange registers fn to be called with every new view. Calls are
// serialised.
func (r *Reconciler) OnChange(fn func(View)) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// View returns the current view and whether one has been loaded yet.
func (r *Reconciler) View() (View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view, r.hasView
}

// publish hands view version to the callbacks. A version older than one
// already delivered is dropped, so callbacks see views in acceptance order.
func (r *Reconciler) publish(v View, version uint64) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if version <= r.delivered {
		return
	}
	r.delivered = version
	for _, fn := range r.onChange {
		fn(v)
	}
}

// Refresh fetches the full room state and applies it unless a newer fetch or
// event has been applied in the meantime, in which case it returns
// gameerr.ErrStaleResponse.
func (r *Reconciler) Refresh(ctx context.Context) (View, error) {
	seq := r.seq.Next()
	snap, err := r.source.Snapshot(ctx, r.roomID)

	var next View
	switch {
	case errors.Is(err, gameerr.ErrRoomNotFound):
		r.mu.Lock()
		next = r.view.clone()
		r.mu.Unlock()
		next.Room.ID = r.roomID
		next.Deleted = true
	case err != nil:
		return View{}, fmt.Errorf("fetch room %s: %w", r.roomID, err)
	default:
		next = FromSnapshot(snap)
	}

	r.mu.Lock()
	if !r.seq.Accept(seq) {
		r.mu.Unlock()
		return View{}, gameerr.ErrStaleResponse
	}
	r.view = next
	r.hasView = true
	r.version++
	version := r.version
	r.mu.Unlock()

	r.publish(next, version)
	return next, nil
}

// Apply folds a push event into the view. Fetches issued before the event
// arrived are treated as stale once it has been applied.
func (r *Reconciler) Apply(ev store.Event) {
	r.mu.Lock()
	if !r.hasView {
		r.mu.Unlock()
		r.kick()
		return
	}
	r.seq.Accept(r.seq.Next())
	next := r.view.Apply(ev)
	r.view = next
	r.version++
	version := r.version
	r.mu.Unlock()

	r.publish(next, version)
	r.kick()
}

// kick asks the refresh loop for a full fetch. Requests coalesce.
func (r *Reconciler) kick() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// Run keeps the view in sync until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pushLoop(ctx) })
	g.Go(func() error { return r.pollLoop(ctx) })
	g.Go(func() error { return r.refreshLoop(ctx) })
	return g.Wait()
}

func (r *Reconciler) sync(ctx context.Context, reason string) {
	_, err := r.Refresh(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, gameerr.ErrStaleResponse):
		r.logger.Debug("Dropped stale fetch", "reason", reason)
	default:
		r.logger.Warn("Room fetch failed", "reason", reason, "error", err)
	}
}

func (r *Reconciler) pollLoop(ctx context.Context) error {
	r.sync(ctx, "initial")

	ticker := r.clock.NewTicker(r.config.PollInterval, "reconcile", "poll")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sync(ctx, "poll")
		}
	}
}

func (r *Reconciler) refreshLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.refresh:
			r.sync(ctx, "push")
		}
	}
}

func (r *Reconciler) pushLoop(ctx context.Context) error {
	delay := r.config.ResubscribeDelay
	for {
		events, err := r.source.Subscribe(ctx, r.roomID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("Subscribe failed", "error", err, "retry_in", delay)
		} else {
			delay = r.config.ResubscribeDelay
			r.logger.Debug("Subscribed")
			r.drain(ctx, events)
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Info("Event stream closed, resubscribing", "retry_in", delay)
			r.kick()
		}

		timer := r.clock.NewTimer(delay, "reconcile", "resubscribe")
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err != nil {
			delay = min(delay*2, r.config.MaxResubscribeDelay)
		}
	}
}

func (r *Reconciler) drain(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Apply(ev)
		}
	}
}
