package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/alambique/storefront/internal/cart"
	"github.com/alambique/storefront/internal/cartview"
	"github.com/alambique/storefront/internal/checkout"
)

const defaultIdleTimeout = 30 * time.Minute

// ErrMissingSession is returned when a request carries no session id.
var ErrMissingSession = errors.New("session: session id is required")

// Entry is the per-browser state: one cart mirror, one checkout and at most one mounted cart view.
type Entry struct {
	Store        *cart.Store
	Orchestrator *checkout.Orchestrator

	owner string

	mu       sync.Mutex
	view     *cartview.View
	dispose  cartview.Disposer
	lastSeen time.Time
}

// Owner returns the uid the entry was created for.
func (e *Entry) Owner() string {
	return e.owner
}

// EnterView mounts a cart view and arms its disposer. A view already mounted is released
// without abandoning, as happens on reload.
func (e *Entry) EnterView(opts cartview.Options) *cartview.View {
	view, dispose := cartview.Enter(e.Store, opts)
	e.mu.Lock()
	previous := e.view
	e.view = view
	e.dispose = dispose
	e.mu.Unlock()
	if previous != nil {
		previous.Release()
	}
	return view
}

// View returns the mounted cart view, if any.
func (e *Entry) View() (*cartview.View, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view, e.view != nil
}

// LeaveView runs the armed disposer once. It reports whether a view was mounted.
func (e *Entry) LeaveView(ctx context.Context) bool {
	e.mu.Lock()
	dispose := e.dispose
	e.view = nil
	e.dispose = nil
	e.mu.Unlock()
	if dispose == nil {
		return false
	}
	dispose(ctx)
	return true
}

// Factory builds the cart store and orchestrator of a new entry.
type Factory func(sessionID, owner string) (*cart.Store, *checkout.Orchestrator, error)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout sets how long an untouched entry is kept.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idle = d
		}
	}
}

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the registry event logger.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry keeps one Entry per browser session.
type Registry struct {
	factory Factory
	idle    time.Duration
	now     func() time.Time
	logger  func(context.Context, string, map[string]any)

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry constructs a Registry building entries with factory.
func NewRegistry(factory Factory, opts ...RegistryOption) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("session: factory is required")
	}
	r := &Registry{
		factory: factory,
		idle:    defaultIdleTimeout,
		now:     time.Now,
		logger:  func(context.Context, string, map[string]any) {},
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Get returns the entry for sessionID, creating it when absent. An entry created for another
// owner is replaced so one shopper never sees another's mirror.
func (r *Registry) Get(ctx context.Context, sessionID, owner string) (*Entry, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[sessionID]; ok {
		if entry.owner == owner {
			entry.mu.Lock()
			entry.lastSeen = now
			entry.mu.Unlock()
			return entry, nil
		}
		if view, ok := entry.View(); ok {
			view.Release()
		}
		entry.Store.Clear()
		delete(r.entries, sessionID)
		r.logger(ctx, "owner_changed", map[string]any{"previousOwner": entry.owner, "owner": owner})
	}

	store, orchestrator, err := r.factory(sessionID, owner)
	if err != nil {
		return nil, err
	}
	entry := &Entry{Store: store, Orchestrator: orchestrator, owner: owner, lastSeen: now}
	r.entries[sessionID] = entry
	r.logger(ctx, "created", map[string]any{"owner": owner})
	return entry, nil
}

// Remove drops the entry for sessionID, releasing its view without abandoning and clearing its
// mirror. It reports whether one existed.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()
	if ok {
		if view, mounted := entry.View(); mounted {
			view.Release()
		}
		entry.Store.Clear()
	}
	return ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts entries idle for longer than the idle timeout. Armed disposers are not run:
// an expired browser session is not an explicit departure from the cart page.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, entry := range r.entries {
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			if view, ok := entry.View(); ok {
				view.Release()
			}
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger(ctx, "swept", map[string]any{"evicted": evicted, "remaining": len(r.entries)})
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.idle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
