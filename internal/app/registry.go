package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/starlight/internal/observe"
)

// ErrTooManyCalls is returned by [Registry.Add] when the concurrent call
// limit is reached.
var ErrTooManyCalls = errors.New("app: too many concurrent calls")

// ErrRegistryClosed is returned by [Registry.Add] after [Registry.Close].
var ErrRegistryClosed = errors.New("app: registry closed")

// CallInfo holds metadata about a live call.
type CallInfo struct {
	// CallID is the unique identifier of the call.
	CallID string

	// SessionID is the identifier of the call's upstream session.
	SessionID string

	// RemoteAddr is the address of the client that opened the call.
	RemoteAddr string

	// StartedAt is when the call was registered.
	StartedAt time.Time
}

type entry struct {
	call *Call
	info CallInfo
}

// Registry tracks live calls. Calls leave the registry on their own once
// they are done. All exported methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	calls   map[string]entry
	max     int
	closing bool
	metrics *observe.Metrics
}

// NewRegistry creates a registry admitting at most maxCalls concurrent calls.
// Zero means unlimited. metrics may be nil.
func NewRegistry(maxCalls int, metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		calls:   make(map[string]entry),
		max:     maxCalls,
		metrics: metrics,
	}
}

// SetLimit changes the concurrent call limit for calls added afterwards.
func (r *Registry) SetLimit(maxCalls int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = maxCalls
}

// Add registers c. It returns [ErrTooManyCalls] when the limit is reached
// and [ErrRegistryClosed] once the registry is shutting down.
func (r *Registry) Add(c *Call, remoteAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return ErrRegistryClosed
	}
	if r.max > 0 && len(r.calls) >= r.max {
		return fmt.Errorf("%w (limit %d)", ErrTooManyCalls, r.max)
	}
	r.calls[c.ID()] = entry{
		call: c,
		info: CallInfo{
			CallID:     c.ID(),
			SessionID:  c.SessionID(),
			RemoteAddr: remoteAddr,
			StartedAt:  time.Now().UTC(),
		},
	}
	r.metrics.ActiveCalls.Add(context.Background(), 1)
	slog.Info("call registered", "call_id", c.ID(), "remote", remoteAddr, "active", len(r.calls))

	go func() {
		<-c.Done()
		r.remove(c.ID())
	}()
	return nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[id]; !ok {
		return
	}
	delete(r.calls, id)
	r.metrics.ActiveCalls.Add(context.Background(), -1)
	slog.Info("call removed", "call_id", id, "active", len(r.calls))
}

// Get returns the live call with the given ID.
func (r *Registry) Get(id string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	return e.call, ok
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Infos returns metadata about every live call.
func (r *Registry) Infos() []CallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, e := range r.calls {
		out = append(out, e.info)
	}
	return out
}

// Check is a readiness check: it fails while the registry is shutting down
// or has no room for another call.
func (r *Registry) Check(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return errors.New("shutting down")
	}
	if r.max > 0 && len(r.calls) >= r.max {
		return fmt.Errorf("at capacity (%d calls)", r.max)
	}
	return nil
}

// Close refuses new calls and hangs up every live call, waiting until each
// has stopped or ctx ends.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	calls := make([]*Call, 0, len(r.calls))
	for _, e := range r.calls {
		calls = append(calls, e.call)
	}
	r.mu.Unlock()

	slog.Info("closing calls", "count", len(calls))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
