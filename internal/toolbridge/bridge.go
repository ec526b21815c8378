// Package toolbridge validates tool invocations raised by the agent and turns
// the valid ones into domain events.
//
// Every invocation is answered to the upstream service, so the model learns
// whether its call went through. Only invocations that pass validation reach
// the UI, and each request ID does so at most once.
package toolbridge

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/pkg/upstream"
)

// Tool call outcomes as recorded in metrics.
const (
	StatusConfirmed = "confirmed"
	StatusInvalid   = "invalid"
	StatusUnknown   = "unknown"
	StatusDuplicate = "duplicate"
)

// Event is a validated tool invocation.
type Event struct {
	RequestID string
	Name      string

	// Payload is the decoded arguments, e.g. an [OrderSummary].
	Payload any

	ReceivedAt time.Time
}

// Outcome is the result of handling one invocation.
type Outcome struct {
	// Event is set for a first, valid delivery.
	Event *Event

	// Err is a *[ValidationError] for a first, invalid delivery.
	Err error

	// Duplicate is true when the request ID was already handled. Event and
	// Err are then unset.
	Duplicate bool

	// Result is the answer to send upstream. It is set in every case.
	Result upstream.ToolResult
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithTool registers t. Later registrations of the same name win.
func WithTool(t *Tool) Option {
	return func(b *Bridge) { b.tools[t.Name()] = t }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// Bridge validates the tool calls of one call. It is safe for concurrent
// use.
type Bridge struct {
	tools   map[string]*Tool
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]upstream.ToolResult
}

// New returns a bridge for the given tools.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		tools: make(map[string]*Tool),
		log:   slog.Default(),
		now:   time.Now,
		seen:  make(map[string]upstream.ToolResult),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Declarations returns the tools to advertise in the session setup, sorted by
// name.
func (b *Bridge) Declarations() []upstream.ToolDeclaration {
	decls := make([]upstream.ToolDeclaration, 0, len(b.tools))
	for _, t := range b.tools {
		decls = append(decls, t.Declaration())
	}
	slices.SortFunc(decls, func(a, b upstream.ToolDeclaration) int { return cmp.Compare(a.Name, b.Name) })
	return decls
}

// Handle validates call. A request ID seen before yields the earlier answer
// again and no event. Calls without a request ID are never deduplicated.
func (b *Bridge) Handle(ctx context.Context, call upstream.ToolCall) Outcome {
	if call.RequestID == "" {
		return b.handle(ctx, call)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, dup := b.seen[call.RequestID]; dup {
		b.metrics.RecordToolCall(ctx, call.Name, StatusDuplicate)
		b.log.Debug("toolbridge: duplicate delivery", "tool", call.Name, "request_id", call.RequestID)
		return Outcome{Duplicate: true, Result: prev}
	}
	out := b.handle(ctx, call)
	b.seen[call.RequestID] = out.Result
	return out
}

func (b *Bridge) handle(ctx context.Context, call upstream.ToolCall) Outcome {
	result := upstream.ToolResult{RequestID: call.RequestID, Name: call.Name}

	t, ok := b.tools[call.Name]
	if !ok {
		err := &ValidationError{Tool: call.Name, RequestID: call.RequestID, Err: ErrUnknownTool}
		b.metrics.RecordToolCall(ctx, call.Name, StatusUnknown)
		b.log.Warn("toolbridge: unknown tool", "tool", call.Name, "request_id", call.RequestID)
		result.Output = map[string]any{"error": "unknown tool " + call.Name}
		return Outcome{Err: err, Result: result}
	}

	payload, problems := t.validate(call.Args)
	if len(problems) > 0 {
		err := &ValidationError{Tool: call.Name, RequestID: call.RequestID, Problems: problems, Err: ErrInvalidArguments}
		b.metrics.RecordToolCall(ctx, call.Name, StatusInvalid)
		b.log.Warn("toolbridge: rejected tool call", "tool", call.Name, "request_id", call.RequestID, "problems", problems)
		result.Output = map[string]any{"error": err.Error()}
		return Outcome{Err: err, Result: result}
	}

	b.metrics.RecordToolCall(ctx, call.Name, StatusConfirmed)
	b.log.Info("toolbridge: tool call confirmed", "tool", call.Name, "request_id", call.RequestID)
	result.Output = map[string]any{"status": StatusConfirmed}
	return Outcome{
		Event: &Event{
			RequestID:  call.RequestID,
			Name:       call.Name,
			Payload:    payload,
			ReceivedAt: b.now(),
		},
		Result: result,
	}
}
