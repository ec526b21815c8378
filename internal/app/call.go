package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/starlight/internal/config"
	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/internal/pipeline"
	"github.com/MrWong99/starlight/internal/session"
	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/internal/transcript"
	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDisconnectTimeout = 2 * time.Second

	// closeSettle is how long a send failure may precede the receive loop
	// noticing the same closed stream.
	closeSettle = 250 * time.Millisecond
)

// ErrorKind classifies the diagnostics a [Call] reports to its [Sink].
type ErrorKind string

const (
	ErrorConnect         ErrorKind = "connect"
	ErrorPump            ErrorKind = "pump"
	ErrorTransportClosed ErrorKind = "transport_closed"
	ErrorBufferOverrun   ErrorKind = "buffer_overrun"
	ErrorToolValidation  ErrorKind = "tool_validation"
	ErrorUpstream        ErrorKind = "upstream"
)

// Sink receives everything a call wants the user to see.
//
// Methods may be called from several goroutines but never concurrently for
// the same kind of notification. OnConnectionStateChange runs while the
// session holds its lock and must return quickly without calling back into
// the call.
type Sink interface {
	OnConnectionStateChange(state session.State)
	OnTranscriptEntry(entry transcript.Entry)
	OnToolEvent(ev toolbridge.Event)
	OnError(kind ErrorKind, detail string)
}

// CallParams is the per-call snapshot of the application configuration.
type CallParams struct {
	// Provider names the upstream in metrics and logs.
	Provider string

	Upstream       upstream.Config
	ConnectTimeout time.Duration

	Call   config.CallConfig
	Policy transcript.Policy
	Tools  []*toolbridge.Tool
}

// CallOption configures a [Call].
type CallOption func(*Call)

// WithCallMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithCallMetrics(m *observe.Metrics) CallOption {
	return func(c *Call) { c.metrics = m }
}

// WithCallLogger sets the base logger. The call adds its ID to every line.
func WithCallLogger(l *slog.Logger) CallOption {
	return func(c *Call) { c.log = l }
}

// WithTraceParent makes the call's trace a child of the span in ctx, e.g.
// the HTTP request that opened the socket. Only the span is taken from ctx;
// its cancellation does not reach the call.
func WithTraceParent(ctx context.Context) CallOption {
	return func(c *Call) { c.parent = context.WithoutCancel(ctx) }
}

// Call is one relayed voice call. It owns the session, both audio pipelines,
// the transcript aggregator and the tool bridge for the call.
//
// A Call connects at most once: after the session has closed the call is
// over and a new one must be created.
type Call struct {
	id       string
	provider string
	params   config.CallConfig
	sink     Sink
	metrics  *observe.Metrics
	log      *slog.Logger
	parent   context.Context
	span     trace.Span // root span, ended once the call is done

	sess   *session.Session
	talk   pipeline.TalkState
	pump   *pipeline.Pump
	player *pipeline.Player
	agg    *transcript.Aggregator
	bridge *toolbridge.Bridge

	// mu serialises RequestConnect and guards the fields below.
	mu      sync.Mutex
	group   *errgroup.Group
	cancel  context.CancelFunc
	started time.Time

	done chan struct{}
	err  error
}

// NewCall creates a disconnected call that dials through dialer and plays
// inbound audio on playback.
func NewCall(dialer upstream.Dialer, p CallParams, sink Sink, playback pipeline.Sink, opts ...CallOption) *Call {
	c := &Call{
		id:       uuid.NewString(),
		provider: p.Provider,
		params:   p.Call,
		sink:     sink,
		log:      slog.Default(),
		parent:   context.Background(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.params.DisconnectTimeout <= 0 {
		c.params.DisconnectTimeout = defaultDisconnectTimeout
	}
	ctx, span := observe.StartSpan(c.parent, observe.SpanCall, trace.WithAttributes(
		observe.AttrCallID.String(c.id),
		observe.AttrProvider.String(c.provider),
	))
	c.span = span
	c.log = observe.Logger(ctx, c.log.With("call_id", c.id))

	bopts := []toolbridge.Option{toolbridge.WithMetrics(c.metrics), toolbridge.WithLogger(c.log)}
	for _, t := range p.Tools {
		bopts = append(bopts, toolbridge.WithTool(t))
	}
	c.bridge = toolbridge.New(bopts...)
	c.agg = transcript.New(p.Policy)

	up := p.Upstream
	up.Tools = c.bridge.Declarations()
	if up.InputFormat.SampleRate <= 0 {
		up.InputFormat = audio.DefaultFormat
	}
	c.sess = session.New(dialer, session.Config{
		Upstream:       up,
		ConnectTimeout: p.ConnectTimeout,
	},
		session.WithStateObserver(c.onState),
		session.WithLogger(c.log),
	)
	c.span.SetAttributes(observe.AttrSessionID.String(c.sess.ID()))

	c.pump = pipeline.NewPump(&c.talk, c.sess, pipeline.PumpConfig{
		QueueSize:     p.Call.CaptureQueue,
		GraceDrain:    p.Call.GraceDrain,
		FrameDuration: p.Call.FrameDuration,
		Format:        up.InputFormat,
	}, c.metrics, c.log)

	c.player = pipeline.NewPlayer(playback,
		pipeline.WithQueueSize(p.Call.PlaybackQueue),
		pipeline.WithOverrunHandler(func(err error) {
			c.sink.OnError(ErrorBufferOverrun, err.Error())
		}),
		pipeline.WithPlayerMetrics(c.metrics),
		pipeline.WithPlayerLogger(c.log),
	)

	go c.watch()
	return c
}

// ID returns the call's unique identifier.
func (c *Call) ID() string { return c.id }

// SessionID returns the ID of the call's upstream session.
func (c *Call) SessionID() string { return c.sess.ID() }

// State returns the session's connection state.
func (c *Call) State() session.State { return c.sess.State() }

// Talking reports whether push-to-talk is on.
func (c *Call) Talking() bool { return c.talk.On() }

// History returns the settled transcript of the call so far.
func (c *Call) History() []transcript.Entry { return c.agg.History() }

// Done is closed once the session has closed and every pipeline of the call
// has stopped.
func (c *Call) Done() <-chan struct{} { return c.done }

// Err returns the first pipeline failure after Done is closed.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// onState is the session's state observer.
func (c *Call) onState(st session.State) {
	if st != session.StateConnected {
		c.talk.Set(false)
	}
	c.sink.OnConnectionStateChange(st)
}

// RequestConnect connects the session and starts the call's pipelines.
// Connect failures are reported to the sink as well as returned; the call
// stays disconnected and may be retried.
func (c *Call) RequestConnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := observe.StartSpan(trace.ContextWithSpan(ctx, c.span), observe.SpanConnect)

	start := time.Now()
	err := c.sess.Connect(ctx)
	if err != nil {
		// Already connected or hung up meanwhile: nothing for the user to see.
		var ce *session.ConnectError
		if !errors.As(err, &ce) {
			observe.EndSpan(span, "skipped", nil)
			return fmt.Errorf("app: connect call %s: %w", c.id, err)
		}
		c.metrics.RecordConnect(ctx, c.provider, ce.Kind.String(), time.Since(start))
		observe.EndSpan(span, ce.Kind.String(), err)
		c.sink.OnError(ErrorConnect, ce.Kind.String()+": "+errString(ce.Err))
		return fmt.Errorf("app: connect call %s: %w", c.id, err)
	}
	c.metrics.RecordConnect(ctx, c.provider, "ok", time.Since(start))
	observe.EndSpan(span, "ok", nil)
	c.started = time.Now()
	c.start()
	return nil
}

// start launches the capture and receive pipelines. Callers hold c.mu.
func (c *Call) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		err := c.pump.Run(gctx)
		var pe *pipeline.PumpError
		if !errors.As(err, &pe) {
			return err
		}
		// A hang-up or transport close already ends the call; audio still
		// draining at that point is abandoned quietly.
		if c.closing() {
			c.log.Debug("app: pump stopped with the session", "err", err)
			return nil
		}
		c.sink.OnError(ErrorPump, err.Error())
		c.hangup()
		return err
	})
	g.Go(func() error { return c.player.Run(gctx) })
	g.Go(func() error { return c.receive(ctx) })
	if c.params.Greeting != "" {
		g.Go(func() error { return c.greet(gctx) })
	}
}

// closing reports whether the session is shutting down.
func (c *Call) closing() bool {
	if c.sess.State() >= session.StateClosing {
		return true
	}
	t := time.NewTimer(closeSettle)
	defer t.Stop()
	select {
	case <-c.sess.Done():
		return true
	case <-t.C:
		return c.sess.State() >= session.StateClosing
	}
}

// receive dispatches session events until the stream is closed. It must keep
// draining even after the call's context ends so the session can finish.
func (c *Call) receive(ctx context.Context) error {
	defer c.cancel()
	for ev := range c.sess.Events() {
		switch ev.Kind {
		case session.EventAudio:
			c.metrics.FramesReceived.Add(ctx, 1)
			c.player.Enqueue(ev.Frame)
		case session.EventPartialTranscript:
			c.publish(ctx, c.agg.Partial(ev.Speaker, ev.Text, ev.At))
		case session.EventFinalTranscript:
			c.publish(ctx, c.agg.Final(ev.Speaker, ev.Text, ev.At))
		case session.EventToolCall:
			if ev.ToolCall != nil {
				c.handleTool(ctx, *ev.ToolCall)
			}
		case session.EventInterrupted:
			if n := c.player.Clear(); n > 0 {
				c.log.Debug("app: caller barged in, playback cleared", "frames", n)
			}
		case session.EventError:
			c.metrics.RecordUpstreamError(ctx, string(ErrorUpstream))
			c.sink.OnError(ErrorUpstream, errString(ev.Err))
		case session.EventClosed:
			if ev.Err != nil {
				c.metrics.RecordUpstreamError(ctx, string(ErrorTransportClosed))
				c.sink.OnError(ErrorTransportClosed, ev.Err.Error())
			}
		}
	}
	return nil
}

func (c *Call) publish(ctx context.Context, entries []transcript.Entry) {
	for _, e := range entries {
		c.metrics.RecordTranscriptEntry(ctx, string(e.Speaker), e.Finality.String())
		c.sink.OnTranscriptEntry(e)
	}
}

func (c *Call) handleTool(ctx context.Context, call upstream.ToolCall) {
	ctx, span := observe.StartSpan(trace.ContextWithSpan(ctx, c.span), observe.SpanTool, trace.WithAttributes(
		observe.AttrTool.String(call.Name),
		observe.AttrRequestID.String(call.RequestID),
	))

	out := c.bridge.Handle(ctx, call)
	sendErr := c.sess.Send(ctx, session.ToolResultOut(out.Result))
	if sendErr != nil {
		c.log.Warn("app: send tool result", "tool", call.Name, "request_id", call.RequestID, "err", sendErr)
	}
	switch {
	case out.Duplicate:
		observe.EndSpan(span, toolbridge.StatusDuplicate, sendErr)
	case out.Err != nil:
		status := toolbridge.StatusInvalid
		if errors.Is(out.Err, toolbridge.ErrUnknownTool) {
			status = toolbridge.StatusUnknown
		}
		observe.EndSpan(span, status, out.Err)
		c.sink.OnError(ErrorToolValidation, out.Err.Error())
	case out.Event != nil:
		observe.EndSpan(span, toolbridge.StatusConfirmed, sendErr)
		c.sink.OnToolEvent(*out.Event)
	default:
		span.End()
	}
}

// greet sends the opening user turn after the configured delay so the agent
// speaks first.
func (c *Call) greet(ctx context.Context) error {
	if d := c.params.GreetingDelay; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	if err := c.sess.Send(ctx, session.TextOut(c.params.Greeting)); err != nil && ctx.Err() == nil {
		c.log.Warn("app: send greeting", "err", err)
	}
	return nil
}

// SetTalkState switches push-to-talk. Turning talk on requires a connected
// session; turning it off always succeeds.
func (c *Call) SetTalkState(on bool) error {
	if !on {
		c.talk.Set(false)
		return nil
	}
	if c.sess.State() != session.StateConnected {
		return session.ErrNotConnected
	}
	c.talk.Set(true)
	// The session may have left Connected between the check and the set;
	// the observer already ran in that case, so undo.
	if c.sess.State() != session.StateConnected {
		c.talk.Set(false)
		return session.ErrNotConnected
	}
	return nil
}

// PushCapture hands one captured PCM buffer to the capture pipeline. It
// never blocks and reports whether the buffer was accepted.
func (c *Call) PushCapture(pcm []byte, format audio.Format) bool {
	return c.pump.Push(pcm, format)
}

// RequestDisconnect ends the call. In-flight sends get at most the
// configured disconnect timeout to complete. Calling it again is safe.
func (c *Call) RequestDisconnect(ctx context.Context) (session.DisconnectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.params.DisconnectTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(trace.ContextWithSpan(ctx, c.span), observe.SpanDisconnect)

	res, err := c.sess.Disconnect(ctx)
	span.SetAttributes(observe.AttrFlushed.Int(res.Flushed), observe.AttrDropped.Int(res.Dropped))
	if err != nil {
		observe.EndSpan(span, "timeout", err)
		return res, fmt.Errorf("app: disconnect call %s: %w", c.id, err)
	}
	observe.EndSpan(span, "ok", nil)
	return res, nil
}

// hangup disconnects after a fatal pipeline error.
func (c *Call) hangup() {
	if _, err := c.RequestDisconnect(context.Background()); err != nil {
		c.log.Warn("app: hangup", "err", err)
	}
}

// Close disconnects and waits until the call has fully stopped or ctx ends.
func (c *Call) Close(ctx context.Context) error {
	if _, err := c.RequestDisconnect(ctx); err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: close call %s: %w", c.id, ctx.Err())
	}
}

// watch closes done once the session is closed and the pipelines, if they
// were started, have returned.
func (c *Call) watch() {
	<-c.sess.Done()
	c.mu.Lock()
	g, started := c.group, c.started
	c.mu.Unlock()

	if g != nil {
		c.err = g.Wait()
		c.log.Info("call ended",
			"duration", time.Since(started).Round(time.Millisecond),
			"pump", c.pump.Stats(),
			"played", c.player.Stats().Played,
		)
	}
	observe.EndSpan(c.span, "", c.err)
	close(c.done)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
