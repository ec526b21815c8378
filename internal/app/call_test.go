package app_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/starlight/internal/app"
	"github.com/MrWong99/starlight/internal/config"
	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/internal/pipeline"
	"github.com/MrWong99/starlight/internal/session"
	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/internal/transcript"
	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/MrWong99/starlight/pkg/upstream/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type sinkError struct {
	kind   app.ErrorKind
	detail string
}

type recordingSink struct {
	mu      sync.Mutex
	states  []session.State
	entries []transcript.Entry
	tools   []toolbridge.Event
	errs    []sinkError
}

func (s *recordingSink) OnConnectionStateChange(st session.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *recordingSink) OnTranscriptEntry(e transcript.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) OnToolEvent(ev toolbridge.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, ev)
}

func (s *recordingSink) OnError(kind app.ErrorKind, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, sinkError{kind: kind, detail: detail})
}

func (s *recordingSink) snapshot() (states []session.State, entries []transcript.Entry, tools []toolbridge.Event, errs []sinkError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.states), slices.Clone(s.entries), slices.Clone(s.tools), slices.Clone(s.errs)
}

func (s *recordingSink) hasError(kind app.ErrorKind) bool {
	_, _, _, errs := s.snapshot()
	return slices.ContainsFunc(errs, func(e sinkError) bool { return e.kind == kind })
}

type playback struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (p *playback) Play(_ context.Context, f audio.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
	return nil
}

func (p *playback) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func orderTool(t *testing.T) *toolbridge.Tool {
	t.Helper()
	tool, err := toolbridge.NewConfirmOrder(nil)
	if err != nil {
		t.Fatalf("NewConfirmOrder: %v", err)
	}
	return tool
}

type fixture struct {
	call   *app.Call
	stream *mock.Stream
	dialer *mock.Dialer
	sink   *recordingSink
	out    *playback
}

func newFixture(t *testing.T, callCfg config.CallConfig) *fixture {
	t.Helper()
	stream := mock.NewStream()
	dialer := &mock.Dialer{Stream: stream}
	sink := &recordingSink{}
	out := &playback{}
	c := app.NewCall(dialer, app.CallParams{
		Provider:       "mock",
		Upstream:       upstream.Config{Voice: "Puck", LanguageCode: "ja-JP"},
		ConnectTimeout: time.Second,
		Call:           callCfg,
		Policy:         transcript.DefaultPolicy(),
		Tools:          []*toolbridge.Tool{orderTool(t)},
	}, sink, out)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return &fixture{call: c, stream: stream, dialer: dialer, sink: sink, out: out}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.stream.Ready()
	if err := f.call.RequestConnect(context.Background()); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
}

const validOrder = `{"items":[{"name":"Shoyu Ramen","quantity":2,"unit_price":900}],"total":1800}`

// ── tests ────────────────────────────────────────────────────────────────────

func TestCall_ConnectAdvertisesTools(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	if got := f.call.State(); got != session.StateConnected {
		t.Fatalf("State = %v, want connected", got)
	}
	calls := f.dialer.Calls()
	if len(calls) != 1 {
		t.Fatalf("Dial calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != toolbridge.ConfirmOrderTool {
		t.Errorf("Tools = %+v", cfg.Tools)
	}
	if cfg.InputFormat != audio.DefaultFormat {
		t.Errorf("InputFormat = %+v, want default", cfg.InputFormat)
	}

	states, _, _, _ := f.sink.snapshot()
	want := []session.State{session.StateConnecting, session.StateConnected}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestCall_ConnectTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	err := f.call.RequestConnect(context.Background())
	if !errors.Is(err, session.ErrAlreadyConnected) {
		t.Fatalf("second RequestConnect = %v, want ErrAlreadyConnected", err)
	}
	if f.sink.hasError(app.ErrorConnect) {
		t.Error("already-connected should not be reported to the sink")
	}
}

func TestCall_ConnectRejected(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	dialer := &mock.Dialer{DialErr: upstream.ErrAuthRejected}
	c := app.NewCall(dialer, app.CallParams{Provider: "mock"}, sink, &playback{})
	defer c.Close(context.Background())

	err := c.RequestConnect(context.Background())
	var ce *session.ConnectError
	if !errors.As(err, &ce) || ce.Kind != session.ConnectAuthRejected {
		t.Fatalf("RequestConnect = %v, want auth_rejected ConnectError", err)
	}
	if c.State() != session.StateDisconnected {
		t.Errorf("State = %v, want disconnected", c.State())
	}
	if !sink.hasError(app.ErrorConnect) {
		t.Error("expected connect error on sink")
	}
}

func TestCall_TalkRequiresConnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})

	if err := f.call.SetTalkState(true); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("SetTalkState(true) before connect = %v, want ErrNotConnected", err)
	}
	if err := f.call.SetTalkState(false); err != nil {
		t.Fatalf("SetTalkState(false) = %v", err)
	}
	if f.call.PushCapture(make([]byte, 640), audio.DefaultFormat) {
		t.Error("capture accepted while talk is off")
	}
}

func TestCall_CaptureReachesUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	if err := f.call.SetTalkState(true); err != nil {
		t.Fatalf("SetTalkState: %v", err)
	}
	if !f.call.PushCapture(make([]byte, 1280), audio.DefaultFormat) {
		t.Fatal("capture rejected while talking")
	}
	waitFor(t, "two frames upstream", func() bool {
		frames, _, _ := f.stream.Snapshot()
		return len(frames) == 2
	})
	frames, _, _ := f.stream.Snapshot()
	if frames[0].Seq != 1 || frames[1].Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", frames[0].Seq, frames[1].Seq)
	}
}

func TestCall_PlaysInboundAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	for range 3 {
		f.stream.Emit(upstream.Message{
			Kind:        upstream.KindAudio,
			Audio:       make([]byte, 960),
			AudioFormat: audio.Format{SampleRate: 24000, Channels: 1},
		})
	}
	waitFor(t, "three frames played", func() bool { return f.out.count() == 3 })
}

func TestCall_Greeting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{
		Greeting:      "電話がかかってきました。",
		GreetingDelay: 10 * time.Millisecond,
	})
	f.connect(t)

	waitFor(t, "greeting", func() bool {
		_, texts, _ := f.stream.Snapshot()
		return len(texts) == 1
	})
	_, texts, _ := f.stream.Snapshot()
	if texts[0] != "電話がかかってきました。" {
		t.Errorf("greeting = %q", texts[0])
	}
}

func TestCall_NoGreetingWhenEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	time.Sleep(30 * time.Millisecond)
	if _, texts, _ := f.stream.Snapshot(); len(texts) != 0 {
		t.Errorf("texts = %q, want none", texts)
	}
}

func TestCall_Transcripts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	f.stream.Emit(upstream.Message{Kind: upstream.KindPartialTranscript, Speaker: upstream.SpeakerUser, Text: "メニュ"})
	f.stream.Emit(upstream.Message{Kind: upstream.KindFinalTranscript, Speaker: upstream.SpeakerUser, Text: "メニューをください"})
	f.stream.Emit(upstream.Message{Kind: upstream.KindFinalTranscript, Speaker: upstream.SpeakerAgent, Text: "承知いたしました。"})

	waitFor(t, "three entries", func() bool {
		_, entries, _, _ := f.sink.snapshot()
		return len(entries) == 3
	})
	_, entries, _, _ := f.sink.snapshot()
	if entries[0].Finality != transcript.Partial || entries[1].Finality != transcript.Final {
		t.Errorf("user finalities = %v, %v", entries[0].Finality, entries[1].Finality)
	}
	if entries[0].ID != entries[1].ID {
		t.Errorf("partial and final of one utterance differ in ID: %d vs %d", entries[0].ID, entries[1].ID)
	}
	if entries[2].Speaker != upstream.SpeakerAgent || entries[2].Text != "承知いたしました。" {
		t.Errorf("agent entry = %+v", entries[2])
	}
	if got := len(f.call.History()); got != 2 {
		t.Errorf("History len = %d, want 2", got)
	}
}

func TestCall_ToolCallConfirmedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	call := &upstream.ToolCall{RequestID: "req-1", Name: toolbridge.ConfirmOrderTool, Args: []byte(validOrder)}
	f.stream.Emit(upstream.Message{Kind: upstream.KindToolCall, ToolCall: call})
	f.stream.Emit(upstream.Message{Kind: upstream.KindToolCall, ToolCall: call})

	waitFor(t, "two tool results", func() bool {
		_, _, results := f.stream.Snapshot()
		return len(results) == 2
	})
	_, _, results := f.stream.Snapshot()
	for i, r := range results {
		if r.RequestID != "req-1" || r.Output["status"] != toolbridge.StatusConfirmed {
			t.Errorf("result[%d] = %+v", i, r)
		}
	}
	_, _, tools, _ := f.sink.snapshot()
	if len(tools) != 1 {
		t.Fatalf("tool events = %d, want 1", len(tools))
	}
	order, ok := tools[0].Payload.(toolbridge.OrderSummary)
	if !ok {
		t.Fatalf("payload type %T", tools[0].Payload)
	}
	if order.Total != 1800 || len(order.Items) != 1 {
		t.Errorf("order = %+v", order)
	}
}

func TestCall_ToolCallInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	f.stream.Emit(upstream.Message{Kind: upstream.KindToolCall, ToolCall: &upstream.ToolCall{
		RequestID: "req-2",
		Name:      toolbridge.ConfirmOrderTool,
		Args:      []byte(`{"items":[],"total":0}`),
	}})

	waitFor(t, "tool validation error", func() bool { return f.sink.hasError(app.ErrorToolValidation) })
	_, _, results := f.stream.Snapshot()
	if len(results) != 1 || results[0].Output["error"] == nil {
		t.Errorf("results = %+v, want one error result", results)
	}
	if _, _, tools, _ := f.sink.snapshot(); len(tools) != 0 {
		t.Errorf("tool events = %d, want 0", len(tools))
	}
}

func TestCall_UpstreamErrorReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	f.stream.Emit(upstream.Message{Kind: upstream.KindError, Err: errors.New("quota")})
	waitFor(t, "upstream error", func() bool { return f.sink.hasError(app.ErrorUpstream) })
	if f.call.State() != session.StateConnected {
		t.Errorf("State = %v, non-fatal error should keep the call connected", f.call.State())
	}
}

func TestCall_TransportClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)
	if err := f.call.SetTalkState(true); err != nil {
		t.Fatalf("SetTalkState: %v", err)
	}

	f.stream.Finish(errors.New("connection reset"))

	select {
	case <-f.call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after transport closed")
	}
	if !f.sink.hasError(app.ErrorTransportClosed) {
		t.Error("expected transport_closed on sink")
	}
	if f.call.Talking() {
		t.Error("talk should be forced off when the session leaves connected")
	}
	if f.call.State() != session.StateClosed {
		t.Errorf("State = %v, want closed", f.call.State())
	}
	if err := f.call.RequestConnect(context.Background()); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("RequestConnect after close = %v, want ErrSessionClosed", err)
	}
}

func TestCall_DisconnectIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})
	f.connect(t)

	for i := range 2 {
		if _, err := f.call.RequestDisconnect(context.Background()); err != nil {
			t.Fatalf("RequestDisconnect #%d: %v", i+1, err)
		}
	}
	select {
	case <-f.call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after disconnect")
	}
	if f.sink.hasError(app.ErrorTransportClosed) {
		t.Error("local disconnect reported as transport_closed")
	}
	if !f.stream.Closed() {
		t.Error("stream not closed")
	}
	if err := f.call.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestCall_DisconnectBeforeConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.CallConfig{})

	if _, err := f.call.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("RequestDisconnect: %v", err)
	}
	select {
	case <-f.call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}
	if len(f.dialer.Calls()) != 0 {
		t.Error("dialer used by a call that never connected")
	}
}

func TestCall_PlaybackOverrunReported(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	sink := &recordingSink{}
	stream := mock.NewStream()
	c := app.NewCall(&mock.Dialer{Stream: stream}, app.CallParams{
		Provider: "mock",
		Call:     config.CallConfig{PlaybackQueue: 1},
	}, sink, pipeline.SinkFunc(func(ctx context.Context, _ audio.Frame) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))
	defer func() {
		close(block)
		_ = c.Close(context.Background())
	}()

	stream.Ready()
	if err := c.RequestConnect(context.Background()); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	for range 5 {
		stream.Emit(upstream.Message{Kind: upstream.KindAudio, Audio: make([]byte, 640), AudioFormat: audio.DefaultFormat})
	}
	waitFor(t, "buffer overrun", func() bool { return sink.hasError(app.ErrorBufferOverrun) })
}

// gatedPlayback holds the first frame until release is closed.
type gatedPlayback struct {
	playback
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedPlayback) Play(ctx context.Context, f audio.Frame) error {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.playback.Play(ctx, f)
}

func (g *gatedPlayback) seqs() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint64, len(g.frames))
	for i, f := range g.frames {
		out[i] = f.Seq
	}
	return out
}

func TestCall_BargeInClearsQueuedPlayback(t *testing.T) {
	t.Parallel()
	out := &gatedPlayback{started: make(chan struct{}), release: make(chan struct{})}
	stream := mock.NewStream()
	c := app.NewCall(&mock.Dialer{Stream: stream}, app.CallParams{Provider: "mock"}, &recordingSink{}, out)
	released := false
	release := func() {
		if !released {
			released = true
			close(out.release)
		}
	}
	defer func() {
		release()
		_ = c.Close(context.Background())
	}()

	stream.Ready()
	if err := c.RequestConnect(context.Background()); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	answer := upstream.Message{Kind: upstream.KindAudio, Audio: make([]byte, 960), AudioFormat: audio.Format{SampleRate: 24000, Channels: 1}}

	stream.Emit(answer)
	select {
	case <-out.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame never reached playback")
	}
	for range 4 {
		stream.Emit(answer)
	}
	stream.Emit(upstream.Message{Kind: upstream.KindInterrupted})
	stream.Emit(answer)
	release()

	waitFor(t, "two frames played", func() bool { return out.count() == 2 })
	if got := out.seqs(); got[0] != 1 || got[1] != 6 {
		t.Errorf("played seqs = %v, want [1 6]", got)
	}
}

// talkWithHeldSend connects with the upstream holding every send, turns talk
// on and queues three frames' worth of captures behind the first one.
func talkWithHeldSend(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, config.CallConfig{
		GraceDrain:        5 * time.Second,
		DisconnectTimeout: 50 * time.Millisecond,
	})
	f.stream.Block = make(chan struct{})
	f.connect(t)
	if err := f.call.SetTalkState(true); err != nil {
		t.Fatalf("SetTalkState: %v", err)
	}
	for i := range 3 {
		if !f.call.PushCapture(make([]byte, 640), audio.DefaultFormat) {
			t.Fatalf("capture %d rejected", i)
		}
	}
	return f
}

func TestCall_HangupWhileTalkingEndsCleanly(t *testing.T) {
	t.Parallel()
	f := talkWithHeldSend(t)

	if _, err := f.call.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("RequestDisconnect: %v", err)
	}
	select {
	case <-f.call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after hang-up")
	}
	if _, _, _, errs := f.sink.snapshot(); len(errs) != 0 {
		t.Errorf("sink errors after hang-up = %+v, want none", errs)
	}
	if err := f.call.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestCall_TransportClosedWhileTalkingReportsOnce(t *testing.T) {
	t.Parallel()
	f := talkWithHeldSend(t)

	f.stream.Finish(nil)

	select {
	case <-f.call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish after transport closed")
	}
	_, _, _, errs := f.sink.snapshot()
	if len(errs) != 1 || errs[0].kind != app.ErrorTransportClosed {
		t.Errorf("sink errors = %+v, want a single transport_closed", errs)
	}
	if err := f.call.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Not parallel: swaps the global tracer provider.
func TestCall_TracesLifecycle(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	var logs syncBuffer
	stream := mock.NewStream()
	sink := &recordingSink{}
	c := app.NewCall(&mock.Dialer{Stream: stream}, app.CallParams{
		Provider:       "mock",
		ConnectTimeout: time.Second,
		Tools:          []*toolbridge.Tool{orderTool(t)},
	}, sink, &playback{}, app.WithCallLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	stream.Ready()
	if err := c.RequestConnect(context.Background()); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	stream.Emit(upstream.Message{Kind: upstream.KindToolCall, ToolCall: &upstream.ToolCall{
		RequestID: "r1", Name: toolbridge.ConfirmOrderTool, Args: []byte(validOrder),
	}})
	waitFor(t, "tool event", func() bool {
		_, _, tools, _ := sink.snapshot()
		return len(tools) == 1
	})
	if _, err := c.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("RequestDisconnect: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}

	byName := map[string]tracetest.SpanStub{}
	for _, s := range exp.GetSpans() {
		byName[s.Name] = s
	}
	root, ok := byName[observe.SpanCall]
	if !ok {
		t.Fatalf("no %q span in %d spans", observe.SpanCall, len(byName))
	}
	if !hasAttr(root, observe.AttrCallID, c.ID()) {
		t.Errorf("call span lacks call ID %s", c.ID())
	}
	for name, outcome := range map[string]string{
		observe.SpanConnect:    "ok",
		observe.SpanTool:       toolbridge.StatusConfirmed,
		observe.SpanDisconnect: "ok",
	} {
		s, ok := byName[name]
		if !ok {
			t.Errorf("no %q span", name)
			continue
		}
		if s.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("%s is not a child of the call span", name)
		}
		if !hasAttr(s, observe.AttrOutcome, outcome) {
			t.Errorf("%s outcome is not %q: %v", name, outcome, s.Attributes)
		}
	}

	traceID := root.SpanContext.TraceID().String()
	if out := logs.String(); !strings.Contains(out, "trace_id="+traceID) {
		t.Errorf("call logs do not carry the call's trace ID %s:\n%s", traceID, out)
	}
}

func hasAttr(s tracetest.SpanStub, key attribute.Key, want string) bool {
	return slices.ContainsFunc(s.Attributes, func(kv attribute.KeyValue) bool {
		return kv.Key == key && kv.Value.AsString() == want
	})
}
