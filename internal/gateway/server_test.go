package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/starlight/internal/app"
	"github.com/MrWong99/starlight/internal/config"
	"github.com/MrWong99/starlight/internal/gateway"
	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/MrWong99/starlight/pkg/upstream/mock"
	"github.com/gorilla/websocket"
)

func testConfig(autoConnect bool) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{MaxCalls: 1},
		Upstream: config.UpstreamConfig{Name: "gemini-live", Language: "Japanese"},
		Call:     config.CallConfig{AutoConnect: autoConnect},
		Menu:     []toolbridge.MenuItem{{Name: "Shoyu Ramen", Price: 900}},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, stream *mock.Stream, opts ...gateway.Option) string {
	t.Helper()
	a, err := app.New(cfg, &mock.Dialer{Stream: stream})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	mux := http.NewServeMux()
	gateway.New(a, append([]gateway.Option{gateway.WithPingInterval(time.Second)}, opts...)...).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

// readType reads messages until one of type typ arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

// readState reads state messages until state arrives.
func readState(t *testing.T, conn *websocket.Conn, state string) {
	t.Helper()
	for {
		if msg := readType(t, conn, gateway.TypeState); msg["state"] == state {
			return
		}
	}
}

func TestGateway_AutoConnectAndRelay(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Ready()
	conn := mustDialWS(t, newTestServer(t, testConfig(true), stream))

	readState(t, conn, "connected")

	mustWriteJSON(t, conn, map[string]any{"type": "talk", "on": true})
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 640))
	// One reader handles both messages in order, so talk is on first.
	mustWriteJSON(t, conn, map[string]any{"type": "audio", "mime_type": "audio/pcm", "data": pcm})

	deadline := time.Now().Add(2 * time.Second)
	for {
		frames, _, _ := stream.Snapshot()
		if len(frames) == 1 {
			if len(frames[0].Data) != 640 {
				t.Errorf("frame bytes = %d, want 640", len(frames[0].Data))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("captured audio never reached the upstream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stream.Emit(upstream.Message{Kind: upstream.KindAudio, Audio: make([]byte, 960), AudioFormat: audio.Format{SampleRate: 24000, Channels: 1}})
	msg := readType(t, conn, gateway.TypeAudio)
	if msg["mime_type"] != "audio/pcm;rate=24000" {
		t.Errorf("mime_type = %v", msg["mime_type"])
	}
	if msg["seq"] != float64(1) {
		t.Errorf("seq = %v, want 1", msg["seq"])
	}

	stream.Emit(upstream.Message{Kind: upstream.KindFinalTranscript, Speaker: upstream.SpeakerUser, Text: "ラーメンください"})
	msg = readType(t, conn, gateway.TypeInputTranscription)
	if msg["text"] != "ラーメンください" || msg["final"] != true || msg["speaker"] != "user" {
		t.Errorf("transcript = %v", msg)
	}

	stream.Emit(upstream.Message{Kind: upstream.KindFinalTranscript, Speaker: upstream.SpeakerAgent, Text: "かしこまりました。"})
	msg = readType(t, conn, gateway.TypeOutputTranscription)
	if msg["speaker"] != "agent" {
		t.Errorf("speaker = %v", msg["speaker"])
	}
}

func TestGateway_ToolEvent(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Ready()
	conn := mustDialWS(t, newTestServer(t, testConfig(true), stream))
	readState(t, conn, "connected")

	stream.Emit(upstream.Message{Kind: upstream.KindToolCall, ToolCall: &upstream.ToolCall{
		RequestID: "r1",
		Name:      toolbridge.ConfirmOrderTool,
		Args:      []byte(`{"items":[{"name":"shoyu ramen","quantity":1}],"total":900}`),
	}})
	msg := readType(t, conn, gateway.TypeToolEvent)
	if msg["name"] != toolbridge.ConfirmOrderTool || msg["request_id"] != "r1" {
		t.Errorf("tool event = %v", msg)
	}
	payload, _ := msg["payload"].(map[string]any)
	items, _ := payload["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("payload = %v", payload)
	}
	if item := items[0].(map[string]any); item["name"] != "Shoyu Ramen" || item["unit_price"] != float64(900) {
		t.Errorf("item = %v, want canonical name and menu price", item)
	}
}

func TestGateway_ManualConnectAndHangup(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	conn := mustDialWS(t, newTestServer(t, testConfig(false), stream))

	mustWriteJSON(t, conn, map[string]any{"type": "talk", "on": true})
	msg := readType(t, conn, gateway.TypeError)
	if msg["kind"] != gateway.ErrorNotConnected {
		t.Errorf("kind = %v, want %s", msg["kind"], gateway.ErrorNotConnected)
	}

	stream.Ready()
	mustWriteJSON(t, conn, map[string]any{"type": "connect"})
	readState(t, conn, "connected")

	mustWriteJSON(t, conn, map[string]any{"type": "hangup"})
	readState(t, conn, "closed")

	// The server closes the socket once the call has ended.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("close = %v, want normal closure", err)
			}
			break
		}
	}
	if !stream.Closed() {
		t.Error("upstream stream not closed after hangup")
	}
}

func TestGateway_TransportCloseReported(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Ready()
	conn := mustDialWS(t, newTestServer(t, testConfig(true), stream))
	readState(t, conn, "connected")

	stream.Finish(context.DeadlineExceeded)
	msg := readType(t, conn, gateway.TypeError)
	if msg["kind"] != string(app.ErrorTransportClosed) {
		t.Errorf("kind = %v, want transport_closed", msg["kind"])
	}
}

func TestGateway_BadRequests(t *testing.T) {
	t.Parallel()
	conn := mustDialWS(t, newTestServer(t, testConfig(false), mock.NewStream()))

	tests := []struct {
		name string
		msg  any
	}{
		{"unknown type", map[string]any{"type": "dance"}},
		{"wrong mime", map[string]any{"type": "audio", "mime_type": "audio/opus", "data": "AAAA"}},
		{"bad base64", map[string]any{"type": "audio", "mime_type": "audio/pcm", "data": "!!"}},
	}
	for _, tt := range tests {
		mustWriteJSON(t, conn, tt.msg)
		msg := readType(t, conn, gateway.TypeError)
		if msg["kind"] != gateway.ErrorBadRequest {
			t.Errorf("%s: kind = %v, want bad_request", tt.name, msg["kind"])
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if msg := readType(t, conn, gateway.TypeError); msg["kind"] != gateway.ErrorBadRequest {
		t.Errorf("invalid json: kind = %v", msg["kind"])
	}
}

func TestGateway_CapacityRejected(t *testing.T) {
	t.Parallel()
	wsURL := newTestServer(t, testConfig(false), mock.NewStream())

	first := mustDialWS(t, wsURL)
	// Make sure the first call is registered before dialing again.
	mustWriteJSON(t, first, map[string]any{"type": "dance"})
	readType(t, first, gateway.TypeError)

	second := mustDialWS(t, wsURL)
	msg := readType(t, second, gateway.TypeError)
	if msg["kind"] != gateway.ErrorCapacity {
		t.Errorf("kind = %v, want capacity", msg["kind"])
	}
}

func TestGateway_Origin(t *testing.T) {
	t.Parallel()
	wsURL := newTestServer(t, testConfig(false), mock.NewStream(), gateway.WithAllowedOrigins("*.example.com"))

	tests := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"https://shop.example.com", true},
		{"https://evil.test", false},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.origin != "" {
			h.Set("Origin", tt.origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, h)
		if tt.ok {
			if err != nil {
				t.Errorf("origin %q: dial failed: %v", tt.origin, err)
				continue
			}
			_ = conn.Close()
			continue
		}
		if err == nil {
			_ = conn.Close()
			t.Errorf("origin %q: dial succeeded, want rejection", tt.origin)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("origin %q: resp = %v, want 403", tt.origin, resp)
		}
	}
}
