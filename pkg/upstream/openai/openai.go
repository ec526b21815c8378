// Package openai implements [upstream.Dialer] for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks at 24 kHz; captured
// audio at other rates is resampled before it is appended to the input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and stream satisfy the upstream interfaces.
var _ upstream.Dialer = (*Dialer)(nil)
var _ upstream.Stream = (*stream)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the only rate the pcm16 format accepts in both directions.
	sampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens OpenAI Realtime streams.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects and sends session.update. The stream reports
// [upstream.KindReady] on the first session.created or session.updated event.
func (d *Dialer) Dial(ctx context.Context, cfg upstream.Config) (upstream.Stream, error) {
	model := d.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, model)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", upstream.ClassifyHandshake(resp, err))
	}
	conn.SetReadLimit(4 << 20)

	inFormat := cfg.InputFormat
	if inFormat.SampleRate == 0 {
		inFormat = audio.DefaultFormat
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &stream{
		conn:     conn,
		inFormat: inFormat,
		messages: make(chan upstream.Message, 64),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := s.sendSessionUpdate(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", errors.Join(upstream.ErrRefused, err))
	}

	go s.receiveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	Tools                   []oaiTool                `json:"tools,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
}

type inputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn     *websocket.Conn
	inFormat audio.Format
	messages chan upstream.Message

	// Owned by receiveLoop. agentText and userText accumulate deltas until
	// the matching done/completed event arrives.
	ready     bool
	agentText string
	userText  string

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure voice, instructions,
// tools, transcription and audio formats.
func (s *stream) sendSessionUpdate(ctx context.Context, cfg upstream.Config) error {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &inputAudioTranscription{
			Model:    "whisper-1",
			Language: languageOf(cfg.LanguageCode),
		},
		Temperature: cfg.Temperature,
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// languageOf reduces a BCP-47 tag to the ISO-639-1 code the transcription
// model expects ("ja-JP" → "ja").
func languageOf(tag string) string {
	for i, r := range tag {
		if r == '-' || r == '_' {
			return tag[:i]
		}
	}
	return tag
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the messages channel and closes it when it exits.
func (s *stream) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if !s.ready {
				err = errors.Join(upstream.ErrRefused, err)
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent dispatches one event. It returns false when the stream
// context ended while emitting.
func (s *stream) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		if s.ready {
			return true
		}
		s.ready = true
		return s.emit(upstream.Message{Kind: upstream.KindReady})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return true
		}
		return s.emit(upstream.Message{
			Kind:        upstream.KindAudio,
			Audio:       audioData,
			AudioFormat: audio.Format{SampleRate: sampleRate, Channels: 1},
		})

	case "input_audio_buffer.speech_started":
		// Server VAD heard the caller; any answer still playing is cut off.
		return s.emit(upstream.Message{Kind: upstream.KindInterrupted})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		s.agentText += evt.Delta
		return s.emitTranscript(upstream.KindPartialTranscript, upstream.SpeakerAgent, s.agentText)

	case "response.audio_transcript.done":
		text := evt.Transcript
		if text == "" {
			text = s.agentText
		}
		s.agentText = ""
		if text == "" {
			return true
		}
		return s.emitTranscript(upstream.KindFinalTranscript, upstream.SpeakerAgent, text)

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return true
		}
		s.userText += evt.Delta
		return s.emitTranscript(upstream.KindPartialTranscript, upstream.SpeakerUser, s.userText)

	case "conversation.item.input_audio_transcription.completed":
		text := evt.Transcript
		if text == "" {
			text = s.userText
		}
		s.userText = ""
		if text == "" {
			return true
		}
		return s.emitTranscript(upstream.KindFinalTranscript, upstream.SpeakerUser, text)

	case "response.function_call_arguments.done":
		args := json.RawMessage(evt.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return s.emit(upstream.Message{
			Kind:     upstream.KindToolCall,
			ToolCall: &upstream.ToolCall{RequestID: evt.CallID, Name: evt.Name, Args: args},
		})

	case "error":
		return s.emit(upstream.Message{Kind: upstream.KindError, Err: s.errorOf(evt.Error)})
	}
	return true
}

func (s *stream) errorOf(detail *serverErrorDetail) error {
	msg := "unknown error"
	if detail != nil && detail.Message != "" {
		msg = detail.Message
	}
	if s.ready {
		return fmt.Errorf("openai: %s", msg)
	}
	if detail != nil && (detail.Code == "invalid_api_key" || detail.Type == "authentication_error") {
		return fmt.Errorf("openai: %w: %s", upstream.ErrAuthRejected, msg)
	}
	return fmt.Errorf("openai: %w: %s", upstream.ErrRefused, msg)
}

func (s *stream) emitTranscript(kind upstream.Kind, speaker upstream.Speaker, text string) bool {
	return s.emit(upstream.Message{Kind: kind, Speaker: speaker, Text: text})
}

func (s *stream) emit(m upstream.Message) bool {
	select {
	case s.messages <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// toOAITools converts tool declarations to OpenAI Realtime tool format.
func toOAITools(tools []upstream.ToolDeclaration) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── upstream.Stream methods ────────────────────────────────────────────────────

// SendAudio appends one frame to the input audio buffer, resampled to 24 kHz.
func (s *stream) SendAudio(ctx context.Context, f audio.Frame) error {
	if s.isClosed() {
		return upstream.ErrClosed
	}
	rate := f.SampleRate
	if rate == 0 {
		rate = s.inFormat.SampleRate
	}
	pcm := audio.ResampleMono16(f.Data, rate, sampleRate)
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendText adds a user message and asks for a response.
func (s *stream) SendText(ctx context.Context, text string) error {
	if s.isClosed() {
		return upstream.ErrClosed
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// SendToolResult returns a function_call_output item and triggers the next
// model response.
func (s *stream) SendToolResult(ctx context.Context, r upstream.ToolResult) error {
	if s.isClosed() {
		return upstream.ErrClosed
	}
	output := r.Output
	if output == nil {
		output = map[string]any{}
	}
	out, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("openai: marshal tool output: %w", err)
	}
	err = s.writeJSON(ctx, createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: r.RequestID,
			Output: string(out),
		},
	})
	if err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// Messages returns the inbound message channel.
func (s *stream) Messages() <-chan upstream.Message { return s.messages }

// Err returns the first non-nil error that caused the stream to terminate.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the stream and releases all resources. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
