// Package gemini implements [upstream.Dialer] for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks. Gemini reports
// transcriptions as increments; the adapter accumulates them per speaker and
// emits the cumulative text as partial transcripts, finalising them when the
// model's turn completes.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/coder/websocket"
)

// Compile-time assertions that Dialer and stream satisfy the upstream interfaces.
var _ upstream.Dialer = (*Dialer)(nil)
var _ upstream.Stream = (*stream)(nil)

const (
	defaultModel   = "gemini-live-2.5-flash-preview-native-audio"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// outputSampleRate is the rate Gemini synthesises speech at when the
	// inline data omits it.
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithKeepalive overrides the interval between WebSocket pings.
func WithKeepalive(interval time.Duration) Option {
	return func(d *Dialer) { d.keepalive = interval }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Gemini Live streams.
type Dialer struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects and sends the setup message. The stream reports
// [upstream.KindReady] once Gemini answers with setupComplete.
func (d *Dialer) Dial(ctx context.Context, cfg upstream.Config) (upstream.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", upstream.ClassifyHandshake(resp, err))
	}
	// Gemini answers with large audio frames; the library default of 32 KiB
	// is too small.
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
		done:     make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	model := d.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	if err := s.sendSetup(ctx, model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", errors.Join(upstream.ErrRefused, err))
	}

	go s.receiveLoop()
	go s.keepaliveLoop(d.keepalive)

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool     `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
	Temperature        *float64      `json:"temperature,omitempty"`
	TopP               *float64      `json:"topP,omitempty"`
}

type speechConfig struct {
	VoiceConfig  *voiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn     *websocket.Conn
	inFormat audio.Format
	messages chan upstream.Message

	// Owned by receiveLoop.
	ready     bool
	userText  strings.Builder
	agentText strings.Builder

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *stream) sendSetup(ctx context.Context, model string, cfg upstream.Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" || cfg.LanguageCode != "" {
		sc := &speechConfig{LanguageCode: cfg.LanguageCode}
		if cfg.Voice != "" {
			sc.VoiceConfig = &voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}
	if cfg.Temperature > 0 {
		msg.Setup.GenerationConfig.Temperature = &cfg.Temperature
	}
	if cfg.TopP > 0 {
		msg.Setup.GenerationConfig.TopP = &cfg.TopP
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("gemini: write: %w", err)
	}
	return nil
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the messages channel and closes it when it exits.
func (s *stream) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the stream context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(s.readErr(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// readErr classifies a read failure. Before setup completed, a policy
// violation close usually means the key was rejected.
func (s *stream) readErr(err error) error {
	if !s.ready {
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return fmt.Errorf("gemini: read: %w: %v", upstream.ErrAuthRejected, err)
		}
		return fmt.Errorf("gemini: read: %w: %v", upstream.ErrRefused, err)
	}
	return fmt.Errorf("gemini: read: %w", err)
}

// handleServerMessage dispatches one decoded frame. It returns false when
// the stream context ended while emitting.
func (s *stream) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil && !s.ready {
		s.ready = true
		if !s.emit(upstream.Message{Kind: upstream.KindReady}) {
			return false
		}
	}
	if msg.Error != nil && !s.handleError(msg.Error) {
		return false
	}
	if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
		return false
	}
	if msg.ToolCall != nil && !s.handleToolCall(msg.ToolCall) {
		return false
	}
	return true
}

func (s *stream) handleError(ge *geminiError) bool {
	text := "unknown error"
	if ge.Message != "" {
		text = ge.Message
	}
	var err error
	if s.ready {
		err = fmt.Errorf("gemini: %d %s", ge.Code, text)
	} else {
		err = fmt.Errorf("gemini: %w", upstream.ClassifyCode(ge.Code, text))
	}
	return s.emit(upstream.Message{Kind: upstream.KindError, Err: err})
}

func (s *stream) handleServerContent(sc *serverContent) bool {
	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.userText.WriteString(sc.InputTranscription.Text)
		if !s.emitTranscript(upstream.KindPartialTranscript, upstream.SpeakerUser, s.userText.String()) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				if !s.handleInlineAudio(p.InlineData) {
					return false
				}
			}
			if p.Text != "" && !s.appendAgent(p.Text) {
				return false
			}
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.appendAgent(sc.OutputTranscription.Text) {
			return false
		}
	}

	if sc.TurnComplete || sc.Interrupted {
		if !s.finishUser() {
			return false
		}
		if s.agentText.Len() > 0 {
			text := s.agentText.String()
			s.agentText.Reset()
			if !s.emitTranscript(upstream.KindFinalTranscript, upstream.SpeakerAgent, text) {
				return false
			}
		}
	}
	if sc.Interrupted {
		return s.emit(upstream.Message{Kind: upstream.KindInterrupted})
	}
	return true
}

func (s *stream) handleInlineAudio(d *inlineData) bool {
	pcm, format, err := audio.DecodeChunk(d.MIMEType, d.Data, outputSampleRate)
	if err != nil {
		slog.Debug("gemini: skipping inline data", "mime_type", d.MIMEType, "err", err)
		return true
	}
	if len(pcm) == 0 {
		return true
	}
	// The agent started answering; the user's utterance is over.
	if !s.finishUser() {
		return false
	}
	return s.emit(upstream.Message{Kind: upstream.KindAudio, Audio: pcm, AudioFormat: format})
}

// appendAgent adds an agent transcription increment and emits the cumulative
// partial.
func (s *stream) appendAgent(text string) bool {
	if !s.finishUser() {
		return false
	}
	s.agentText.WriteString(text)
	return s.emitTranscript(upstream.KindPartialTranscript, upstream.SpeakerAgent, s.agentText.String())
}

// finishUser finalises a pending user utterance, if any.
func (s *stream) finishUser() bool {
	if s.userText.Len() == 0 {
		return true
	}
	text := s.userText.String()
	s.userText.Reset()
	return s.emitTranscript(upstream.KindFinalTranscript, upstream.SpeakerUser, text)
}

func (s *stream) handleToolCall(tc *toolCallMsg) bool {
	for _, fc := range tc.FunctionCalls {
		args := fc.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		call := &upstream.ToolCall{RequestID: fc.ID, Name: fc.Name, Args: args}
		if !s.emit(upstream.Message{Kind: upstream.KindToolCall, ToolCall: call}) {
			return false
		}
	}
	return true
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *stream) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
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

// ── upstream.Stream methods ────────────────────────────────────────────────────

// SendAudio delivers one PCM frame to the model as a realtime media chunk.
func (s *stream) SendAudio(ctx context.Context, f audio.Frame) error {
	if s.isClosed() {
		return upstream.ErrClosed
	}
	if f.SampleRate == 0 {
		f.SampleRate = s.inFormat.SampleRate
	}
	mimeType, data := audio.EncodeChunk(f)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: mimeType, Data: data}},
		},
	}
	return s.writeJSON(ctx, msg)
}

// SendText inserts a completed user turn carrying text.
func (s *stream) SendText(ctx context.Context, text string) error {
	if s.isClosed() {
		return upstream.ErrClosed
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	return s.writeJSON(ctx, msg)
}

// SendToolResult answers a function call.
func (s *stream) SendToolResult(ctx context.Context, r upstream.ToolResult) error {
	if s.isClosed() {
		return upstream.ErrClosed
	}
	out := r.Output
	if out == nil {
		out = map[string]any{}
	}
	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: r.RequestID, Name: r.Name, Response: out},
			},
		},
	}
	return s.writeJSON(ctx, msg)
}

// Messages returns the inbound message channel.
func (s *stream) Messages() <-chan upstream.Message { return s.messages }

// Err returns the error that ended the stream, or nil.
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

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
