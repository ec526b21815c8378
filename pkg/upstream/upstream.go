// Package upstream defines the contract between the relay and a realtime
// voice AI service.
//
// A [Dialer] opens one bidirectional [Stream] per call. The stream accepts
// outbound audio, text turns and tool results, and delivers everything the
// service produces as a single ordered channel of [Message] values: exactly
// one [KindReady] once the service has acknowledged the session setup, then
// audio chunks, transcripts, tool calls and errors as they arrive.
//
// Adapters for concrete services live in sub-packages. All implementations
// must be safe for concurrent use.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/starlight/pkg/audio"
)

var (
	// ErrAuthRejected reports that the service refused the credentials, either
	// during the HTTP handshake or in an error message before setup completed.
	ErrAuthRejected = errors.New("upstream: authentication rejected")

	// ErrRefused reports any other failure to establish the stream.
	ErrRefused = errors.New("upstream: connection refused")

	// ErrClosed is returned by send methods after Close.
	ErrClosed = errors.New("upstream: stream closed")
)

// Kind discriminates the variants of [Message].
type Kind int

const (
	// KindReady is emitted once, when the service acknowledges the setup.
	KindReady Kind = iota

	// KindAudio carries a chunk of synthesised agent speech in Audio.
	KindAudio

	// KindPartialTranscript carries the cumulative text of an utterance that
	// is still in progress.
	KindPartialTranscript

	// KindFinalTranscript carries the settled text of a finished utterance.
	KindFinalTranscript

	// KindToolCall carries a tool invocation in ToolCall.
	KindToolCall

	// KindError carries a non-fatal error reported by the service in Err.
	KindError

	// KindInterrupted reports that the caller spoke over the agent. Agent
	// audio of the current turn that has not been played yet is stale.
	KindInterrupted
)

// String returns the wire-style name of the kind.
func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindAudio:
		return "audio_chunk"
	case KindPartialTranscript:
		return "partial_transcript"
	case KindFinalTranscript:
		return "final_transcript"
	case KindToolCall:
		return "tool_call"
	case KindError:
		return "error"
	case KindInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Speaker identifies who produced a transcript.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// ToolCall is one invocation of a declared tool by the agent.
type ToolCall struct {
	// RequestID is the service-assigned correlation ID. It is echoed back in
	// the matching [ToolResult].
	RequestID string

	Name string

	// Args is the JSON object of arguments exactly as the service sent it.
	Args json.RawMessage
}

// ToolResult answers a [ToolCall].
type ToolResult struct {
	RequestID string
	Name      string

	// Output is serialised as the function response object.
	Output map[string]any
}

// Message is one item of the stream's inbound channel.
type Message struct {
	Kind Kind

	// Audio is s16le PCM at AudioFormat; set for KindAudio.
	Audio       []byte
	AudioFormat audio.Format

	// Speaker and Text are set for the transcript kinds.
	Speaker Speaker
	Text    string

	// ToolCall is set for KindToolCall.
	ToolCall *ToolCall

	// Err is set for KindError.
	Err error
}

// ToolDeclaration advertises a callable tool to the service.
type ToolDeclaration struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// Config is the per-call session setup.
type Config struct {
	// Model overrides the adapter's default model when non-empty.
	Model string

	// Voice is the provider's prebuilt voice name.
	Voice string

	// LanguageCode is a BCP-47 tag such as "ja-JP".
	LanguageCode string

	// Instructions is the system prompt.
	Instructions string

	// Temperature and TopP tune sampling; zero leaves the service default.
	Temperature float64
	TopP        float64

	Tools []ToolDeclaration

	// InputFormat is the format of audio sent with SendAudio. A zero value
	// means [audio.DefaultFormat].
	InputFormat audio.Format
}

// Stream is an open session with the service.
//
// Messages is closed when the transport ends, after which Err reports the
// cause, or nil when the stream was closed locally.
type Stream interface {
	SendAudio(ctx context.Context, f audio.Frame) error
	SendText(ctx context.Context, text string) error
	SendToolResult(ctx context.Context, r ToolResult) error
	Messages() <-chan Message
	Err() error

	// Close terminates the stream. Calling it more than once is safe.
	Close() error
}

// Dialer opens streams. The returned stream may not be ready yet; callers
// wait for [KindReady] on its message channel.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Stream, error)
}

// ClassifyHandshake wraps a failed WebSocket handshake in [ErrAuthRejected]
// when the HTTP response says 401 or 403, and in [ErrRefused] otherwise.
// resp may be nil.
func ClassifyHandshake(resp *http.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %s: %v", ErrAuthRejected, resp.Status, err)
	}
	return fmt.Errorf("%w: %v", ErrRefused, err)
}

// ClassifyCode maps a service error code to [ErrAuthRejected] for 401/403 and
// to [ErrRefused] for everything else.
func ClassifyCode(code int, msg string) error {
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fmt.Errorf("%w: %d %s", ErrAuthRejected, code, msg)
	}
	return fmt.Errorf("%w: %d %s", ErrRefused, code, msg)
}
