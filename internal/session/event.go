package session

import (
	"fmt"
	"time"

	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
)

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	EventAudio EventKind = iota
	EventPartialTranscript
	EventFinalTranscript
	EventToolCall
	EventError
	EventInterrupted
	EventClosed
)

// String returns the snake_case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventPartialTranscript:
		return "partial_transcript"
	case EventFinalTranscript:
		return "final_transcript"
	case EventToolCall:
		return "tool_call"
	case EventError:
		return "error"
	case EventInterrupted:
		return "interrupted"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item of the session's inbound stream.
type Event struct {
	Kind EventKind

	// At is the time the session received the underlying message.
	At time.Time

	// Frame is set for EventAudio. Its Seq increases monotonically within
	// the session.
	Frame audio.Frame

	// Speaker and Text are set for the transcript kinds.
	Speaker upstream.Speaker
	Text    string

	// ToolCall is set for EventToolCall.
	ToolCall *upstream.ToolCall

	// Err is set for EventError, and for EventClosed when the transport
	// ended on its own (wrapping [ErrTransportClosed]). It is nil for a
	// closed event caused by Disconnect.
	Err error
}

// OutboundKind discriminates the variants of [Outbound].
type OutboundKind int

const (
	OutboundAudio OutboundKind = iota
	OutboundText
	OutboundToolResult
)

// Outbound is one item the relay sends to the upstream.
type Outbound struct {
	Kind       OutboundKind
	Frame      audio.Frame
	Text       string
	ToolResult upstream.ToolResult
}

// AudioOut wraps an outbound audio frame.
func AudioOut(f audio.Frame) Outbound { return Outbound{Kind: OutboundAudio, Frame: f} }

// TextOut wraps a user-role text turn.
func TextOut(text string) Outbound { return Outbound{Kind: OutboundText, Text: text} }

// ToolResultOut wraps a tool result.
func ToolResultOut(r upstream.ToolResult) Outbound {
	return Outbound{Kind: OutboundToolResult, ToolResult: r}
}
