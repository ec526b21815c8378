package gateway

import (
	"github.com/MrWong99/starlight/internal/session"
	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/internal/transcript"
	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
)

// Message types exchanged with the browser. All frames are JSON text.
const (
	// client → server
	TypeAudio   = "audio"
	TypeTalk    = "talk"
	TypeConnect = "connect"
	TypeHangup  = "hangup"

	// server → client
	TypeInputTranscription  = "input_transcription"
	TypeOutputTranscription = "output_transcription"
	TypeToolEvent           = "tool_event"
	TypeState               = "state"
	TypeError               = "error"
)

// Error kinds raised by the gateway itself, in addition to the call's own
// error kinds.
const (
	ErrorBadRequest   = "bad_request"
	ErrorNotConnected = "not_connected"
	ErrorCapacity     = "capacity"
)

// ClientMessage is any message sent by the browser.
type ClientMessage struct {
	Type string `json:"type"`

	// MimeType and Data carry captured audio ("audio/pcm" or
	// "audio/pcm;rate=N", base64 s16le mono).
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`

	// On is the push-to-talk flag of a talk message.
	On bool `json:"on,omitempty"`
}

// AudioMessage carries one inbound frame to the browser.
type AudioMessage struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
	Seq      uint64 `json:"seq"`
}

// TranscriptMessage carries one transcript entry. Entries with the same ID
// replace each other in the UI; a retracted entry removes it.
type TranscriptMessage struct {
	Type      string `json:"type"`
	ID        uint64 `json:"id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
	Retracted bool   `json:"retracted,omitempty"`
}

// ToolEventMessage carries a confirmed tool invocation, e.g. an order.
type ToolEventMessage struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload"`
}

// StateMessage reports a connection state change.
type StateMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// ErrorMessage reports a diagnostic.
type ErrorMessage struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func audioMessage(f audio.Frame) AudioMessage {
	mimeType, data := audio.EncodeChunk(f)
	return AudioMessage{Type: TypeAudio, MimeType: mimeType, Data: data, Seq: f.Seq}
}

func transcriptMessage(e transcript.Entry) TranscriptMessage {
	typ := TypeOutputTranscription
	if e.Speaker == upstream.SpeakerUser {
		typ = TypeInputTranscription
	}
	return TranscriptMessage{
		Type:      typ,
		ID:        e.ID,
		Speaker:   string(e.Speaker),
		Text:      e.Text,
		Final:     e.Finality == transcript.Final,
		Retracted: e.Finality == transcript.Retracted,
	}
}

func toolEventMessage(ev toolbridge.Event) ToolEventMessage {
	return ToolEventMessage{Type: TypeToolEvent, Name: ev.Name, RequestID: ev.RequestID, Payload: ev.Payload}
}

func stateMessage(st session.State) StateMessage {
	return StateMessage{Type: TypeState, State: st.String()}
}

func errorMessage[K ~string](kind K, detail string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Kind: string(kind), Detail: detail}
}
