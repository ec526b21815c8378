// Package audio holds the PCM framing and chunk codec used on both legs of a
// relayed call.
//
// A [Frame] is the atomic unit of audio moving through the relay: captured
// PCM is cut into fixed-size outbound frames by a [Framer], and audio received
// from the upstream service becomes inbound frames handed to the player. On
// the wire, frames travel as base64 text tagged with an "audio/pcm;rate=N"
// MIME type (see [EncodeChunk] and [DecodeChunk]).
//
// Frames are ephemeral. Nothing in this package retains them after handing
// them on.
package audio

import (
	"fmt"
	"time"
)

// Default PCM contract for both directions: 16 kHz, mono, 16-bit linear.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1

	// bytesPerSample is the width of one s16le sample.
	bytesPerSample = 2
)

// Direction tells which leg of the call a [Frame] belongs to.
type Direction int

const (
	// Outbound frames flow from the capture device to the upstream service.
	Outbound Direction = iota

	// Inbound frames flow from the upstream service to the playback device.
	Inbound
)

// String returns the lower-case name of the direction.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is the 16 kHz mono format the relay assumes on both legs.
var DefaultFormat = Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}

// BytesPer returns the number of PCM bytes covering d at this format.
func (f Format) BytesPer(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * bytesPerSample
}

// Frame is one chunk of s16le PCM plus the metadata needed to play or
// forward it.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	SampleRate int
	Channels   int

	Direction Direction

	// Seq increases monotonically within one direction of one session.
	// A new session starts a fresh sequence space.
	Seq uint64

	// Timestamp is the position of the frame relative to the start of its
	// stream.
	Timestamp time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (bytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
