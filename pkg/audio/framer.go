package audio

import "time"

// DefaultFrameDuration is the length of one outbound frame. 20 ms at 16 kHz
// mono is 640 bytes, small enough to keep capture latency low and large
// enough not to flood the upstream with tiny messages.
const DefaultFrameDuration = 20 * time.Millisecond

// Framer cuts a PCM byte stream into fixed-size frames and stamps each one
// with the next sequence number of its direction. Bytes that do not fill a
// whole frame are carried over to the next call, so a sample is never split.
//
// One Framer serves one direction of one session. It is not safe for
// concurrent use.
type Framer struct {
	dir        Direction
	format     Format
	frameBytes int

	seq     uint64
	elapsed time.Duration
	pending []byte
}

// NewFramer returns a Framer producing frames of frameDur at format f.
// A non-positive frameDur selects [DefaultFrameDuration]; a zero format
// selects [DefaultFormat].
func NewFramer(dir Direction, f Format, frameDur time.Duration) *Framer {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		f = DefaultFormat
	}
	if frameDur <= 0 {
		frameDur = DefaultFrameDuration
	}
	n := f.BytesPer(frameDur)
	if n < bytesPerSample*f.Channels {
		n = bytesPerSample * f.Channels
	}
	return &Framer{dir: dir, format: f, frameBytes: n}
}

// FrameBytes returns the payload size of a full frame.
func (fr *Framer) FrameBytes() int { return fr.frameBytes }

// Frame appends pcm to the carried remainder and returns every complete
// frame now available, in order. It returns nil when less than one frame is
// buffered.
func (fr *Framer) Frame(pcm []byte) []Frame {
	fr.pending = append(fr.pending, pcm...)
	if len(fr.pending) < fr.frameBytes {
		return nil
	}

	frames := make([]Frame, 0, len(fr.pending)/fr.frameBytes)
	for len(fr.pending) >= fr.frameBytes {
		data := make([]byte, fr.frameBytes)
		copy(data, fr.pending[:fr.frameBytes])
		fr.pending = fr.pending[fr.frameBytes:]
		frames = append(frames, fr.Next(data))
	}
	if len(fr.pending) == 0 {
		fr.pending = nil
	}
	return frames
}

// Flush emits the carried remainder as a short frame, trimmed to a whole
// number of samples. It reports false when nothing usable is buffered.
func (fr *Framer) Flush() (Frame, bool) {
	align := bytesPerSample * fr.format.Channels
	n := len(fr.pending) - len(fr.pending)%align
	if n == 0 {
		fr.pending = nil
		return Frame{}, false
	}
	data := make([]byte, n)
	copy(data, fr.pending[:n])
	fr.pending = nil
	return fr.Next(data), true
}

// Next stamps data as the next frame of this direction without re-chunking
// it. Inbound audio keeps the chunk size chosen by the upstream.
func (fr *Framer) Next(data []byte) Frame {
	fr.seq++
	f := Frame{
		Data:       data,
		SampleRate: fr.format.SampleRate,
		Channels:   fr.format.Channels,
		Direction:  fr.dir,
		Seq:        fr.seq,
		Timestamp:  fr.elapsed,
	}
	fr.elapsed += f.Duration()
	return f
}

// Seq returns the sequence number of the last frame produced.
func (fr *Framer) Seq() uint64 { return fr.seq }
