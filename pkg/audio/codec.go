package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strconv"
)

// pcmMediaType is the only media type the relay forwards.
const pcmMediaType = "audio/pcm"

var (
	// ErrUnsupportedMIME is returned for chunks that are not raw PCM.
	ErrUnsupportedMIME = errors.New("audio: unsupported mime type")

	// ErrMalformedChunk is returned for chunks whose payload cannot be
	// decoded into whole s16le samples.
	ErrMalformedChunk = errors.New("audio: malformed chunk")
)

// MIMEType returns the transport tag for mono PCM at rate, e.g.
// "audio/pcm;rate=16000".
func MIMEType(rate int) string {
	return pcmMediaType + ";rate=" + strconv.Itoa(rate)
}

// ParseMIME extracts the sample rate from a PCM transport tag. A bare
// "audio/pcm" yields defaultRate.
func ParseMIME(mimeType string, defaultRate int) (int, error) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMIME, mimeType)
	}
	if mediaType != pcmMediaType {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMIME, mediaType)
	}
	raw, ok := params["rate"]
	if !ok {
		return defaultRate, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: bad rate %q", ErrUnsupportedMIME, raw)
	}
	return rate, nil
}

// EncodeChunk renders f in its transport-safe form: a MIME tag and the
// base64 text of its PCM payload.
func EncodeChunk(f Frame) (mimeType, data string) {
	rate := f.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return MIMEType(rate), base64.StdEncoding.EncodeToString(f.Data)
}

// DecodeChunk reverses [EncodeChunk]. The returned format is mono at the rate
// named by mimeType (or defaultRate when the tag omits it).
func DecodeChunk(mimeType, data string, defaultRate int) ([]byte, Format, error) {
	rate, err := ParseMIME(mimeType, defaultRate)
	if err != nil {
		return nil, Format{}, err
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if len(pcm)%bytesPerSample != 0 {
		return nil, Format{}, fmt.Errorf("%w: odd byte count %d", ErrMalformedChunk, len(pcm))
	}
	return pcm, Format{SampleRate: rate, Channels: DefaultChannels}, nil
}
