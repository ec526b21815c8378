package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Normalizer brings captured PCM to the relay's target format. Browsers and
// sound cards frequently capture at 44.1 or 48 kHz, sometimes in stereo; the
// upstream expects 16 kHz mono.
//
// It logs once on the first format mismatch. Create one per capture stream;
// it is not meant to be shared across goroutines.
type Normalizer struct {
	Target Format

	warnMismatch sync.Once
}

// Normalize converts pcm captured at from into n.Target. Input already in the
// target format is returned unchanged. Stereo is folded to mono before
// resampling so only one channel is interpolated.
func (n *Normalizer) Normalize(pcm []byte, from Format) []byte {
	if from == n.Target || len(pcm) == 0 {
		return pcm
	}

	n.warnMismatch.Do(func() {
		slog.Warn("audio: converting captured format",
			"from", formatString(from.SampleRate, from.Channels),
			"to", formatString(n.Target.SampleRate, n.Target.Channels),
		)
	})

	if from.Channels == 2 && n.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	if from.SampleRate != n.Target.SampleRate {
		pcm = ResampleMono16(pcm, from.SampleRate, n.Target.SampleRate)
	}
	return pcm
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := min(max((l+r)/2, -32768), 32767)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// formatString renders a format for logs, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
