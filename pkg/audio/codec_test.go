package audio_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/starlight/pkg/audio"
)

func TestParseMIME(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantRate int
		wantErr  bool
	}{
		{in: "audio/pcm;rate=16000", wantRate: 16000},
		{in: "audio/pcm; rate=24000", wantRate: 24000},
		{in: "audio/pcm", wantRate: 16000},
		{in: "audio/opus", wantErr: true},
		{in: "audio/pcm;rate=abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			rate, err := audio.ParseMIME(tc.in, 16000)
			if tc.wantErr {
				if !errors.Is(err, audio.ErrUnsupportedMIME) {
					t.Fatalf("err = %v, want ErrUnsupportedMIME", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rate != tc.wantRate {
				t.Errorf("rate = %d, want %d", rate, tc.wantRate)
			}
		})
	}
}

func TestEncodeDecodeChunk(t *testing.T) {
	t.Parallel()

	in := audio.Frame{Data: []byte{1, 2, 3, 4}, SampleRate: 24000, Channels: 1}
	mimeType, data := audio.EncodeChunk(in)
	if mimeType != "audio/pcm;rate=24000" {
		t.Errorf("mime = %q", mimeType)
	}

	pcm, format, err := audio.DecodeChunk(mimeType, data, 16000)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if string(pcm) != string(in.Data) {
		t.Errorf("pcm = %v, want %v", pcm, in.Data)
	}
	if format.SampleRate != 24000 || format.Channels != 1 {
		t.Errorf("format = %+v", format)
	}
}

func TestDecodeChunk_Malformed(t *testing.T) {
	t.Parallel()

	if _, _, err := audio.DecodeChunk("audio/pcm", "!!!", 16000); !errors.Is(err, audio.ErrMalformedChunk) {
		t.Errorf("bad base64: err = %v", err)
	}
	// "AQID" is three bytes: not a whole number of samples.
	if _, _, err := audio.DecodeChunk("audio/pcm", "AQID", 16000); !errors.Is(err, audio.ErrMalformedChunk) {
		t.Errorf("odd length: err = %v", err)
	}
}
