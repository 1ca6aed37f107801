package audio_test

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/dialtone/pkg/audio"
)

func TestMulawToLinear_KnownCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code byte
		want int16
	}{
		{0xFF, 0},
		{0x7F, 0},
		{0x00, -32124},
		{0x80, 32124},
		{0xF0, 120},
		{0x70, -120},
	}
	for _, tt := range tests {
		if got := audio.MulawToLinear(tt.code); got != tt.want {
			t.Errorf("MulawToLinear(%#x) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestDecodeMulaw_OneSamplePerByte(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 159, 160, 800} {
		enc := make([]byte, n)
		for i := range enc {
			enc[i] = byte(i)
		}
		got := audio.DecodeMulaw(enc)
		if len(got) != n {
			t.Errorf("len(DecodeMulaw(%d bytes)) = %d, want %d", n, len(got), n)
		}
	}
}

func TestDecodeMulaw_SymmetricSigns(t *testing.T) {
	t.Parallel()

	for c := 0; c < 128; c++ {
		neg := audio.MulawToLinear(byte(c))
		pos := audio.MulawToLinear(byte(c) | 0x80)
		if neg != -pos {
			t.Errorf("code %#x: %d is not the negation of %d", c, neg, pos)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	enc := []byte{0xFF, 0x00, 0x80}
	samples, err := audio.DecodePayload(base64.StdEncoding.EncodeToString(enc))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	want := []int16{0, -32124, 32124}
	if len(samples) != len(want) {
		t.Fatalf("len = %d, want %d", len(samples), len(want))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestDecodePayload_Errors(t *testing.T) {
	t.Parallel()

	if _, err := audio.DecodePayload(""); !errors.Is(err, audio.ErrEmptyFrame) {
		t.Errorf("empty payload: err = %v, want ErrEmptyFrame", err)
	}
	if _, err := audio.DecodePayload("!!not-base64!!"); err == nil {
		t.Error("malformed payload: expected error, got nil")
	}
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	t.Parallel()

	in := []int16{0, 1, -1, 32767, -32768}
	b := audio.SamplesToBytes(in)
	if len(b) != len(in)*2 {
		t.Fatalf("len(bytes) = %d, want %d", len(b), len(in)*2)
	}
	if b[2] != 0x01 || b[3] != 0x00 {
		t.Errorf("sample 1 not little-endian: % x", b[2:4])
	}
	out := audio.BytesToSamples(b)
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		rate  int
		want  time.Duration
	}{
		{800, 8000, 50 * time.Millisecond},
		{798, 8000, 49875 * time.Microsecond},
		{16000, 8000, time.Second},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := audio.PCMDuration(tt.bytes, tt.rate); got != tt.want {
			t.Errorf("PCMDuration(%d, %d) = %v, want %v", tt.bytes, tt.rate, got, tt.want)
		}
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()

	pcm := audio.SamplesToBytes([]int16{0, 100})
	got := audio.BytesToSamples(audio.ResampleMono16(pcm, 8000, 16000))
	want := []int16{0, 50, 100, 100}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()

	pcm := audio.SamplesToBytes([]int16{1, 2, 3})
	if out := audio.ResampleMono16(pcm, 8000, 8000); len(out) != len(pcm) {
		t.Errorf("len = %d, want %d", len(out), len(pcm))
	}
}
