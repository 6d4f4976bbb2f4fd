package serializer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/1ureka/1ureka.net.p2p/internal/errs"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		ser     Serializer
		payload []byte
	}{
		{"raw empty", For(Raw), nil},
		{"raw bytes", For(Raw), []byte{0x00, 0x01, 0xff}},
		{"json hello", For(JSON), []byte("hello world")},
		{"binary empty", For(Binary), []byte{}},
		{"binary bytes", For(Binary), []byte("the quick brown fox")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := tc.ser.Encode(tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := tc.ser.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, tc.payload) && !(len(got) == 0 && len(tc.payload) == 0) {
				t.Fatalf("round trip mismatch: got %q want %q", got, tc.payload)
			}
		})
	}
}

func TestJSONRejectsOversizedPayload(t *testing.T) {
	big := []byte(strings.Repeat("x", jsonMTU))
	_, err := For(JSON).Encode(big)
	if !errs.Is(err, errs.MessageTooBig) {
		t.Fatalf("expected MessageTooBig, got %v", err)
	}
}

func TestBinaryDecodeRejectsTruncatedFrame(t *testing.T) {
	_, err := For(Binary).Decode([]byte{0, 0, 0, 5, 'a'})
	if err == nil {
		t.Fatal("expected error for length-mismatched frame")
	}
}

func TestForUnknownFallsBackToRaw(t *testing.T) {
	if For(Name("bogus")).Name() != Raw {
		t.Fatal("expected fallback to raw serializer")
	}
}
