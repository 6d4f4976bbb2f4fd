// Package serializer implements the three built-in application-payload
// codecs a DataConnection may use (§3, §4.3): raw bytes, UTF-8 JSON (with a
// fixed MTU), and length-prefixed binary. All three share the same
// interface so a DataConnection can treat them interchangeably.
package serializer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/1ureka/1ureka.net.p2p/internal/errs"
)

// Name identifies a built-in serializer, used in the Offer payload's
// `serialization` field (§4.4) and MeshClient.Connect's ConnectOptions.
type Name string

const (
	Raw    Name = "raw"
	JSON   Name = "json"
	Binary Name = "binary"
)

// jsonMTU is the fixed maximum encoded size for the JSON serializer (§4.3,
// §8): messages whose encoded size is >= this are rejected.
const jsonMTU = 16300

// Serializer encodes an application payload into bytes ready for
// DataChannel.Send, and decodes bytes received from the channel back into
// an application payload. Implementations must be safe for concurrent use
// by at most one sender and one receiver (never both directions at once
// from the same goroutine — DataConnection serializes each).
type Serializer interface {
	Name() Name
	Encode(payload []byte) ([]byte, error)
	Decode(frame []byte) ([]byte, error)
}

// For constructs the named built-in serializer. Unknown names fall back to
// Raw, mirroring a permissive default rather than failing a Connect call
// over a cosmetic option.
func For(name Name) Serializer {
	switch name {
	case JSON:
		return jsonSerializer{}
	case Binary:
		return binarySerializer{}
	default:
		return rawSerializer{}
	}
}

// ---------------------------------------------------------------------------
// raw
// ---------------------------------------------------------------------------

// rawSerializer passes payload bytes through unchanged.
type rawSerializer struct{}

func (rawSerializer) Name() Name                      { return Raw }
func (rawSerializer) Encode(p []byte) ([]byte, error) { return p, nil }
func (rawSerializer) Decode(f []byte) ([]byte, error) { return f, nil }

// ---------------------------------------------------------------------------
// json
// ---------------------------------------------------------------------------

// jsonSerializer wraps payload as a JSON string frame. The spec requires
// UTF-8 JSON; payload is expected to already be valid UTF-8 (or itself a
// JSON document encoded by the caller) and is base64-free-roundtripped by
// wrapping it in a JSON string value, matching PeerJS's "json" wire mode.
type jsonSerializer struct{}

func (jsonSerializer) Name() Name { return JSON }

func (jsonSerializer) Encode(payload []byte) ([]byte, error) {
	frame, err := json.Marshal(string(payload))
	if err != nil {
		return nil, errs.Wrap(errs.WebRTC, err)
	}
	if len(frame) >= jsonMTU {
		return nil, errs.New(errs.MessageTooBig)
	}
	return frame, nil
}

func (jsonSerializer) Decode(frame []byte) ([]byte, error) {
	var s string
	if err := json.Unmarshal(frame, &s); err != nil {
		return nil, errs.Wrap(errs.WebRTC, err)
	}
	return []byte(s), nil
}

// ---------------------------------------------------------------------------
// binary (length-prefixed)
// ---------------------------------------------------------------------------

// binarySerializer framing is grounded on the teacher's
// internal/protocol/codec.go fixed-header approach, generalized from a
// 9-byte tunnel-packet header to a single 4-byte big-endian length prefix
// around an arbitrary application payload.
type binarySerializer struct{}

func (binarySerializer) Name() Name { return Binary }

func (binarySerializer) Encode(payload []byte) ([]byte, error) {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

func (binarySerializer) Decode(frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, errs.Wrap(errs.WebRTC, fmt.Errorf("binary frame too short: %d bytes", len(frame)))
	}
	n := binary.BigEndian.Uint32(frame[:4])
	if int(n) != len(frame)-4 {
		return nil, errs.Wrap(errs.WebRTC, fmt.Errorf("binary frame length mismatch: header says %d, have %d", n, len(frame)-4))
	}
	payload := make([]byte, n)
	copy(payload, frame[4:])
	return payload, nil
}
