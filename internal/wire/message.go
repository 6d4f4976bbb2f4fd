// Package wire defines the signaling wire protocol consumed from the
// signaling server (§6): message envelope, type enum, and the typed
// payloads carried for offer/answer/candidate exchange.
package wire

import "encoding/json"

// MessageType identifies the kind of signaling message (§3).
type MessageType string

const (
	TypeOpen      MessageType = "OPEN"
	TypeError     MessageType = "ERROR"
	TypeIDTaken   MessageType = "ID-TAKEN"
	TypeInvalidKy MessageType = "INVALID-KEY"
	TypeLeave     MessageType = "LEAVE"
	TypeExpire    MessageType = "EXPIRE"
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"
	TypeHeartbeat MessageType = "HEARTBEAT"
)

// Message is the JSON envelope exchanged over the signaling WebSocket.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is carried by Type == TypeError.
type ErrorPayload struct {
	Msg string `json:"msg"`
}

// SDPPayload is carried by Type == TypeOffer or TypeAnswer.
//
// Label/Reliable/Serialization/Metadata are only meaningful on an Offer —
// they describe the data channel the offer wants to establish (§4.4).
type SDPPayload struct {
	SDP           string `json:"sdp"`
	Type          string `json:"type"` // "offer" | "answer"
	ConnectionID  string `json:"connectionId"`
	Label         string `json:"label,omitempty"`
	Reliable      bool   `json:"reliable,omitempty"`
	Serialization string `json:"serialization,omitempty"`
	Metadata      []byte `json:"metadata,omitempty"`
}

// CandidatePayload is carried by Type == TypeCandidate.
type CandidatePayload struct {
	Candidate    json.RawMessage `json:"candidate"`
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId"`
}

// DecodePayload unmarshals msg.Payload into v.
func DecodePayload(msg Message, v any) error {
	return json.Unmarshal(msg.Payload, v)
}

// EncodeMessage builds a Message envelope with payload marshaled to JSON.
func EncodeMessage(typ MessageType, src, dst string, payload any) (Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		raw = data
	}
	return Message{Type: typ, Src: src, Dst: dst, Payload: raw}, nil
}
