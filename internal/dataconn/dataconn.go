// Package dataconn implements DataConnection (§4.3): a thin adapter over
// one WebRTC data channel, binding open/message/close events, applying a
// Serializer, and enforcing the bufferedAmount backpressure policy.
package dataconn

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.p2p/internal/errs"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/negotiator"
	"github.com/1ureka/1ureka.net.p2p/internal/serializer"
	"github.com/1ureka/1ureka.net.p2p/internal/util"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// highWaterMark / lowWaterMark implement §4.3's backpressure policy ("if
// bufferedAmount would exceed 8 MiB, queue the payload locally and flush
// on bufferedamountlow"). Grounded on the teacher's
// internal/webrtc/channel.go water-mark gate, whose threshold constants
// this widens from the tunnel's 256 KiB / 64 KiB to the mesh's 8 MiB cap.
const (
	highWaterMark = 8 * 1024 * 1024
	lowWaterMark  = 2 * 1024 * 1024
)

// controlEnvelope detects the §4.3 control payload
// `{__peerData: {type: "close"}}`, which forces a graceful close rather
// than being delivered as application data.
type controlEnvelope struct {
	PeerData *struct {
		Type string `json:"type"`
	} `json:"__peerData,omitempty"`
}

// DataConnection is one WebRTC data channel paired with a serializer.
type DataConnection struct {
	Peer          string
	ConnectionID  string
	Label         string
	Reliable      bool
	Serialization serializer.Name

	log *logx.Logger
	neg *negotiator.Negotiator
	ser serializer.Serializer

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	open      bool
	destroyed bool

	bufMu  sync.Mutex
	buffer [][]byte

	// OnOpen fires once, the first time the underlying channel opens.
	OnOpen func()
	// OnData fires for every non-control inbound message, decoded
	// through the serializer.
	OnData func([]byte)
	// OnClose fires once, on teardown (remote close, local Close, or the
	// control-payload close signal).
	OnClose func()
	// OnError fires for non-fatal per-message failures (decode errors,
	// send-while-not-open).
	OnError func(error)
}

// New creates a DataConnection bound to neg. The caller is expected to have
// already registered with neg.OnDataChannel before the channel becomes
// available; New does that wiring itself. log receives every diagnostic
// this DataConnection emits.
func New(log *logx.Logger, neg *negotiator.Negotiator, peer, connectionID, label string, reliable bool, ser serializer.Name) *DataConnection {
	c := &DataConnection{
		Peer:          peer,
		ConnectionID:  connectionID,
		Label:         label,
		Reliable:      reliable,
		Serialization: ser,
		log:           log,
		neg:           neg,
		ser:           serializer.For(ser),
	}

	neg.OnDataChannel = func(dc *webrtc.DataChannel) {
		c.bind(dc)
	}
	// The data channel may already exist if New runs after negotiation
	// started (e.g. answerer path, where ondatachannel can race
	// construction order); bind immediately if so.
	if dc := neg.DataChannel(); dc != nil {
		c.bind(dc)
	}
	util.Stats.AddConn(peer)
	return c
}

func (c *DataConnection) bind(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(lowWaterMark)
	dc.OnBufferedAmountLow(c.flush)

	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
		if c.OnOpen != nil {
			c.OnOpen()
		}
		c.flush()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(c.Peer, len(msg.Data))
		c.handleInbound(msg.Data)
	})

	dc.OnClose(func() {
		c.teardown()
	})
}

func (c *DataConnection) handleInbound(frame []byte) {
	payload, err := c.ser.Decode(frame)
	if err != nil {
		c.log.Debug("dataconn %s/%s: decode error: %v", c.Peer, c.ConnectionID, err)
		if c.OnError != nil {
			c.OnError(err)
		}
		return
	}

	var env controlEnvelope
	if len(payload) > 0 && payload[0] == '{' && json.Unmarshal(payload, &env) == nil && env.PeerData != nil {
		if env.PeerData.Type == "close" {
			c.teardown()
			return
		}
	}

	if c.OnData != nil {
		c.OnData(payload)
	}
}

// IsOpen reports whether the underlying data channel has opened.
func (c *DataConnection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.destroyed
}

// Send encodes payload with this connection's serializer and writes it to
// the data channel, honoring the backpressure policy.
func (c *DataConnection) Send(payload []byte) error {
	if !c.IsOpen() {
		err := errs.New(errs.NotOpenYet)
		if c.OnError != nil {
			c.OnError(err)
		}
		return err
	}

	frame, err := c.ser.Encode(payload)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *DataConnection) enqueue(frame []byte) error {
	c.bufMu.Lock()
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if len(c.buffer) > 0 || (dc != nil && dc.BufferedAmount()+uint64(len(frame)) > highWaterMark) {
		c.buffer = append(c.buffer, frame)
		c.bufMu.Unlock()
		return nil
	}
	c.bufMu.Unlock()
	return c.write(dc, frame)
}

func (c *DataConnection) write(dc *webrtc.DataChannel, frame []byte) error {
	if dc == nil {
		return errs.New(errs.NotOpenYet)
	}
	if err := dc.Send(frame); err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	util.Stats.AddSent(c.Peer, len(frame))
	return nil
}

// flush drains the locally-queued backpressure buffer. Bound to
// OnBufferedAmountLow and also called after open, in case sends were
// attempted before the channel finished opening.
func (c *DataConnection) flush() {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return
	}

	for {
		c.bufMu.Lock()
		if len(c.buffer) == 0 {
			c.bufMu.Unlock()
			return
		}
		frame := c.buffer[0]
		c.bufMu.Unlock()

		if dc.BufferedAmount()+uint64(len(frame)) > highWaterMark {
			return // wait for the next bufferedamountlow signal
		}
		if err := c.write(dc, frame); err != nil {
			c.log.Warning("dataconn %s/%s: flush send failed: %v", c.Peer, c.ConnectionID, err)
			return
		}

		c.bufMu.Lock()
		c.buffer = c.buffer[1:]
		c.bufMu.Unlock()
	}
}

// PeerConnection exposes the underlying RTCPeerConnection, e.g. for
// RemoteNode's ping loop (§4.2) to call GetStats().
func (c *DataConnection) PeerConnection() *webrtc.PeerConnection {
	return c.neg.PeerConnection()
}

// HandleMessage routes signaling messages addressed to this connection's
// negotiator (§4.3's handleMessage contract: Answer/Candidate go to the
// negotiator; anything else is logged and ignored).
func (c *DataConnection) HandleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeAnswer:
		var p wire.SDPPayload
		if err := wire.DecodePayload(msg, &p); err != nil {
			c.log.Warning("dataconn %s/%s: bad answer payload: %v", c.Peer, c.ConnectionID, err)
			return
		}
		if err := c.neg.HandleSDP("answer", p.SDP); err != nil {
			if c.OnError != nil {
				c.OnError(err)
			}
		}
	case wire.TypeCandidate:
		var p wire.CandidatePayload
		if err := wire.DecodePayload(msg, &p); err != nil {
			c.log.Warning("dataconn %s/%s: bad candidate payload: %v", c.Peer, c.ConnectionID, err)
			return
		}
		if err := c.neg.HandleCandidate(p.Candidate); err != nil {
			if c.OnError != nil {
				c.OnError(err)
			}
		}
	default:
		c.log.Debug("dataconn %s/%s: ignoring message type %s", c.Peer, c.ConnectionID, msg.Type)
	}
}

// Close tears down the data channel and its negotiator. Safe to call
// multiple times.
func (c *DataConnection) Close() error {
	c.teardown()
	return c.neg.Close()
}

func (c *DataConnection) teardown() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.open = false
	dc := c.dc
	c.mu.Unlock()

	util.Stats.RemoveConn(c.Peer)
	if dc != nil {
		dc.Close()
	}
	if c.OnClose != nil {
		c.OnClose()
	}
}
