// Package negotiator drives a single WebRTC PeerConnection through the
// offer/answer/ICE-candidate exchange of §4.4, from Idle to an
// established data channel (or Closed on failure).
package negotiator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.p2p/internal/errs"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// State is one node of the §4.4 state machine.
type State int

const (
	Idle State = iota
	Offering
	OfferReceived
	Answering
	Answered
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case OfferReceived:
		return "offer-received"
	case Answering:
		return "answering"
	case Answered:
		return "answered"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender is the narrow slice of the signaling transport a Negotiator needs:
// addressed delivery of Offer/Answer/Candidate messages. Satisfied by
// internal/client's per-peer dispatch wrapper around signaling.ServerManager.
type Sender interface {
	SendToPeer(peer string, msg wire.Message) error
}

// Negotiator owns one RTCPeerConnection and drives it from offer/answer
// through ICE to an established data channel. It is grounded on the
// teacher's internal/signaling/exchange.go hostExchange/clientExchange
// pair, generalized into an explicit, restartable state machine: the
// teacher exchanges exactly once per process, while the mesh must run one
// Negotiator per connection, many of which are in flight simultaneously.
type Negotiator struct {
	log          *logx.Logger
	sender       Sender
	peer         string
	connectionID string

	mu    sync.Mutex
	state State
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel

	// OnDataChannel fires once, when the local or remote-provided data
	// channel is available for wiring by the owning DataConnection.
	OnDataChannel func(*webrtc.DataChannel)
	// OnEstablished fires once, when negotiation completes successfully.
	OnEstablished func()
	// OnError fires on a non-terminal negotiation failure (§4.4: "All
	// asynchronous operations catch and surface their errors as WebRTC
	// errors on the owning client without terminating the node").
	OnError func(error)
	// OnClosed fires once, when ICE reports failed/closed and this
	// Negotiator has torn itself down.
	OnClosed func(errs.Kind)

	candidateGatingDone bool // true once ICE reaches "completed" (§4.4 idempotence)
}

// New creates a Negotiator for connectionID, addressed to peer, using
// iceServers for the underlying PeerConnection. log receives every
// diagnostic this Negotiator emits; pass logx.Default if the caller has no
// client-scoped Logger of its own.
func New(log *logx.Logger, sender Sender, peer, connectionID string, iceServers []webrtc.ICEServer) (*Negotiator, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, errs.Wrap(errs.WebRTC, err)
	}

	n := &Negotiator{
		log:          log,
		sender:       sender,
		peer:         peer,
		connectionID: connectionID,
		state:        Idle,
		pc:           pc,
	}
	n.attachPeerConnectionListeners()
	return n, nil
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// attachPeerConnectionListeners wires ICE candidate trickling and
// connection-state transitions, per §4.4's "ICE events" bullets.
func (n *Negotiator) attachPeerConnectionListeners() {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.mu.Lock()
		done := n.candidateGatingDone
		n.mu.Unlock()
		if done {
			return
		}

		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			n.fail(errs.Wrap(errs.WebRTC, err))
			return
		}
		msg, err := wire.EncodeMessage(wire.TypeCandidate, "", n.peer, wire.CandidatePayload{
			Candidate:    data,
			Type:         "candidate",
			ConnectionID: n.connectionID,
		})
		if err != nil {
			n.fail(errs.Wrap(errs.WebRTC, err))
			return
		}
		if err := n.sender.SendToPeer(n.peer, msg); err != nil {
			n.fail(errs.Wrap(errs.Network, err))
		}
	})

	n.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateFailed:
			n.terminal(errs.NegotiationFailed)
		case webrtc.ICEConnectionStateClosed:
			n.terminal(errs.ConnectionClosed)
		case webrtc.ICEConnectionStateDisconnected:
			n.log.Debug("negotiator %s/%s: ICE disconnected", n.peer, n.connectionID)
		case webrtc.ICEConnectionStateCompleted:
			n.mu.Lock()
			n.candidateGatingDone = true
			n.mu.Unlock()
		}
	})

	n.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		n.adoptDataChannel(dc)
	})
}

// adoptDataChannel records dc, binds its open event to the Established
// transition, and notifies the owning DataConnection. Used for both the
// originator's self-created channel and the answerer's ondatachannel
// delivery — the two paths converge here.
func (n *Negotiator) adoptDataChannel(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.dc = dc
	n.mu.Unlock()

	n.bindDataChannelLifecycle(dc)
	if n.OnDataChannel != nil {
		n.OnDataChannel(dc)
	}
}

func (n *Negotiator) fail(err error) {
	n.log.Debug("negotiator %s/%s error: %v", n.peer, n.connectionID, err)
	if n.OnError != nil {
		n.OnError(err)
	}
}

// terminal transitions to Closed and invokes OnClosed exactly once.
func (n *Negotiator) terminal(kind errs.Kind) {
	n.mu.Lock()
	if n.state == Closed {
		n.mu.Unlock()
		return
	}
	n.state = Closed
	n.mu.Unlock()

	n.Close()
	if n.OnClosed != nil {
		n.OnClosed(kind)
	}
}

// ---------------------------------------------------------------------------
// Originator path (§4.4 "Originator path")
// ---------------------------------------------------------------------------

// Offer creates a locally-initiated data channel and drives the originator
// side of negotiation: create offer, set local description, send Offer.
func (n *Negotiator) Offer(ctx context.Context, label string, reliable bool, serialization string, metadata []byte) error {
	n.setState(Offering)

	dc, err := n.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &reliable})
	if err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	n.adoptDataChannel(dc)

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}

	msg, err := wire.EncodeMessage(wire.TypeOffer, "", n.peer, wire.SDPPayload{
		SDP:           offer.SDP,
		Type:          "offer",
		ConnectionID:  n.connectionID,
		Label:         label,
		Reliable:      reliable,
		Serialization: serialization,
		Metadata:      metadata,
	})
	if err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	if err := n.sender.SendToPeer(n.peer, msg); err != nil {
		return errs.Wrap(errs.Network, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Answerer path (§4.4 "Answerer path")
// ---------------------------------------------------------------------------

// HandleOffer sets the remote description from an incoming offer and
// replies with an answer. ondatachannel (wired in attachPeerConnectionListeners)
// delivers the remote-created data channel asynchronously.
func (n *Negotiator) HandleOffer(offerSDP string) error {
	n.setState(OfferReceived)

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}); err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}

	n.setState(Answering)
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}

	msg, err := wire.EncodeMessage(wire.TypeAnswer, "", n.peer, wire.SDPPayload{
		SDP:          answer.SDP,
		Type:         "answer",
		ConnectionID: n.connectionID,
	})
	if err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	if err := n.sender.SendToPeer(n.peer, msg); err != nil {
		return errs.Wrap(errs.Network, err)
	}
	return nil
}

// HandleSDP implements §4.4's handleSDP(type, sdp): set the remote
// description, and if it was an offer, produce and send the answer.
func (n *Negotiator) HandleSDP(sdpType, sdp string) error {
	if sdpType == "offer" {
		return n.HandleOffer(sdp)
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	n.setState(Answered)
	return nil
}

// HandleCandidate implements §4.4's handleCandidate(c): add a remote ICE
// candidate.
func (n *Negotiator) HandleCandidate(candidateJSON json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidateJSON, &init); err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return errs.Wrap(errs.WebRTC, err)
	}
	return nil
}

// bindDataChannelLifecycle wires the one negotiation-relevant data channel
// event this state machine cares about: reaching Established on open.
func (n *Negotiator) bindDataChannelLifecycle(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		n.setState(Established)
		if n.OnEstablished != nil {
			n.OnEstablished()
		}
	})
}

// DataChannel returns the bound data channel, or nil before it exists.
func (n *Negotiator) DataChannel() *webrtc.DataChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dc
}

// PeerConnection exposes the underlying handle, e.g. for RemoteNode's
// ping loop (§4.2) to call GetStats().
func (n *Negotiator) PeerConnection() *webrtc.PeerConnection {
	return n.pc
}

// Close closes the peer connection unless it is already closed. Safe to
// call multiple times. The listeners registered on the peer connection and
// data channel are not detached.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return nil
	}
	if pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}
	return pc.Close()
}
