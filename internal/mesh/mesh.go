// Package mesh implements NetworkManager (§4.5): the mesh-discovery layer
// that exchanges peer lists over an already-open RemoteNode and triggers
// transitive connection attempts.
package mesh

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/node"
)

// retryBase / maxRetries implement §4.5's "base x 2^attempt, base = 1s, max
// 3 attempts" handshake retry policy, expressed with
// github.com/cenkalti/backoff/v4's exponential policy rather than a
// hand-rolled timer ladder.
const (
	retryBase  = 1 * time.Second
	maxRetries = 3
)

const (
	typeMeshPeers    = "mesh-peers"
	typeMeshPeersAck = "mesh-peers-ack"
)

// envelope is the wire shape of a mesh-control payload carried over a
// DataConnection, always marked with the PeerJS-style internal sentinel.
type envelope struct {
	Internal    bool     `json:"__peerJSInternal"`
	Type        string   `json:"type"`
	Peers       []string `json:"peers,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	RequiresAck bool     `json:"requiresAck,omitempty"`
}

// handshake tracks one in-flight mesh-peers exchange with a single peer.
type handshake struct {
	timestamp int64
	attempt   int
	b         backoff.BackOff
	stopRetry chan struct{}
	done      bool
}

// Manager is the NetworkManager: it owns one handshake record per peer and
// drives the retry/ack protocol described in §4.5.
type Manager struct {
	log *logx.Logger

	mu         sync.Mutex
	handshakes map[string]*handshake

	// OnConnectToPeers fires with the set of peers a mesh-peers message
	// named, for the owning MeshClient to dial (§4.5's
	// "connect-to-peers(peers)").
	OnConnectToPeers func(peers []string)
}

// New creates a Manager. log receives every diagnostic the handshake
// protocol emits. The owning MeshClient supplies its own id's exclusion
// from outgoing peer lists via the peersFunc passed to AttachNode, not
// here.
func New(log *logx.Logger) *Manager {
	return &Manager{
		log:        log,
		handshakes: make(map[string]*handshake),
	}
}

// AttachNode wires the handshake's send/receive hooks to n, and kicks off
// the initial mesh-peers send. peersFunc returns a fresh snapshot of every
// currently-open remote peer id (excluding n.Peer) at send time. nowMillis
// is injected rather than read from time.Now() directly so the handshake
// timestamp stays deterministic in tests.
func (m *Manager) AttachNode(n *node.Node, peersFunc func() []string, nowMillis func() int64) {
	n.OnInternal = func(raw []byte) {
		m.handleInternal(n, raw, peersFunc, nowMillis)
	}
	n.OnOpen = wrapOnOpen(n.OnOpen, func() {
		m.startHandshake(n, peersFunc(), nowMillis())
	})
	n.OnClose = wrapOnClose(n.OnClose, func() {
		m.dropHandshake(n.Peer)
	})
}

func wrapOnOpen(existing, added func()) func() {
	return func() {
		if existing != nil {
			existing()
		}
		added()
	}
}

func wrapOnClose(existing, added func()) func() {
	return func() {
		if existing != nil {
			existing()
		}
		added()
	}
}

// startHandshake sends the initial mesh-peers message and arms the retry
// back-off. Per §4.5's Open Question resolution, this always sends, even
// when peers is empty.
func (m *Manager) startHandshake(n *node.Node, peers []string, timestamp int64) {
	m.mu.Lock()
	if _, exists := m.handshakes[n.Peer]; exists {
		m.mu.Unlock()
		return
	}
	bo := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     retryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         retryBase * (1 << maxRetries),
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}, maxRetries)
	bo.Reset()
	hs := &handshake{timestamp: timestamp, b: bo, stopRetry: make(chan struct{})}
	m.handshakes[n.Peer] = hs
	m.mu.Unlock()

	m.sendMeshPeers(n, peers, timestamp)
	go m.retryLoop(n, peers, hs)
}

func (m *Manager) retryLoop(n *node.Node, peers []string, hs *handshake) {
	for hs.attempt < maxRetries {
		wait := hs.b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-time.After(wait):
		case <-hs.stopRetry:
			return
		}

		m.mu.Lock()
		done := hs.done
		m.mu.Unlock()
		if done {
			return
		}

		hs.attempt++
		m.log.Debug("mesh: retrying handshake with %s (attempt %d)", n.Peer, hs.attempt)
		m.sendMeshPeers(n, peers, hs.timestamp)
	}
}

func (m *Manager) sendMeshPeers(n *node.Node, peers []string, timestamp int64) {
	env := envelope{
		Internal:    true,
		Type:        typeMeshPeers,
		Peers:       peers,
		Timestamp:   timestamp,
		RequiresAck: true,
	}
	m.sendEnvelope(n, env)
}

func (m *Manager) sendEnvelope(n *node.Node, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		m.log.Debug("mesh: marshal envelope for %s: %v", n.Peer, err)
		return
	}
	if err := n.Send(data, "reliable"); err != nil {
		m.log.Debug("mesh: send to %s failed: %v", n.Peer, err)
	}
}

// handleInternal processes an inbound mesh-control payload routed to this
// peer's node (§4.5 steps 2-3).
func (m *Manager) handleInternal(n *node.Node, raw []byte, peersFunc func() []string, nowMillis func() int64) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.log.Debug("mesh: bad internal payload from %s: %v", n.Peer, err)
		return
	}

	switch env.Type {
	case typeMeshPeers:
		if env.RequiresAck {
			m.sendEnvelope(n, envelope{Internal: true, Type: typeMeshPeersAck, Timestamp: env.Timestamp})
		}
		if m.OnConnectToPeers != nil {
			m.OnConnectToPeers(env.Peers)
		}
	case typeMeshPeersAck:
		m.acknowledge(n.Peer)
	default:
		m.log.Debug("mesh: unknown internal message type %q from %s", env.Type, n.Peer)
	}
}

// acknowledge marks the handshake with peer complete, cancelling its retry
// loop.
func (m *Manager) acknowledge(peer string) {
	m.mu.Lock()
	hs, ok := m.handshakes[peer]
	if ok && !hs.done {
		hs.done = true
		close(hs.stopRetry)
	}
	m.mu.Unlock()
}

// dropHandshake cancels and discards any handshake state for peer (§4.5
// "On close for a peer").
func (m *Manager) dropHandshake(peer string) {
	m.mu.Lock()
	hs, ok := m.handshakes[peer]
	if ok {
		delete(m.handshakes, peer)
		if !hs.done {
			hs.done = true
			close(hs.stopRetry)
		}
	}
	m.mu.Unlock()
}
