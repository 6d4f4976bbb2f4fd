// Package node implements RemoteNode (§4.2): the logical peer endpoint
// backed by one or more DataConnections, with an open-latch, connection
// deduplication, lost-message replay, and periodic latency monitoring.
package node

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.p2p/internal/dataconn"
	"github.com/1ureka/1ureka.net.p2p/internal/errs"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// dedupSettleDelay is the §4.2 "100 ms settle delay" before closing every
// connection but the one with the lexicographically smallest ConnectionId.
const dedupSettleDelay = 100 * time.Millisecond

// pingInterval is the §4.2/§5 5 s latency-sampling period.
const pingInterval = 5 * time.Second

// internalEnvelope is the minimal shape RemoteNode needs to classify an
// inbound data payload per §4.2's "Message routing": messages carrying
// `__peerJSInternal: true` are mesh-control traffic, routed to OnInternal
// instead of OnData.
type internalEnvelope struct {
	Internal bool `json:"__peerJSInternal"`
}

// Node is a RemoteNode: the aggregate of every DataConnection negotiated
// with one remote peer.
type Node struct {
	Peer string

	log *logx.Logger

	mu          sync.Mutex
	connections map[string]*dataconn.DataConnection
	lost        map[string][]wire.Message

	open      bool
	destroyed bool
	openOnce  sync.Once
	closeOnce sync.Once

	dedupTimer *time.Timer

	pingStop chan struct{}
	pingOnce sync.Once

	// OnOpen fires once, the first time any connection opens.
	OnOpen func()
	// OnData fires for every inbound application payload that is not
	// internal mesh-control traffic.
	OnData func([]byte)
	// OnInternal fires for inbound payloads carrying `__peerJSInternal:
	// true` — wired by internal/mesh to receive handshake traffic.
	OnInternal func(raw []byte)
	// OnClose fires once, when the node is fully torn down.
	OnClose func()
	// OnError fires for non-fatal per-connection failures.
	OnError func(error)
	// OnPing fires with a new round-trip estimate, in milliseconds.
	OnPing func(ms float64)
}

// New creates an empty RemoteNode for peer. log receives every diagnostic
// this Node and its connections emit.
func New(log *logx.Logger, peer string) *Node {
	return &Node{
		Peer:        peer,
		log:         log,
		connections: make(map[string]*dataconn.DataConnection),
		lost:        make(map[string][]wire.Message),
	}
}

// IsOpen reports whether the node has reached its open-latch.
func (n *Node) IsOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.open && !n.destroyed
}

// AddConnection registers c, wires its lifecycle callbacks, and replays any
// lost messages queued under its ConnectionID.
func (n *Node) AddConnection(c *dataconn.DataConnection) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		c.Close()
		return
	}
	n.connections[c.ConnectionID] = c
	queued := n.lost[c.ConnectionID]
	delete(n.lost, c.ConnectionID)
	n.mu.Unlock()

	for _, m := range queued {
		c.HandleMessage(m)
	}

	c.OnOpen = func() { n.handleConnectionOpen(c) }
	c.OnData = func(p []byte) { n.handleData(p) }
	c.OnClose = func() { n.removeConnection(c.ConnectionID) }
	c.OnError = func(err error) {
		n.log.Debug("node %s: connection %s error: %v", n.Peer, c.ConnectionID, err)
		if n.OnError != nil {
			n.OnError(err)
		}
	}
}

// Connection looks up a connection by ConnectionId.
func (n *Node) Connection(connectionID string) (*dataconn.DataConnection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.connections[connectionID]
	return c, ok
}

// ForgetConnection drops connectionID from the connection set without
// running the empty-set close cascade, for callers (MeshClient's Offer
// handling) that are about to immediately register a replacement
// connection under the same id (§4.1: "If a connection with that id
// already exists, close it and recreate").
func (n *Node) ForgetConnection(connectionID string) {
	n.mu.Lock()
	delete(n.connections, connectionID)
	n.mu.Unlock()
}

// removeConnection drops c from the connection set, idempotent on identity.
// If the node is left with no connections and is not already destroyed, it
// cascades into Close (§4.2 "Node-destruction cascade").
func (n *Node) removeConnection(connectionID string) {
	n.mu.Lock()
	delete(n.connections, connectionID)
	empty := len(n.connections) == 0
	destroyed := n.destroyed
	n.mu.Unlock()

	if empty && !destroyed {
		n.Close()
	}
}

// handleConnectionOpen latches the open state (emitting OnOpen exactly
// once) and, if more than one connection is now open, schedules the dedup
// settle timer.
func (n *Node) handleConnectionOpen(c *dataconn.DataConnection) {
	n.openOnce.Do(func() {
		n.mu.Lock()
		n.open = true
		n.mu.Unlock()
		if n.OnOpen != nil {
			n.OnOpen()
		}
		n.startPingLoop()
	})

	n.mu.Lock()
	openCount := 0
	for _, conn := range n.connections {
		if conn.IsOpen() {
			openCount++
		}
	}
	needsDedup := openCount > 1 && n.dedupTimer == nil
	if needsDedup {
		n.dedupTimer = time.AfterFunc(dedupSettleDelay, n.reconcileDuplicates)
	}
	n.mu.Unlock()
}

// reconcileDuplicates keeps the open connection with the lexicographically
// smallest ConnectionId and closes the rest (§4.2 "Deduplication
// algorithm"). Both peers run the same sort, so they converge on the same
// survivor without further coordination.
func (n *Node) reconcileDuplicates() {
	n.mu.Lock()
	n.dedupTimer = nil
	var open []*dataconn.DataConnection
	for _, c := range n.connections {
		if c.IsOpen() {
			open = append(open, c)
		}
	}
	n.mu.Unlock()

	if len(open) <= 1 {
		return
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ConnectionID < open[j].ConnectionID })
	for _, loser := range open[1:] {
		n.log.Debug("node %s: closing duplicate connection %s", n.Peer, loser.ConnectionID)
		loser.Close()
	}
}

func (n *Node) handleData(payload []byte) {
	var env internalEnvelope
	if len(payload) > 0 && payload[0] == '{' && json.Unmarshal(payload, &env) == nil && env.Internal {
		if n.OnInternal != nil {
			n.OnInternal(payload)
		}
		return
	}
	if n.OnData != nil {
		n.OnData(payload)
	}
}

// HandleMessage routes a signaling message addressed to connectionID. If
// the connection does not yet exist, the message is queued in lost and
// replayed once AddConnection is called for that id.
func (n *Node) HandleMessage(connectionID string, msg wire.Message) {
	n.mu.Lock()
	c, ok := n.connections[connectionID]
	if !ok {
		n.lost[connectionID] = append(n.lost[connectionID], msg)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	c.HandleMessage(msg)
}

// Send selects a channel by label (falling back to any open connection)
// and delivers payload through it, per §4.2's Contract.
func (n *Node) Send(payload []byte, label string) error {
	if !n.IsOpen() {
		return errs.WrapPeer(errs.NotOpenYet, n.Peer, nil)
	}

	n.mu.Lock()
	var byLabel, any *dataconn.DataConnection
	for _, c := range n.connections {
		if !c.IsOpen() {
			continue
		}
		if any == nil {
			any = c
		}
		if c.Label == label && byLabel == nil {
			byLabel = c
		}
	}
	n.mu.Unlock()

	target := byLabel
	if target == nil {
		target = any
	}
	if target == nil {
		return errs.WrapPeer(errs.NoOpenConnection, n.Peer, nil)
	}
	return target.Send(payload)
}

// startPingLoop launches the 5 s latency sampler. Idempotent — a second
// call while the loop is already running is a no-op.
func (n *Node) startPingLoop() {
	n.pingOnce.Do(func() {
		n.mu.Lock()
		n.pingStop = make(chan struct{})
		stop := n.pingStop
		n.mu.Unlock()
		go n.pingLoop(stop)
	})
}

func (n *Node) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.samplePing()
		case <-stop:
			return
		}
	}
}

// samplePing picks any open connection with a live PeerConnection, reads
// its stats, and averages currentRoundTripTime*1000 over candidate pairs
// in the "succeeded" state (§4.2 "Latency monitoring"). A transient
// failure is swallowed; the next tick retries.
func (n *Node) samplePing() {
	n.mu.Lock()
	var pc *webrtc.PeerConnection
	for _, c := range n.connections {
		if c.IsOpen() {
			if candidate := c.PeerConnection(); candidate != nil {
				pc = candidate
				break
			}
		}
	}
	n.mu.Unlock()
	if pc == nil {
		return
	}

	report := pc.GetStats()
	var sum float64
	var count int
	for _, entry := range report {
		pair, ok := entry.(webrtc.ICECandidatePairStats)
		if !ok {
			continue
		}
		if pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		sum += pair.CurrentRoundTripTime * 1000
		count++
	}
	if count == 0 {
		return
	}
	if n.OnPing != nil {
		n.OnPing(sum / float64(count))
	}
}

// Close tears every connection down, cancels timers, and emits OnClose
// exactly once (§4.2 "Node-destruction cascade").
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.destroyed = true
		conns := make([]*dataconn.DataConnection, 0, len(n.connections))
		for _, c := range n.connections {
			conns = append(conns, c)
		}
		n.connections = make(map[string]*dataconn.DataConnection)
		if n.dedupTimer != nil {
			n.dedupTimer.Stop()
			n.dedupTimer = nil
		}
		stop := n.pingStop
		n.mu.Unlock()

		if stop != nil {
			select {
			case <-stop:
			default:
				close(stop)
			}
		}
		for _, c := range conns {
			c.Close()
		}
		if n.OnClose != nil {
			n.OnClose()
		}
	})
}
