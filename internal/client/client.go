// Package client implements MeshClient (§4.1): the top-level coordinator
// that owns the signaling session, routes inbound signaling messages, and
// tracks the set of remote peers.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/1ureka.net.p2p/internal/config"
	"github.com/1ureka/1ureka.net.p2p/internal/dataconn"
	"github.com/1ureka/1ureka.net.p2p/internal/errs"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/mesh"
	"github.com/1ureka/1ureka.net.p2p/internal/meshid"
	"github.com/1ureka/1ureka.net.p2p/internal/negotiator"
	"github.com/1ureka/1ureka.net.p2p/internal/node"
	"github.com/1ureka/1ureka.net.p2p/internal/serializer"
	"github.com/1ureka/1ureka.net.p2p/internal/signaling"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// MeshClient is the top-level coordinator (§4.1): it owns the signaling
// session, the set of RemoteNodes, and the mesh-discovery handshake
// manager shared across all of them.
type MeshClient struct {
	opts config.Options
	log  *logx.Logger

	sigMgr  *signaling.ServerManager
	meshMgr *mesh.Manager

	mu           sync.Mutex
	id           string
	idAssigned   bool
	disconnected bool
	destroyed    bool
	manualClose  bool
	nodes        map[string]*node.Node
	attempts     map[string]struct{}
	lostByPeer   map[string][]wire.Message

	// OnOpen fires once the signaling session is established, with the
	// assigned or confirmed PeerId.
	OnOpen func(id string)
	// OnConnection fires when a remote peer initiates a connection to us
	// (an inbound Offer creates a new RemoteNode).
	OnConnection func(n *node.Node)
	// OnDisconnected fires when Disconnect severs the signaling session.
	OnDisconnected func(id string)
	// OnClose fires once, when Destroy tears everything down.
	OnClose func()
	// OnError fires for every non-fatal error surfaced by a node,
	// connection, or the signaling layer, and also precedes the abort
	// path for fatal errors.
	OnError func(err error)
}

// New creates a MeshClient and starts asynchronous signaling bring-up
// (§4.1's "starting asynchronous signaling bring-up" — New never blocks on
// network I/O). id may be empty, in which case the signaling server
// assigns one.
func New(ctx context.Context, opts config.Options, id string) *MeshClient {
	opts = opts.WithDefaults()
	log := logx.New(opts.LogFunc)
	c := &MeshClient{
		opts:       opts,
		log:        log,
		id:         id,
		nodes:      make(map[string]*node.Node),
		attempts:   make(map[string]struct{}),
		lostByPeer: make(map[string][]wire.Message),
		meshMgr:    mesh.New(log),
	}
	c.sigMgr = signaling.NewServerManager(log, opts, id)
	c.meshMgr.OnConnectToPeers = c.handleConnectToPeers

	go c.bringUp(ctx)
	return c
}

// ID returns the current PeerId, which may be empty until OnOpen fires.
func (c *MeshClient) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *MeshClient) bringUp(ctx context.Context) {
	if err := c.sigMgr.Start(ctx); err != nil {
		c.abort(errs.Wrap(errs.ServerError, err))
		return
	}
	go c.readLoop(ctx)
}

func (c *MeshClient) readLoop(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.sigMgr.Messages():
			if !ok {
				return
			}
			c.dispatch(msg)
		case <-c.sigMgr.Closed():
			c.handleSocketClosed()
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch implements §4.1's signaling message routing table.
func (c *MeshClient) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.TypeOpen:
		c.handleOpen()
	case wire.TypeError:
		var p wire.ErrorPayload
		wire.DecodePayload(msg, &p)
		c.abort(errs.Wrap(errs.ServerError, fmt.Errorf("%s", p.Msg)))
	case wire.TypeIDTaken:
		c.abort(errs.New(errs.UnavailableID))
	case wire.TypeInvalidKy:
		c.abort(errs.New(errs.InvalidKey))
	case wire.TypeExpire:
		// Open Question (c): emit the error, then clean up, in that order.
		if c.OnError != nil {
			c.OnError(errs.WrapPeer(errs.PeerUnavailable, msg.Src, nil))
		}
		c.clearAttempt(msg.Src)
	case wire.TypeLeave:
		c.mu.Lock()
		n, ok := c.nodes[msg.Src]
		c.mu.Unlock()
		if ok {
			n.Close()
		}
	case wire.TypeOffer:
		c.handleOffer(msg)
	case wire.TypeAnswer, wire.TypeCandidate:
		c.handleAnswerOrCandidate(msg)
	default:
		c.log.Debug("client: ignoring unknown signaling message type %q", msg.Type)
	}
}

func (c *MeshClient) handleOpen() {
	c.mu.Lock()
	c.id = c.sigMgr.ID()
	c.idAssigned = true
	id := c.id
	c.mu.Unlock()
	if c.OnOpen != nil {
		c.OnOpen(id)
	}
}

// handleSocketClosed implements the fatal "socket closed before Open"
// path, but only for an unsolicited close — Disconnect/Destroy set
// manualClose before closing the socket themselves.
func (c *MeshClient) handleSocketClosed() {
	c.mu.Lock()
	manual := c.manualClose
	c.mu.Unlock()
	if manual {
		return
	}
	c.abort(errs.New(errs.SocketClosed))
}

// abort implements §4.1/§7's error escalation policy: emit the error, then
// destroy if no id was ever issued, else merely disconnect (preserving
// already-open P2P links).
func (c *MeshClient) abort(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
	c.mu.Lock()
	assigned := c.idAssigned
	c.mu.Unlock()
	if !assigned {
		c.Destroy()
	} else {
		c.Disconnect()
	}
}

// ---------------------------------------------------------------------------
// Offer / Answer / Candidate handling
// ---------------------------------------------------------------------------

func (c *MeshClient) handleOffer(msg wire.Message) {
	var p wire.SDPPayload
	if err := wire.DecodePayload(msg, &p); err != nil {
		c.log.Warning("client: bad offer payload from %s: %v", msg.Src, err)
		return
	}
	peer := msg.Src

	c.mu.Lock()
	n, existed := c.nodes[peer]
	if !existed {
		n = node.New(c.log, peer)
		c.nodes[peer] = n
	}
	c.mu.Unlock()

	if !existed {
		c.wireNode(n)
		if c.OnConnection != nil {
			c.OnConnection(n)
		}
	}

	if existingConn, ok := n.Connection(p.ConnectionID); ok {
		existingConn.OnClose = nil // detach before recreate; avoid a spurious empty-set cascade
		existingConn.Close()
		n.ForgetConnection(p.ConnectionID)
	}

	neg, err := negotiator.New(c.log, c.sender(), peer, p.ConnectionID, c.opts.ICEServers)
	if err != nil {
		c.surfaceError(err)
		return
	}
	dc := dataconn.New(c.log, neg, peer, p.ConnectionID, p.Label, p.Reliable, serializer.Name(p.Serialization))
	n.AddConnection(dc)

	if err := neg.HandleOffer(p.SDP); err != nil {
		c.surfaceError(err)
	}
}

func (c *MeshClient) handleAnswerOrCandidate(msg wire.Message) {
	var connID, peer string
	peer = msg.Src
	switch msg.Type {
	case wire.TypeAnswer:
		var p wire.SDPPayload
		if err := wire.DecodePayload(msg, &p); err != nil {
			return
		}
		connID = p.ConnectionID
	case wire.TypeCandidate:
		var p wire.CandidatePayload
		if err := wire.DecodePayload(msg, &p); err != nil {
			return
		}
		connID = p.ConnectionID
	}

	c.mu.Lock()
	n, ok := c.nodes[peer]
	if !ok {
		c.lostByPeer[peer] = append(c.lostByPeer[peer], msg)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	n.HandleMessage(connID, msg)
}

// ---------------------------------------------------------------------------
// Public API: connect / broadcast / disconnect / destroy / reconnect
// ---------------------------------------------------------------------------

// Connect implements §4.1's connect(peer, options?): idempotent per peer,
// returning the existing (possibly still-pending) node if one is already
// known — Open Question (b)'s resolution.
func (c *MeshClient) Connect(ctx context.Context, peer string, opts config.ConnectOptions) (*node.Node, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, errs.New(errs.Destroyed)
	}
	if c.disconnected {
		c.mu.Unlock()
		return nil, errs.New(errs.Disconnected)
	}
	if n, ok := c.nodes[peer]; ok {
		c.mu.Unlock()
		return n, nil
	}

	label := opts.Label
	if label == "" {
		label = "reliable"
	}
	reliable := label == "reliable"
	if opts.Reliable != nil {
		reliable = *opts.Reliable
	}
	serializationName := opts.Serialization
	if serializationName == "" {
		serializationName = string(serializer.Raw)
	}

	c.attempts[peer] = struct{}{}
	n := node.New(c.log, peer)
	c.nodes[peer] = n
	c.mu.Unlock()

	c.wireNode(n)

	connID := meshid.NewConnectionID(label)
	neg, err := negotiator.New(c.log, c.sender(), peer, connID, c.opts.ICEServers)
	if err != nil {
		c.clearAttempt(peer)
		return nil, err
	}
	dc := dataconn.New(c.log, neg, peer, connID, label, reliable, serializer.Name(serializationName))
	n.AddConnection(dc)

	if err := neg.Offer(ctx, label, reliable, serializationName, opts.Metadata); err != nil {
		c.clearAttempt(peer)
		return n, err
	}
	return n, nil
}

// Broadcast implements §4.1's broadcast(data, options?): sends to every
// currently-open node concurrently, collecting per-peer outcomes without a
// single failure aborting the batch.
func (c *MeshClient) Broadcast(ctx context.Context, data []byte, opts config.SendOptions) int {
	label := "reliable"
	if opts.Reliable != nil && !*opts.Reliable {
		label = "realtime"
	}

	c.mu.Lock()
	targets := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.IsOpen() {
			targets = append(targets, n)
		}
	}
	c.mu.Unlock()

	var sent int64
	g, _ := errgroup.WithContext(ctx)
	for _, n := range targets {
		n := n
		g.Go(func() error {
			if err := n.Send(data, label); err != nil {
				c.log.Debug("client: broadcast to %s failed: %v", n.Peer, err)
				return nil
			}
			atomic.AddInt64(&sent, 1)
			return nil
		})
	}
	g.Wait()
	return int(sent)
}

// Disconnect severs the signaling session but preserves open P2P links.
// Idempotent.
func (c *MeshClient) Disconnect() {
	c.mu.Lock()
	if c.disconnected || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.manualClose = true
	id := c.id
	c.mu.Unlock()

	c.sigMgr.Close()
	if c.OnDisconnected != nil {
		c.OnDisconnected(id)
	}
}

// Destroy closes everything: signaling session and every open node.
// Terminal; idempotent.
func (c *MeshClient) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.disconnected = true
	c.manualClose = true
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.nodes = make(map[string]*node.Node)
	c.mu.Unlock()

	c.sigMgr.Close()
	for _, n := range nodes {
		n.Close()
	}
	if c.OnClose != nil {
		c.OnClose()
	}
}

// Reconnect re-establishes signaling with the previously-assigned id. Only
// legal when disconnected and not destroyed: after Destroy it returns a
// Destroyed error, and while still connected it is a no-op.
func (c *MeshClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errs.New(errs.Destroyed)
	}
	if !c.disconnected {
		c.mu.Unlock()
		return nil
	}
	id := c.id
	c.disconnected = false
	c.manualClose = false
	c.mu.Unlock()

	c.sigMgr = signaling.NewServerManager(c.log, c.opts, id)
	go c.bringUp(ctx)
	return nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// wireNode attaches the mesh-discovery handshake to n, layers
// client-level bookkeeping (clearing connectionAttempts, dropping the node
// from remoteNodes) onto its lifecycle callbacks, and replays any
// peer-scoped lost messages queued before the node existed.
func (c *MeshClient) wireNode(n *node.Node) {
	c.meshMgr.AttachNode(n,
		func() []string { return c.openPeersExcluding(n.Peer) },
		func() int64 { return time.Now().UnixMilli() },
	)

	onOpen := n.OnOpen
	n.OnOpen = func() {
		if onOpen != nil {
			onOpen()
		}
		c.clearAttempt(n.Peer)
	}
	onClose := n.OnClose
	n.OnClose = func() {
		if onClose != nil {
			onClose()
		}
		c.clearAttempt(n.Peer)
		c.removeNode(n.Peer)
	}
	onError := n.OnError
	n.OnError = func(err error) {
		if onError != nil {
			onError(err)
		}
		c.clearAttempt(n.Peer)
		c.surfaceError(err)
	}

	c.mu.Lock()
	queued := c.lostByPeer[n.Peer]
	delete(c.lostByPeer, n.Peer)
	c.mu.Unlock()

	for _, m := range queued {
		connID := connectionIDOf(m)
		if connID != "" {
			n.HandleMessage(connID, m)
		}
	}
}

func connectionIDOf(m wire.Message) string {
	switch m.Type {
	case wire.TypeAnswer:
		var p wire.SDPPayload
		if wire.DecodePayload(m, &p) == nil {
			return p.ConnectionID
		}
	case wire.TypeCandidate:
		var p wire.CandidatePayload
		if wire.DecodePayload(m, &p) == nil {
			return p.ConnectionID
		}
	}
	return ""
}

// handleConnectToPeers implements §4.5's client reaction to
// connect-to-peers(peers): dial every peer that is neither self nor
// already known nor already being attempted. Individual failures are
// logged and do not abort the batch.
func (c *MeshClient) handleConnectToPeers(peers []string) {
	for _, p := range peers {
		if p == c.ID() {
			continue
		}
		c.mu.Lock()
		_, hasNode := c.nodes[p]
		_, attempting := c.attempts[p]
		c.mu.Unlock()
		if hasNode || attempting {
			continue
		}

		peer := p
		go func() {
			if _, err := c.Connect(context.Background(), peer, config.ConnectOptions{}); err != nil {
				c.log.Debug("client: transitive connect to %s failed: %v", peer, err)
			}
		}()
	}
}

func (c *MeshClient) openPeersExcluding(exclude string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for peer, n := range c.nodes {
		if peer == exclude {
			continue
		}
		if n.IsOpen() {
			out = append(out, peer)
		}
	}
	return out
}

func (c *MeshClient) clearAttempt(peer string) {
	c.mu.Lock()
	delete(c.attempts, peer)
	c.mu.Unlock()
}

func (c *MeshClient) removeNode(peer string) {
	c.mu.Lock()
	delete(c.nodes, peer)
	c.mu.Unlock()
}

func (c *MeshClient) surfaceError(err error) {
	if err == nil {
		return
	}
	if c.OnError != nil {
		c.OnError(err)
	}
}

// sender adapts MeshClient's signaling socket to negotiator.Sender,
// stamping Src/Dst on every outgoing message.
func (c *MeshClient) sender() negotiator.Sender {
	return clientSender{c: c}
}

type clientSender struct{ c *MeshClient }

func (s clientSender) SendToPeer(peer string, msg wire.Message) error {
	msg.Src = s.c.ID()
	msg.Dst = peer
	return s.c.sigMgr.Send(msg)
}
