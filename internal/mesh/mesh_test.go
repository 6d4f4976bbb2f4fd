package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.p2p/internal/dataconn"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/negotiator"
	"github.com/1ureka/1ureka.net.p2p/internal/node"
	"github.com/1ureka/1ureka.net.p2p/internal/serializer"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// linkedSender links two Negotiators in-process, the same pattern used in
// internal/dataconn and internal/node's tests.
type linkedSender struct {
	mu   sync.Mutex
	peer *negotiator.Negotiator
}

func (s *linkedSender) SendToPeer(_ string, msg wire.Message) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	go func() {
		switch msg.Type {
		case wire.TypeOffer:
			var p wire.SDPPayload
			if wire.DecodePayload(msg, &p) == nil {
				peer.HandleSDP("offer", p.SDP)
			}
		case wire.TypeAnswer:
			var p wire.SDPPayload
			if wire.DecodePayload(msg, &p) == nil {
				peer.HandleSDP("answer", p.SDP)
			}
		case wire.TypeCandidate:
			var p wire.CandidatePayload
			if wire.DecodePayload(msg, &p) == nil {
				peer.HandleCandidate(p.Candidate)
			}
		}
	}()
	return nil
}

// openLinkedNodes builds two real Node instances backed by a single
// negotiated WebRTC data channel pair, wires managers onto each via
// AttachNode before negotiation starts (mirroring how MeshClient would),
// and waits for both sides to reach their open-latch.
func openLinkedNodes(t *testing.T, localMgr, remoteMgr *Manager, localPeers, remotePeers func() []string) (localNode, remoteNode *node.Node) {
	t.Helper()
	offerSide := &linkedSender{}
	answerSide := &linkedSender{}

	a, err := negotiator.New(logx.Default, offerSide, "remote", "mc_reliable_1", []webrtc.ICEServer{})
	if err != nil {
		t.Fatalf("negotiator.New: %v", err)
	}
	b, err := negotiator.New(logx.Default, answerSide, "local", "mc_reliable_1", []webrtc.ICEServer{})
	if err != nil {
		t.Fatalf("negotiator.New: %v", err)
	}
	offerSide.peer = b
	answerSide.peer = a

	connA := dataconn.New(logx.Default, a, "remote", "mc_reliable_1", "reliable", true, serializer.JSON)
	connB := dataconn.New(logx.Default, b, "local", "mc_reliable_1", "reliable", true, serializer.JSON)

	localNode = node.New(logx.Default, "remote")
	remoteNode = node.New(logx.Default, "local")
	localNode.AddConnection(connA)
	remoteNode.AddConnection(connB)

	clockMillis := int64(1000)
	localMgr.AttachNode(localNode, localPeers, func() int64 { return clockMillis })
	remoteMgr.AttachNode(remoteNode, remotePeers, func() int64 { return clockMillis + 1000 })

	if err := a.Offer(context.Background(), "reliable", true, string(serializer.JSON), nil); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	waitFor(t, 5*time.Second, localNode.IsOpen)
	waitFor(t, 5*time.Second, remoteNode.IsOpen)
	return localNode, remoteNode
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestHandshakeAlwaysSendsAndRemoteAcks(t *testing.T) {
	localMgr := New(logx.Default)
	remoteMgr := New(logx.Default)

	notifyCh := make(chan []string, 1)
	remoteMgr.OnConnectToPeers = func(peers []string) {
		notifyCh <- peers
	}

	openLinkedNodes(t, localMgr, remoteMgr, func() []string { return nil }, func() []string { return []string{"c", "d"} })

	select {
	case peers := <-notifyCh:
		if len(peers) != 0 {
			t.Fatalf("expected empty peers list (local sent none), got %v", peers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote's connect-to-peers callback")
	}

	localMgr.mu.Lock()
	hs := localMgr.handshakes["remote"]
	localMgr.mu.Unlock()
	if hs == nil {
		t.Fatal("expected a handshake record for remote")
	}
	select {
	case <-hs.stopRetry:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the remote's ack to cancel the local retry loop")
	}
}

func TestDropHandshakeOnNodeClose(t *testing.T) {
	m := New(logx.Default)
	remoteMgr := New(logx.Default)
	localNode, _ := openLinkedNodes(t, m, remoteMgr, func() []string { return nil }, func() []string { return nil })

	m.mu.Lock()
	_, ok := m.handshakes["remote"]
	m.mu.Unlock()
	if !ok {
		t.Fatal("expected handshake to be recorded")
	}

	localNode.Close()

	m.mu.Lock()
	_, ok = m.handshakes["remote"]
	m.mu.Unlock()
	if ok {
		t.Fatal("expected handshake state to be dropped on node close")
	}
}
