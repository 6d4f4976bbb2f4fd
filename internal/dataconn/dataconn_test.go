package dataconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/negotiator"
	"github.com/1ureka/1ureka.net.p2p/internal/serializer"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// linkedSender wires two Negotiators together in-process, delivering each
// SendToPeer call straight to the peer's HandleSDP/HandleCandidate, the way
// the teacher's tests/adapter_test.go mockTransport links two transports
// without a real network in between.
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
			if err := wire.DecodePayload(msg, &p); err != nil {
				return
			}
			peer.HandleSDP("offer", p.SDP)
		case wire.TypeAnswer:
			var p wire.SDPPayload
			if err := wire.DecodePayload(msg, &p); err != nil {
				return
			}
			peer.HandleSDP("answer", p.SDP)
		case wire.TypeCandidate:
			var p wire.CandidatePayload
			if err := wire.DecodePayload(msg, &p); err != nil {
				return
			}
			peer.HandleCandidate(p.Candidate)
		}
	}()
	return nil
}

func newLinkedPair(t *testing.T) (*negotiator.Negotiator, *negotiator.Negotiator) {
	t.Helper()
	iceServers := []webrtc.ICEServer{} // host candidates only, sufficient for loopback

	offerSide := &linkedSender{}
	answerSide := &linkedSender{}

	a, err := negotiator.New(logx.Default, offerSide, "answerer", "conn-1", iceServers)
	if err != nil {
		t.Fatalf("negotiator.New (offerer): %v", err)
	}
	b, err := negotiator.New(logx.Default, answerSide, "offerer", "conn-1", iceServers)
	if err != nil {
		t.Fatalf("negotiator.New (answerer): %v", err)
	}

	offerSide.peer = b
	answerSide.peer = a
	return a, b
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

func TestDataConnectionOpensAndExchangesData(t *testing.T) {
	offerer, answerer := newLinkedPair(t)

	var gotOnce sync.Once
	received := make(chan []byte, 1)

	offererConn := New(logx.Default, offerer, "answerer", "conn-1", "reliable", true, serializer.JSON)
	answererConn := New(logx.Default, answerer, "offerer", "conn-1", "reliable", true, serializer.JSON)
	answererConn.OnData = func(p []byte) {
		gotOnce.Do(func() { received <- p })
	}

	if err := offerer.Offer(context.Background(), "reliable", true, string(serializer.JSON), nil); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	waitFor(t, 5*time.Second, offererConn.IsOpen)
	waitFor(t, 5*time.Second, answererConn.IsOpen)

	if err := offererConn.Send([]byte("hello mesh")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello mesh" {
			t.Fatalf("got %q, want %q", got, "hello mesh")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}
}

func TestDataConnectionSendBeforeOpenFails(t *testing.T) {
	offerer, _ := newLinkedPair(t)
	conn := New(logx.Default, offerer, "answerer", "conn-1", "reliable", true, serializer.Raw)
	if err := conn.Send([]byte("too early")); err == nil {
		t.Fatal("expected error sending before open")
	}
}

func TestDataConnectionControlCloseEnvelopeTearsDown(t *testing.T) {
	offerer, answerer := newLinkedPair(t)

	offererConn := New(logx.Default, offerer, "answerer", "conn-1", "reliable", true, serializer.JSON)
	answererConn := New(logx.Default, answerer, "offerer", "conn-1", "reliable", true, serializer.JSON)

	closed := make(chan struct{})
	answererConn.OnClose = func() { close(closed) }

	if err := offerer.Offer(context.Background(), "reliable", true, string(serializer.JSON), nil); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	waitFor(t, 5*time.Second, offererConn.IsOpen)
	waitFor(t, 5*time.Second, answererConn.IsOpen)

	if err := offererConn.Send([]byte(`{"__peerData":{"type":"close"}}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for control-close teardown")
	}
}
