package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/1ureka.net.p2p/internal/config"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// relayServer is a minimal in-process stand-in for a PeerServer (§6): it
// upgrades each id's connection and forwards every message by Dst to the
// matching connection, exactly the "deliver to one recipient" contract
// MeshClient depends on.
type relayServer struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newRelayServer() *httptest.Server {
	r := &relayServer{conns: make(map[string]*websocket.Conn)}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.URL.Query().Get("id")
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns[id] = conn
		r.mu.Unlock()

		conn.WriteJSON(wire.Message{Type: wire.TypeOpen, Dst: id})

		for {
			var msg wire.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == wire.TypeHeartbeat {
				continue
			}
			r.mu.Lock()
			dst, ok := r.conns[msg.Dst]
			r.mu.Unlock()
			if ok {
				dst.WriteJSON(msg)
			}
		}
	}))
}

func optsFromServer(t *testing.T, srv *httptest.Server) config.Options {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return config.Options{
		Host:         host,
		Port:         port,
		Path:         "/",
		Key:          "peerjs",
		Secure:       false,
		PingInterval: time.Hour,
	}
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

func newOpenClient(t *testing.T, ctx context.Context, opts config.Options, id string) *MeshClient {
	t.Helper()
	c := New(ctx, opts, id)
	opened := make(chan string, 1)
	c.OnOpen = func(gotID string) { opened <- gotID }
	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s to open", id)
	}
	return c
}

func TestMeshClientConnectsExchangesDataAndBroadcasts(t *testing.T) {
	srv := newRelayServer()
	defer srv.Close()
	opts := optsFromServer(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newOpenClient(t, ctx, opts, "peer-a")
	defer a.Destroy()
	b := newOpenClient(t, ctx, opts, "peer-b")
	defer b.Destroy()

	if _, err := a.Connect(ctx, "peer-b", config.ConnectOptions{Label: "reliable"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		a.mu.Lock()
		n, ok := a.nodes["peer-b"]
		a.mu.Unlock()
		return ok && n.IsOpen()
	})
	waitFor(t, 5*time.Second, func() bool {
		b.mu.Lock()
		n, ok := b.nodes["peer-a"]
		b.mu.Unlock()
		return ok && n.IsOpen()
	})

	got := make(chan []byte, 1)
	b.mu.Lock()
	b.nodes["peer-a"].OnData = func(p []byte) { got <- p }
	b.mu.Unlock()

	sent := a.Broadcast(ctx, []byte("hello mesh"), config.SendOptions{})
	if sent != 1 {
		t.Fatalf("expected 1 successful broadcast, got %d", sent)
	}

	select {
	case p := <-got:
		if string(p) != "hello mesh" {
			t.Fatalf("got %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for broadcast payload")
	}
}

func TestMeshClientDestroyClosesNodesAndEmitsOnClose(t *testing.T) {
	srv := newRelayServer()
	defer srv.Close()
	opts := optsFromServer(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newOpenClient(t, ctx, opts, "peer-c")
	b := newOpenClient(t, ctx, opts, "peer-d")
	defer b.Destroy()

	if _, err := a.Connect(ctx, "peer-d", config.ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		a.mu.Lock()
		n, ok := a.nodes["peer-d"]
		a.mu.Unlock()
		return ok && n.IsOpen()
	})

	closed := make(chan struct{})
	a.OnClose = func() { close(closed) }
	a.Destroy()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}

	a.mu.Lock()
	remaining := len(a.nodes)
	a.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected nodes cleared after Destroy, got %d", remaining)
	}

	if _, err := a.Connect(ctx, "peer-d", config.ConnectOptions{}); err == nil {
		t.Fatal("expected Connect after Destroy to fail")
	}
}

func TestMeshClientConnectReturnsExistingNode(t *testing.T) {
	srv := newRelayServer()
	defer srv.Close()
	opts := optsFromServer(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newOpenClient(t, ctx, opts, "peer-e")
	defer a.Destroy()
	b := newOpenClient(t, ctx, opts, "peer-f")
	defer b.Destroy()

	n1, err := a.Connect(ctx, "peer-f", config.ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	n2, err := a.Connect(ctx, "peer-f", config.ConnectOptions{})
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n1 != n2 {
		t.Fatal("expected the second Connect to return the same pending/open node")
	}
}
