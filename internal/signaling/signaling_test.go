package signaling

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/1ureka.net.p2p/internal/config"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

func TestRetrieveIDSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/peerjs/id") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte("assigned-peer-42"))
	}))
	defer srv.Close()

	opts := optsFromTestServer(t, srv)
	id, err := RetrieveID(context.Background(), opts)
	if err != nil {
		t.Fatalf("RetrieveID: %v", err)
	}
	if id != "assigned-peer-42" {
		t.Fatalf("got id %q", id)
	}
}

func TestRetrieveIDServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := optsFromTestServer(t, srv)
	if _, err := RetrieveID(context.Background(), opts); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func TestSocketSendAndRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.WriteJSON(wire.Message{Type: wire.TypeOpen, Dst: msg.Src})
	}))
	defer srv.Close()

	opts := optsFromTestServer(t, srv)
	sock, err := Dial(context.Background(), opts, "peer-a")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sock.Close()

	if err := sock.Send(wire.Message{Type: wire.TypeHeartbeat, Src: "peer-a"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := sock.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Type != wire.TypeOpen || msg.Dst != "peer-a" {
		t.Fatalf("unexpected reply: %+v", msg)
	}
}

func TestServerManagerRoutesMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(wire.Message{Type: wire.TypeOpen, Dst: r.URL.Query().Get("id")})
		// keep connection open briefly so the client's heartbeat/read loop has
		// something to select against.
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	opts := optsFromTestServer(t, srv)
	opts.PingInterval = time.Hour // avoid interference from the heartbeat loop

	mgr := NewServerManager(logx.Default, opts, "peer-b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mgr.Close()

	select {
	case msg := <-mgr.Messages():
		if msg.Type != wire.TypeOpen {
			t.Fatalf("expected OPEN, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OPEN message")
	}
}

func optsFromTestServer(t *testing.T, srv *httptest.Server) config.Options {
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
		Host:   host,
		Port:   port,
		Path:   "/",
		Key:    "peerjs",
		Secure: false,
	}
}
