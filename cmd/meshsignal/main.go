// Meshsignal — CLI entry point.
//
// This is a minimal standalone signaling server implementing the §6 wire
// protocol: an HTTP id-allocation endpoint and a WebSocket relay keyed by
// PeerId, generalized from the teacher's single-PIN/single-client
// WebSocket server to a multi-client relay any number of meshpeer
// instances can dial into.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/meshid"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

var version = "dev"

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", ":9000", "Address to listen on")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		logx.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshsignal — v%s", version))

	r := newRelay()
	mux := http.NewServeMux()
	mux.HandleFunc("/peerjs/id", r.handleID)
	mux.HandleFunc("/peerjs", r.handleWS)

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logx.Success("signaling server listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Error("server stopped: %v", err)
		os.Exit(1)
	}
}

// relay is the §6 signaling server: it allocates PeerIds, upgrades each
// client's WebSocket, and forwards every envelope to its Dst peer
// verbatim — it never inspects Offer/Answer/Candidate contents, mirroring
// the teacher's server which only ever relays raw signaling messages.
type relay struct {
	peers *peerSet
}

func newRelay() *relay {
	return &relay{peers: newPeerSet()}
}

func (r *relay) handleID(w http.ResponseWriter, req *http.Request) {
	id := "peer-" + meshid.RandomPIN(8)
	for r.peers.has(id) {
		id = "peer-" + meshid.RandomPIN(8)
	}
	w.Write([]byte(id))
}

func (r *relay) handleWS(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("id")
	if !meshid.ValidatePeerID(id) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		logx.Debug("upgrade failed for %s: %v", id, err)
		return
	}

	if r.peers.has(id) {
		conn.WriteJSON(wire.Message{Type: wire.TypeIDTaken, Dst: id})
		conn.Close()
		return
	}

	r.peers.add(id, conn)
	logx.Info("peer %s connected", id)
	conn.WriteJSON(wire.Message{Type: wire.TypeOpen, Dst: id})

	defer func() {
		r.peers.remove(id)
		r.peers.broadcastLeave(id)
		conn.Close()
		logx.Info("peer %s disconnected", id)
	}()

	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == wire.TypeHeartbeat {
			continue
		}
		r.relay(msg)
	}
}

func (r *relay) relay(msg wire.Message) {
	dst, ok := r.peers.get(msg.Dst)
	if !ok {
		logx.Debug("dropping message for unknown peer %s", msg.Dst)
		return
	}
	if err := dst.WriteJSON(msg); err != nil {
		logx.Debug("relay to %s failed: %v", msg.Dst, err)
	}
}

// peerSet tracks every connected peer's socket under its PeerId.
type peerSet struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func newPeerSet() *peerSet {
	return &peerSet{conns: make(map[string]*websocket.Conn)}
}

func (s *peerSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[id]
	return ok
}

func (s *peerSet) get(id string) (*websocket.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *peerSet) add(id string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = conn
}

func (s *peerSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *peerSet) broadcastLeave(id string) {
	s.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.WriteJSON(wire.Message{Type: wire.TypeLeave, Src: id})
	}
}
