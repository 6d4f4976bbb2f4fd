// Package signaling implements the ServerManager/Socket/API trio of §4.6:
// ID allocation over HTTP, a persistent JSON-framed WebSocket, and a
// heartbeat loop, fully decoupled from the message-routing policy that
// lives in internal/client.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/1ureka.net.p2p/internal/config"
	"github.com/1ureka/1ureka.net.p2p/internal/errs"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// ServerManager owns the signaling WebSocket end-to-end: id allocation (if
// needed), dialing, heartbeats, and the inbound message stream. It makes
// no policy decisions about message contents — that is MeshClient's job
// per §4.1; ServerManager only knows how to get messages on and off the
// wire.
type ServerManager struct {
	opts config.Options
	log  *logx.Logger

	mu   sync.Mutex
	id   string
	sock *Socket

	msgCh   chan wire.Message
	closeCh chan struct{}
	once    sync.Once
}

// NewServerManager creates a ServerManager. id may be empty, in which case
// Start allocates one from the signaling server. log receives every
// diagnostic this ServerManager emits.
func NewServerManager(log *logx.Logger, opts config.Options, id string) *ServerManager {
	return &ServerManager{
		opts:    opts,
		log:     log,
		id:      id,
		msgCh:   make(chan wire.Message, 64),
		closeCh: make(chan struct{}),
	}
}

// Start allocates an id (if one wasn't supplied), dials the signaling
// socket, and launches the read and heartbeat loops. Both loops stop when
// the socket errors or Close is called; the heartbeat loop also stops when
// ctx is cancelled, while the read loop does not watch ctx.
func (m *ServerManager) Start(ctx context.Context) error {
	if m.id == "" {
		id, err := RetrieveID(ctx, m.opts)
		if err != nil {
			return err
		}
		m.id = id
	}

	sock, err := Dial(ctx, m.opts, m.id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sock = sock
	m.mu.Unlock()

	go m.readLoop()
	go m.heartbeatLoop(ctx)
	return nil
}

// ID returns the assigned PeerId. Only meaningful after Start succeeds.
func (m *ServerManager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Messages returns the channel of inbound signaling messages, in arrival
// order (§5 "Signaling messages to the same peer are handled in arrival
// order").
func (m *ServerManager) Messages() <-chan wire.Message {
	return m.msgCh
}

// Closed returns a channel that is closed when the socket is no longer
// usable (read error, or Close was called).
func (m *ServerManager) Closed() <-chan struct{} {
	return m.closeCh
}

// Send writes msg to the signaling socket.
func (m *ServerManager) Send(msg wire.Message) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return errs.New(errs.SocketClosed)
	}
	return sock.Send(msg)
}

// Close tears down the socket. Idempotent.
func (m *ServerManager) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		sock := m.sock
		m.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		close(m.closeCh)
	})
}

func (m *ServerManager) readLoop() {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()

	for {
		msg, err := sock.Read()
		if err != nil {
			m.log.Debug("signaling read loop ended: %v", err)
			m.Close()
			return
		}
		select {
		case m.msgCh <- msg:
		case <-m.closeCh:
			return
		}
	}
}

func (m *ServerManager) heartbeatLoop(ctx context.Context) {
	interval := m.opts.PingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Send(wire.Message{Type: wire.TypeHeartbeat}); err != nil {
				m.log.Debug("heartbeat send failed: %v", err)
			}
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		}
	}
}
