package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/1ureka.net.p2p/internal/config"
	"github.com/1ureka/1ureka.net.p2p/internal/errs"
	"github.com/1ureka/1ureka.net.p2p/internal/wire"
)

// Socket is the persistent signaling WebSocket (§4.6). It owns the
// underlying gorilla/websocket connection exclusively and serializes all
// writes, exactly as the teacher's sender type guards wsConn.WriteJSON
// with a mutex in internal/signaling/sender.go.
type Socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the signaling server's WebSocket endpoint:
//
//	{scheme}://{host}:{port}{path}peerjs?key={key}&id={id}&token={token}
//
// Grounded on the teacher's internal/signaling/client.go Connect, widened
// from a plain dial on a caller-built URL to one this package constructs
// from config.Options per §4.6.
func Dial(ctx context.Context, opts config.Options, id string) (*Socket, error) {
	scheme := "ws"
	if opts.Secure {
		scheme = "wss"
	}

	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Path:   opts.Path + "peerjs",
	}
	q := u.Query()
	q.Set("key", opts.Key)
	q.Set("id", id)
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.SocketError, err)
	}
	return &Socket{conn: conn}, nil
}

// Send writes msg as JSON. Safe for concurrent use.
func (s *Socket) Send(msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return errs.Wrap(errs.SocketError, err)
	}
	return nil
}

// Read blocks for the next inbound message. Only the socket's owning
// ServerManager read-loop goroutine should call this.
func (s *Socket) Read() (wire.Message, error) {
	var msg wire.Message
	if err := s.conn.ReadJSON(&msg); err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

// Close closes the underlying connection. Safe to call multiple times.
func (s *Socket) Close() error {
	return s.conn.Close()
}
