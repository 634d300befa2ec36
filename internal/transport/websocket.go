package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/rewind/internal/wire"
)

const writeWait = 5 * time.Second

// WebSocketLink is a Link over a websocket connection. One text frame
// carries one encoded message.
type WebSocketLink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewWebSocketLink wraps an established connection.
func NewWebSocketLink(conn *websocket.Conn) *WebSocketLink {
	return &WebSocketLink{conn: conn, closed: make(chan struct{})}
}

// Dial connects to a rewind websocket endpoint such as ws://host:port/ws.
func Dial(ctx context.Context, url string) (*WebSocketLink, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketLink(conn), nil
}

// Send implements Link.
func (l *WebSocketLink) Send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

// Receive implements Link. Cancelling ctx interrupts a blocked read and
// leaves the connection unusable.
func (l *WebSocketLink) Receive(ctx context.Context) (wire.Message, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return wire.Message{}, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return wire.Message{}, ErrLinkClosed
			}
			select {
			case <-l.closed:
				return wire.Message{}, ErrLinkClosed
			default:
			}
			return wire.Message{}, fmt.Errorf("%w: %v", ErrLinkClosed, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		return wire.Decode(data)
	}
}

// Properties implements Link. Websockets run over TCP.
func (l *WebSocketLink) Properties() Properties {
	return Properties{Ordered: true, Reliable: true}
}

// Close sends a close frame and closes the connection.
func (l *WebSocketLink) Close() error {
	var err error
	l.once.Do(func() {
		l.writeMu.Lock()
		close(l.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

// Server accepts websocket links on /ws.
type Server struct {
	upgrader websocket.Upgrader
	accepted chan *WebSocketLink
	router   *mux.Router
	logger   *slog.Logger
	status   func() any
}

// NewServer creates a server whose accepted links are read with Accept.
// status, when not nil, is served as JSON on /status.
func NewServer(logger *slog.Logger, status func() any) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		accepted: make(chan *WebSocketLink, 16),
		router:   mux.NewRouter(),
		logger:   logger,
		status:   status,
	}
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler { return s.router }

// Accept waits for the next connected peer.
func (s *Server) Accept(ctx context.Context) (*WebSocketLink, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l := <-s.accepted:
		return l, nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	link := NewWebSocketLink(conn)
	select {
	case s.accepted <- link:
		s.logger.Info("peer connected", "remote", r.RemoteAddr)
	default:
		s.logger.Warn("peer refused, accept backlog full", "remote", r.RemoteAddr)
		link.Close()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := writeJSON(w, s.status()); err != nil {
		s.logger.Warn("write status", "error", err)
	}
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, ErrLinkClosed)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
