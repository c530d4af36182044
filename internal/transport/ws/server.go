// Package ws serves the live session protocol over websockets.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loreline/internal/session"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	defaultMaxMessageSize = 64 << 10
	defaultSendBuffer     = 256
)

// ErrSlowConsumer is returned by a connection's sender when its outbound
// buffer is full. The frame is dropped and the connection is closed.
var ErrSlowConsumer = errors.New("ws: send buffer full")

// Sessions receives connection lifecycle events and inbound frames.
type Sessions interface {
	Connect(connID string, sender session.Sender, userID string)
	HandleMessage(ctx context.Context, connID string, frame []byte)
	Disconnect(connID string)
}

// Server upgrades HTTP requests and pumps frames between the socket and Sessions.
type Server struct {
	Sessions Sessions
	// Authenticate returns the user a request speaks for. Nil admits every
	// request without an identity.
	Authenticate   func(r *http.Request) (string, error)
	Logger         *log.Logger
	MaxMessageSize int64
	SendBuffer     int

	upgrader websocket.Upgrader
}

func NewServer(sessions Sessions, logger *log.Logger) *Server {
	return &Server{
		Sessions: sessions,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf("ws: "+format, args...)
		return
	}
	log.Printf("ws: "+format, args...)
}

type sender struct {
	out   chan []byte
	once  sync.Once
	evict func()
}

// Send never blocks. The first overflow evicts the client.
func (s *sender) Send(frame []byte) error {
	select {
	case s.out <- frame:
		return nil
	default:
		if s.evict != nil {
			s.once.Do(s.evict)
		}
		return ErrSlowConsumer
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if s.Authenticate != nil {
		id, err := s.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = id
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	limit := s.MaxMessageSize
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	conn.SetReadLimit(limit)
	buffer := s.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connID := uuid.NewString()
	out := &sender{out: make(chan []byte, buffer)}
	out.evict = func() {
		s.logf("evicting slow consumer %s", connID)
		cancel()
		_ = conn.Close()
	}
	s.Sessions.Connect(connID, out, userID)
	defer s.Sessions.Disconnect(connID)

	go s.writeLoop(ctx, cancel, conn, out.out)
	s.readLoop(ctx, conn, connID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, connID string) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logf("read %s: %v", connID, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		s.Sessions.HandleMessage(ctx, connID, msg)
	}
}

// writeLoop owns every write on conn. It closes the socket when a write fails
// so the read loop returns too.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case frame := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
