package lorelinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message is one decoded server frame. Raw holds the whole frame for typed
// decoding with Decode.
type Message struct {
	Type string
	Raw  json.RawMessage
}

func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Session is a live websocket connection to the session server.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial opens a live session. wsURL is the websocket endpoint, for example
// ws://localhost:8787/ws. A non-empty token is sent as a bearer header.
func Dial(ctx context.Context, wsURL, token string) (*Session, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("parse %s: %w", wsURL, err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: err.Error()}
		}
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// WebsocketURL turns an http(s) base URL into the websocket endpoint at path.
func WebsocketURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// Send encodes body as a client message of msgType.
func (s *Session) Send(msgType string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("encode %s: body must be an object: %w", msgType, err)
	}
	tag, _ := json.Marshal(msgType)
	fields["type"] = tag
	frame, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Join binds the session to a world.
func (s *Session) Join(worldID, role, userID, pcID string) error {
	return s.Send("JoinWorld", map[string]string{
		"world_id": worldID,
		"role":     role,
		"user_id":  userID,
		"pc_id":    pcID,
	})
}

// Next waits up to timeout for the next frame. A zero timeout waits forever.
func (s *Session) Next(timeout time.Duration) (Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = s.conn.SetReadDeadline(deadline)
	_, frame, err := s.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &base); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	return Message{Type: base.Type, Raw: frame}, nil
}

// Await reads frames until one of msgType arrives, discarding the rest.
func (s *Session) Await(msgType string, timeout time.Duration) (Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return Message{}, fmt.Errorf("timed out waiting for %s", msgType)
		}
		m, err := s.Next(left)
		if err != nil {
			return Message{}, err
		}
		if m.Type == msgType {
			return m, nil
		}
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
