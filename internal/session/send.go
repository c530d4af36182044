package session

import (
	"loreline/internal/domain"
	"loreline/internal/protocol"
)

// Broadcast sends env to every connection in the world and returns how many
// accepted it. Frames are enqueued under the world lock so every connection
// sees the world's broadcasts in the same order.
func (r *Registry) Broadcast(worldID string, env protocol.Envelope) int {
	return r.deliver(worldID, "broadcast", env, func(*conn) bool { return true })
}

// BroadcastExcept sends env to every connection in the world not owned by userID.
func (r *Registry) BroadcastExcept(worldID, userID string, env protocol.Envelope) int {
	return r.deliver(worldID, "broadcast", env, func(c *conn) bool { return c.UserID != userID })
}

func (r *Registry) SendToDM(worldID string, env protocol.Envelope) error {
	if r.deliver(worldID, "dm", env, func(c *conn) bool { return c.Role == domain.RoleDM }) == 0 {
		return ErrDMNotConnected
	}
	return nil
}

func (r *Registry) SendToUser(worldID, userID string, env protocol.Envelope) error {
	if r.deliver(worldID, "user", env, func(c *conn) bool { return c.UserID == userID }) == 0 {
		return ErrUserNotConnected
	}
	return nil
}

func (r *Registry) SendToPlayer(worldID, pcID string, env protocol.Envelope) error {
	if r.deliver(worldID, "player", env, func(c *conn) bool { return c.Role == domain.RolePlayer && c.PcID == pcID }) == 0 {
		return ErrPlayerNotConnected
	}
	return nil
}

// SendToConn replies to one connection whether or not it has joined a world.
func (r *Registry) SendToConn(connID string, env protocol.Envelope) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	var worldID string
	var sender Sender
	if ok {
		worldID, sender = c.WorldID, c.sender
	}
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	frame, err := env.Bytes()
	if err != nil {
		return err
	}
	if r.Recorder != nil && worldID != "" {
		r.Recorder.Record(worldID, "conn", env)
	}
	return sender.Send(frame)
}

func (r *Registry) deliver(worldID, kind string, env protocol.Envelope, match func(*conn) bool) int {
	w := r.world(worldID)
	if w == nil {
		return 0
	}
	frame, err := env.Bytes()
	if err != nil {
		r.logf("encode %s for world %s: %v", env.Type, worldID, err)
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.conns {
		if !match(c) {
			continue
		}
		if err := c.sender.Send(frame); err != nil {
			r.logf("send %s to %s: %v", env.Type, c.ID, err)
			continue
		}
		n++
	}
	if n > 0 && r.Recorder != nil {
		r.Recorder.Record(worldID, kind, env)
	}
	return n
}
