package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/unity-ai-forge/mcp-bridge/internal/protocol"
)

// session wraps one open WebSocket and runs a single receive loop to
// completion (C2). It has no knowledge of correlation ids, heartbeats, or
// tools — that belongs to the manager.
type session struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn}
}

// send serializes env and writes one frame. A dedicated mutex serializes
// writes so concurrent callers cannot interleave frames on the wire.
func (s *session) send(env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// controlPing writes a WebSocket-level control ping, independent of the
// application-level ping envelope, to keep intermediaries' idle timers
// from expiring.
func (s *session) controlPing(deadline time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(deadline))
}

// recvLoop iterates frames until close or error, invoking onMessage for
// each decoded envelope, and onDisconnect exactly once when the loop
// exits for any terminal reason.
func (s *session) recvLoop(onMessage func(protocol.Envelope), onDisconnect func()) {
	defer onDisconnect()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			// Undecodable frames are dropped without being logged; the
			// loop keeps reading.
			continue
		}

		onMessage(env)
	}
}

// close initiates a graceful close frame; idempotent.
func (s *session) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	s.writeMu.Unlock()

	_ = s.conn.Close()
}
