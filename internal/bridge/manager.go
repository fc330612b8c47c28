// Package bridge implements the Unity WebSocket bridge: session lifecycle
// (C2), command correlation (C3), compilation coordination (C4), the
// aggregating manager (C5), and the reconnect supervisor (C6).
package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/unity-ai-forge/mcp-bridge/internal/protocol"
)

const (
	// DefaultCommandTimeout is used when a tool call carries no
	// timeoutSeconds hint (§4.3).
	DefaultCommandTimeout = 45 * time.Second

	// DefaultCompilationTimeout is the await_compilation default (§9:
	// "the spec picks ... 60s for await_compilation default").
	DefaultCompilationTimeout = 60 * time.Second

	controlPingInterval = 45 * time.Second
	controlPingDeadline = 10 * time.Second
)

// LifecycleEvent names the three listener hooks the manager emits.
type LifecycleEvent int

const (
	EventConnected LifecycleEvent = iota
	EventDisconnected
	EventContextUpdated
)

// Manager is the seam between transport, correlation, waiters and the
// rest of the server (C5). Exactly one Session is attached at a time.
type Manager struct {
	log   *logrus.Logger
	token string // configured handshake token; empty disables the check

	mu             sync.RWMutex
	sess           *session
	sessionID      string
	unityVersion   string
	projectName    string
	lastHeartbeat  time.Time
	lastContext    json.RawMessage
	compiling      bool // set on compilation:started, cleared on complete/restart

	commands     *commandRegistry
	compilation  *compilationLatch

	listenersMu sync.Mutex
	listeners   map[LifecycleEvent][]func(payload interface{})

	disconnectMu     sync.Mutex
	disconnectSignal chan struct{}
}

// NewManager constructs a Manager with no session attached. token, if
// non-empty, is compared against every hello.token; a mismatch closes the
// socket with code 4401 instead of completing the attach.
func NewManager(log *logrus.Logger, token string) *Manager {
	return &Manager{
		log:              log,
		token:            token,
		commands:         newCommandRegistry(),
		compilation:      newCompilationLatch(),
		listeners:        make(map[LifecycleEvent][]func(payload interface{})),
		disconnectSignal: make(chan struct{}),
	}
}

// WaitDisconnected returns a channel that is closed the next time the
// manager observes a disconnect. Safe to call repeatedly; each call
// observes only disconnects that happen after it returns.
func (m *Manager) WaitDisconnected() <-chan struct{} {
	m.disconnectMu.Lock()
	defer m.disconnectMu.Unlock()
	return m.disconnectSignal
}

// On registers a lifecycle listener. Emission is best-effort: listener
// panics are recovered and logged, never propagated to the emitter.
func (m *Manager) On(event LifecycleEvent, handler func(payload interface{})) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners[event] = append(m.listeners[event], handler)
}

func (m *Manager) emit(event LifecycleEvent, payload interface{}) {
	m.listenersMu.Lock()
	snapshot := append([]func(payload interface{}){}, m.listeners[event]...)
	m.listenersMu.Unlock()

	for _, h := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warnf("bridge: lifecycle listener panicked: %v", r)
				}
			}()
			h(payload)
		}()
	}
}

// Attach tears down any existing session (failing its pending commands
// with ErrBridgeReattached), installs the new one, and starts its receive
// loop. The websocket handshake frame is expected to be the first inbound
// message and must be "hello".
func (m *Manager) Attach(conn *websocket.Conn) {
	old := m.detachLocked()
	if old != nil {
		old.close()
	}

	sess := newSession(conn)

	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()

	go sess.recvLoop(
		func(env protocol.Envelope) { m.handleMessage(sess, env) },
		func() { m.handleDisconnect(sess) },
	)
}

// detachLocked reads the current session (if any) without clearing it —
// Attach overwrites it right afterwards — fails all pending commands with
// ErrBridgeReattached when a session was attached, and returns that
// session for the caller to close. It does not emit disconnected; the
// new session's hello emits connected.
func (m *Manager) detachLocked() *session {
	m.mu.Lock()
	old := m.sess
	m.mu.Unlock()

	if old != nil {
		m.commands.failAll(ErrBridgeReattached)
	}
	return old
}

// IsConnected is true iff a session is attached.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess != nil
}

// SessionID returns the current handshake session id, or "" if no
// session is attached.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// LastHeartbeat returns the timestamp of the most recent heartbeat frame.
func (m *Manager) LastHeartbeat() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeartbeat
}

// IsCompiling reports the manager's local view of Unity's compile state,
// used by the dispatcher's compilation-await poll phase to avoid an
// unnecessary round trip when a compile is already known to be underway.
func (m *Manager) IsCompiling() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compiling
}

// SendCommand registers a PendingCommand and emits command:execute;
// blocks until the matching command:result arrives, the deadline fires,
// or the link drops.
func (m *Manager) SendCommand(toolName string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil {
		return nil, ErrNotConnected
	}

	commandID, done := m.commands.register(toolName, timeout)

	// register happens-before send: the map already contains the entry
	// by the time Unity could possibly reply.
	if err := sess.send(protocol.NewCommandExecute(commandID, toolName, payload)); err != nil {
		// The write failed (link already gone); drop just this entry so
		// a concurrent disconnect handler doesn't double-resolve it.
		m.commands.resolve(commandID, false, nil, ErrNotConnected.Error())
		return nil, ErrNotConnected
	}

	outcome := <-done
	return outcome.result, outcome.err
}

// SendPing emits a ping frame. Silent no-op when disconnected, per §4.5.
func (m *Manager) SendPing() {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil {
		return
	}
	_ = sess.send(protocol.NewPing(time.Now().UnixMilli()))
}

// AwaitCompilation delegates to the compilation latch with the
// not-connected precondition from §4.4.
func (m *Manager) AwaitCompilation(timeout time.Duration) (protocol.CompilationResult, error) {
	if !m.IsConnected() {
		return protocol.CompilationResult{}, ErrNotConnected
	}

	done, _ := m.compilation.register(timeout)
	outcome := <-done
	return outcome.result, outcome.err
}

// handleMessage is the recv-loop dispatch by message type (§4.5).
func (m *Manager) handleMessage(sess *session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHello:
		m.handleHello(sess, env)

	case protocol.TypeHeartbeat:
		m.mu.Lock()
		m.lastHeartbeat = time.Now()
		m.mu.Unlock()

	case protocol.TypeContextUpdate:
		m.mu.Lock()
		m.lastContext = env.Payload
		m.mu.Unlock()
		m.emit(EventContextUpdated, env.Payload)

	case protocol.TypeCommandResult:
		ok := env.OK != nil && *env.OK
		m.commands.resolve(env.CommandID, ok, env.Result, env.ErrorMessage)

	case protocol.TypeCompileStarted:
		m.mu.Lock()
		m.compiling = true
		m.mu.Unlock()

	case protocol.TypeCompileProgress:
		// Informational only; validates the liveness assumption. A
		// no-op when nobody is waiting is intentional, not an error.

	case protocol.TypeCompileComplete:
		var result protocol.CompilationResult
		if err := json.Unmarshal(env.Result, &result); err != nil {
			m.log.Warnf("bridge: malformed compilation:complete payload: %v", err)
			return
		}
		m.mu.Lock()
		m.compiling = false
		m.mu.Unlock()
		m.compilation.resolveAll(compilationOutcome{result: result})

	case protocol.TypeBridgeRestarted:
		m.mu.Lock()
		if env.SessionID != "" {
			m.sessionID = env.SessionID
		}
		m.compiling = false
		m.mu.Unlock()
		m.compilation.resolveAll(compilationOutcome{result: protocol.CompilationResult{
			Success:         true,
			Completed:       true,
			BridgeRestarted: true,
			Reason:          env.Reason,
		}})

	default:
		m.log.Debugf("bridge: unknown message type %q, ignoring", env.Type)
	}
}

// handleHello records session metadata, enforces the configured token
// policy, and emits the connected lifecycle event.
func (m *Manager) handleHello(sess *session, env protocol.Envelope) {
	if m.token != "" && env.Token != m.token {
		m.log.Warnf("bridge: hello token mismatch, closing with 4401")
		m.closeWithCode(sess, 4401, "invalid token")
		return
	}

	m.mu.Lock()
	m.sessionID = env.SessionID
	m.unityVersion = env.UnityVersion
	m.projectName = env.ProjectName
	m.mu.Unlock()

	m.log.Infof("bridge: hello received, session=%s unity=%s project=%s",
		env.SessionID, env.UnityVersion, env.ProjectName)

	_ = sess.send(protocol.NewServerInfo(map[string]interface{}{
		"name":    "unity-mcp-bridge",
		"version": "1.0.0",
	}))

	m.emit(EventConnected, env.SessionID)
}

func (m *Manager) closeWithCode(sess *session, code int, reason string) {
	sess.closeMu.Lock()
	sess.closed = true
	sess.closeMu.Unlock()

	sess.writeMu.Lock()
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	sess.writeMu.Unlock()

	_ = sess.conn.Close()
}

// handleDisconnect is invoked exactly once by recvLoop's termination. A
// stale session's recvLoop can still be unwinding after Attach has
// already installed a newer one (Attach closes the old session but does
// not wait for its recvLoop to notice); once superseded, that session's
// disconnect is a no-op — the new session is unaffected and its pending
// commands must not be torn down for an old link's failure.
// Compilation waiters are deliberately not failed here (§4.5): the
// supervisor's reconnect will either deliver bridge:restarted (treated as
// success) or they will time out on their own deadlines.
func (m *Manager) handleDisconnect(sess *session) {
	m.mu.Lock()
	current := m.sess == sess
	if current {
		m.sess = nil
		m.sessionID = ""
	}
	m.mu.Unlock()

	if !current {
		return
	}

	m.commands.failAll(ErrBridgeDisconnected)

	m.disconnectMu.Lock()
	close(m.disconnectSignal)
	m.disconnectSignal = make(chan struct{})
	m.disconnectMu.Unlock()

	m.emit(EventDisconnected, nil)
}

// heartbeatLoop is a convenience driver the supervisor starts once per
// attached session: it applies SendPing on a fixed interval plus a
// WebSocket-level control ping, returning when stop fires.
func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(controlPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SendPing()
			m.mu.RLock()
			sess := m.sess
			m.mu.RUnlock()
			if sess != nil {
				if err := sess.controlPing(controlPingDeadline); err != nil {
					m.log.Debugf("bridge: control ping failed: %v", err)
				}
			}
		case <-stop:
			return
		}
	}
}
