package bridge

import (
	"math"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// connState names the supervisor's state machine explicitly rather than
// relying on implicit flags (§9: "prefer an explicit state type").
type connState int

const (
	stateDialing connState = iota
	stateConnected
	stateDraining
	stateBackoff
)

func (s connState) String() string {
	switch s {
	case stateDialing:
		return "dialing"
	case stateConnected:
		return "connected"
	case stateDraining:
		return "draining"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const (
	minBackoff  = 1 * time.Second
	maxBackoff  = 60 * time.Second
	dialTimeout = 10 * time.Second
)

// Supervisor dials the Unity endpoint with backoff, attaches new sockets
// to a Manager, and restarts on disconnect until Stop is called (C6).
type Supervisor struct {
	log     *logrus.Logger
	manager *Manager
	url     string

	reconnectInterval time.Duration
	backoff           time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSupervisor builds a supervisor targeting url, using reconnectInterval
// as the per-attempt backoff seed (bounded below at 1s per §4.6).
func NewSupervisor(log *logrus.Logger, manager *Manager, url string, reconnectInterval time.Duration) *Supervisor {
	if reconnectInterval < minBackoff {
		reconnectInterval = minBackoff
	}
	return &Supervisor{
		log:               log,
		manager:           manager,
		url:               url,
		reconnectInterval: reconnectInterval,
		backoff:           reconnectInterval,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Start runs the supervisor's loop in a new goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop sets the shared cancellation signal and waits for the loop to
// exit. If still connected, a clean close (code 1000) is sent; pending
// commands are then failed via the manager's normal disconnect path.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Supervisor) run() {
	defer close(s.doneCh)

	state := stateDialing
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		switch state {
		case stateDialing:
			if s.dial() {
				state = stateConnected
			} else {
				state = stateBackoff
			}

		case stateConnected:
			if s.waitForDisconnect() {
				state = stateDraining
			} else {
				state = stateBackoff
			}

		case stateDraining:
			return

		case stateBackoff:
			if s.sleepBackoff() {
				return
			}
			state = stateDialing
		}
	}
}

// dial opens a WebSocket to the configured endpoint with a bounded
// open-timeout, attaches it to the manager on success, and resets the
// backoff delay.
func (s *Supervisor) dial() bool {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		s.log.Warnf("bridge: connection attempt to %s failed: %v", s.url, err)
		return false
	}

	s.log.Infof("bridge: connected to %s", s.url)
	s.manager.Attach(conn)
	s.backoff = s.reconnectInterval
	return true
}

// waitForDisconnect runs the connected state's cooperating tasks: a
// fixed-interval ping driver and a disconnect observer, plus the stop
// signal. The first to complete wins; the others are cancelled. Returns
// true if it returned because of a shutdown request (caller transitions
// to draining), false if the link simply dropped (caller backs off, then
// redials).
func (s *Supervisor) waitForDisconnect() bool {
	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		s.manager.heartbeatLoop(stopHeartbeat)
		close(heartbeatDone)
	}()
	defer func() {
		close(stopHeartbeat)
		<-heartbeatDone
	}()

	disconnected := s.manager.WaitDisconnected()

	select {
	case <-disconnected:
		s.log.Warnf("bridge: connection to %s closed unexpectedly", s.url)
		return false
	case <-s.stopCh:
		if s.manager.IsConnected() {
			s.manager.mu.RLock()
			sess := s.manager.sess
			s.manager.mu.RUnlock()
			if sess != nil {
				sess.close()
			}
		}
		// The close triggers recvLoop's termination asynchronously;
		// wait for the manager to actually observe the disconnect so
		// pending commands are flushed before Stop returns.
		<-disconnected
		return true
	}
}

// sleepBackoff sleeps for the current backoff delay, honoring the stop
// signal, then doubles the delay up to maxBackoff. Returns true if the
// sleep was interrupted by Stop.
func (s *Supervisor) sleepBackoff() bool {
	s.log.Debugf("bridge: backing off %v before reconnecting", s.backoff)

	timer := time.NewTimer(s.backoff)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return true
	case <-timer.C:
	}

	s.backoff = time.Duration(math.Min(float64(s.backoff*2), float64(maxBackoff)))
	return false
}
