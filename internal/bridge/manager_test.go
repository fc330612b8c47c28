package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// testServer spins up a single-connection WebSocket echo/scripted server
// that a test drives by reading/writing protocol.Envelope frames.
type testServer struct {
	httpSrv *httptest.Server
	connCh  chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := &testServer{connCh: make(chan *websocket.Conn, 1)}

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ts.connCh <- conn
	})
	ts.httpSrv = httptest.NewServer(mux)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.httpSrv.URL, "http") + "/bridge"
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestManager_AttachAndHello(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()

	dialer := websocket.Dialer{}
	clientConn, _, err := dialer.Dial(ts.url(), nil)
	require.NoError(t, err)

	m := NewManager(quietLogger(), "")

	serverConn := ts.accept(t)
	m.Attach(serverConn)

	connectedCh := make(chan interface{}, 1)
	m.On(EventConnected, func(payload interface{}) { connectedCh <- payload })

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{
		"type":         "hello",
		"sessionId":    "sess-1",
		"unityVersion": "2022.3.1f1",
		"projectName":  "Demo",
	}))

	select {
	case <-connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connected event never fired")
	}

	require.Eventually(t, m.IsConnected, time.Second, 10*time.Millisecond)
	require.Equal(t, "sess-1", m.SessionID())
}

func TestManager_SendCommandRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()

	dialer := websocket.Dialer{}
	clientConn, _, err := dialer.Dial(ts.url(), nil)
	require.NoError(t, err)

	m := NewManager(quietLogger(), "")
	serverConn := ts.accept(t)
	m.Attach(serverConn)

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{
		"type": "hello", "sessionId": "sess-1",
	}))

	go func() {
		var frame map[string]interface{}
		if err := clientConn.ReadJSON(&frame); err != nil {
			return
		}
		if frame["type"] != "command:execute" {
			return
		}
		_ = clientConn.WriteJSON(map[string]interface{}{
			"type":      "command:result",
			"commandId": frame["commandId"],
			"ok":        true,
			"result":    map[string]interface{}{"echoed": true},
		})
	}()

	result, err := m.SendCommand("pingUnityEditor", json.RawMessage(`{}`), time.Second)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(result, &decoded))
	require.Equal(t, true, decoded["echoed"])
}

func TestManager_SendCommandWhenDisconnectedFails(t *testing.T) {
	m := NewManager(quietLogger(), "")
	_, err := m.SendCommand("pingUnityEditor", json.RawMessage(`{}`), time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_ReattachFailsPendingCommands(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()

	dialer := websocket.Dialer{}
	clientConn1, _, err := dialer.Dial(ts.url(), nil)
	require.NoError(t, err)

	m := NewManager(quietLogger(), "")
	serverConn1 := ts.accept(t)
	m.Attach(serverConn1)
	require.NoError(t, clientConn1.WriteJSON(map[string]interface{}{"type": "hello", "sessionId": "s1"}))
	require.Eventually(t, m.IsConnected, time.Second, 10*time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		_, err := m.SendCommand("slowTool", json.RawMessage(`{}`), 5*time.Second)
		resultCh <- err
	}()

	// Give SendCommand time to register before reattaching.
	time.Sleep(50 * time.Millisecond)

	dialer2 := websocket.Dialer{}
	_, _, err = dialer2.Dial(ts.url(), nil)
	require.NoError(t, err)
	serverConn2 := ts.accept(t)
	m.Attach(serverConn2)

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrBridgeReattached)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was never failed on reattach")
	}
}

func TestManager_StaleSessionDisconnectDoesNotKillNewCommands(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()

	dialer := websocket.Dialer{}
	clientConn1, _, err := dialer.Dial(ts.url(), nil)
	require.NoError(t, err)

	m := NewManager(quietLogger(), "")
	serverConn1 := ts.accept(t)
	m.Attach(serverConn1)
	require.NoError(t, clientConn1.WriteJSON(map[string]interface{}{"type": "hello", "sessionId": "s1"}))
	require.Eventually(t, m.IsConnected, time.Second, 10*time.Millisecond)

	m.mu.RLock()
	staleSess := m.sess
	m.mu.RUnlock()

	dialer2 := websocket.Dialer{}
	clientConn2, _, err := dialer2.Dial(ts.url(), nil)
	require.NoError(t, err)
	serverConn2 := ts.accept(t)
	m.Attach(serverConn2)
	require.NoError(t, clientConn2.WriteJSON(map[string]interface{}{"type": "hello", "sessionId": "s2"}))
	require.Eventually(t, m.IsConnected, time.Second, 10*time.Millisecond)

	go func() {
		var frame map[string]interface{}
		if err := clientConn2.ReadJSON(&frame); err != nil {
			return
		}
		if frame["type"] != "command:execute" {
			return
		}
		_ = clientConn2.WriteJSON(map[string]interface{}{
			"type":      "command:result",
			"commandId": frame["commandId"],
			"ok":        true,
			"result":    map[string]interface{}{"echoed": true},
		})
	}()

	resultCh := make(chan error, 1)
	go func() {
		_, err := m.SendCommand("pingUnityEditor", json.RawMessage(`{}`), 2*time.Second)
		resultCh <- err
	}()

	// Give SendCommand time to register against the new session before the
	// stale session's delayed disconnect handler fires.
	time.Sleep(50 * time.Millisecond)
	m.handleDisconnect(staleSess)

	select {
	case err := <-resultCh:
		require.NoError(t, err, "a command registered on the new session must not be killed by the old session's disconnect")
	case <-time.After(2 * time.Second):
		t.Fatal("command never resolved")
	}

	require.True(t, m.IsConnected(), "the new session must remain attached")
}

func TestManager_AwaitCompilationViaBridgeRestarted(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()

	dialer := websocket.Dialer{}
	clientConn, _, err := dialer.Dial(ts.url(), nil)
	require.NoError(t, err)

	m := NewManager(quietLogger(), "")
	serverConn := ts.accept(t)
	m.Attach(serverConn)
	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{"type": "hello", "sessionId": "s1"}))
	require.Eventually(t, m.IsConnected, time.Second, 10*time.Millisecond)

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{"type": "compilation:started"}))
	require.Eventually(t, m.IsCompiling, time.Second, 10*time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		result, err := m.AwaitCompilation(2 * time.Second)
		if err == nil && !result.BridgeRestarted {
			err = errBadResult
		}
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{
		"type": "bridge:restarted", "reason": "assemblyReload", "sessionId": "s2",
	}))

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("await_compilation never resolved")
	}

	require.False(t, m.IsCompiling())
	require.Equal(t, "s2", m.SessionID())
}

func TestManager_TokenMismatchCloses(t *testing.T) {
	ts := newTestServer(t)
	defer ts.httpSrv.Close()

	dialer := websocket.Dialer{}
	clientConn, _, err := dialer.Dial(ts.url(), nil)
	require.NoError(t, err)

	m := NewManager(quietLogger(), "correct-token")
	serverConn := ts.accept(t)
	m.Attach(serverConn)

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{
		"type": "hello", "sessionId": "s1", "token": "wrong-token",
	}))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = clientConn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 4401, closeErr.Code)
	require.Eventually(t, func() bool { return !m.IsConnected() }, time.Second, 10*time.Millisecond)
}

var errBadResult = &ToolFailedError{Message: "expected bridgeRestarted result"}
