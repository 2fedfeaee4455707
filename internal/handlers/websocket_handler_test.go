package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/models"
	"deposit-engine/internal/monitors"
	"deposit-engine/internal/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMonitor struct {
	mu     sync.Mutex
	params monitors.WatchParams
	active bool
}

func (m *stubMonitor) setActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
}

func (m *stubMonitor) StartWatching() { m.setActive(true) }
func (m *stubMonitor) StopWatching()  { m.setActive(false) }

func (m *stubMonitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *stubMonitor) Params() monitors.WatchParams { return m.params }

type stubFactory struct{}

func (stubFactory) ChainFamily(chain string) (models.ChainFamily, bool) {
	if strings.EqualFold(chain, "ethereum") {
		return models.ChainFamilyAccount, true
	}
	return "", false
}

func (stubFactory) New(params monitors.WatchParams) (monitors.Monitor, error) {
	return &stubMonitor{params: params}, nil
}

type wsFixture struct {
	server   *httptest.Server
	push     *services.WebSocketPushService
	subs     *services.WebSocketSubscriptionManager
	registry *services.SessionRegistry
}

// gatedFactory holds New until release is closed
type gatedFactory struct {
	stubFactory
	entered chan struct{}
	release chan struct{}
}

func (f *gatedFactory) New(params monitors.WatchParams) (monitors.Monitor, error) {
	f.entered <- struct{}{}
	<-f.release
	return f.stubFactory.New(params)
}

func newWSFixture(t *testing.T) *wsFixture {
	return newWSFixtureWith(t, stubFactory{})
}

func newWSFixtureWith(t *testing.T, factory services.MonitorFactory) *wsFixture {
	t.Helper()
	withConfig(t)

	subs := services.NewWebSocketSubscriptionManager()
	push := services.NewWebSocketPushService(subs)
	registry := services.NewSessionRegistry(factory, nil, config.EngineConfig{
		IdleCloseDefault:    time.Hour,
		IdleCloseNoApproval: time.Hour,
	})
	h := NewWebSocketHandler(push, subs, registry)
	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		registry.Shutdown()
		push.Stop()
	})
	return &wsFixture{server: server, push: push, subs: subs, registry: registry}
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sessionToken(t *testing.T, wallet string) string {
	t.Helper()
	token, err := GenerateJWTToken("user-1", wallet, time.Minute)
	require.NoError(t, err)
	return token
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	f := newWSFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketWatchFlow(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, sessionToken(t, "wallet-1"))

	hello := readJSON(t, conn)
	assert.Equal(t, "connected", hello["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":   "watch",
		"chain":    "ethereum",
		"currency": "ETH",
		"address":  evmAddress,
	}))
	started := readJSON(t, conn)
	require.Equal(t, "watch_started", started["type"])
	data := started["data"].(map[string]interface{})
	assert.Equal(t, "wallet-1:ethereum", data["session_key"])
	assert.Equal(t, string(models.CustodyModeSelf), data["custody_mode"])
	assert.Equal(t, false, data["reused"])

	// the watch subscribed the socket to deposits on its address
	require.Eventually(t, f.subs.HasDepositSubscribers, time.Second, 10*time.Millisecond)
	f.push.BroadcastDeposit(&models.CanonicalTransfer{
		WalletID: "wallet-1",
		Chain:    "ethereum",
		Currency: "ETH",
		TxID:     "0xabc",
		To:       evmAddress,
		Amount:   "1.5",
		Status:   models.TransferStatusConfirmed,
	})
	pushed := readJSON(t, conn)
	assert.Equal(t, services.MessageTypeDepositConfirmed, pushed["type"])

	sessions := f.registry.Snapshot()
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Connections)

	// same target again reuses the monitor
	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":   "watch",
		"chain":    "ethereum",
		"currency": "ETH",
		"address":  evmAddress,
	}))
	again := readJSON(t, conn)
	assert.Equal(t, true, again["data"].(map[string]interface{})["reused"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unwatch", "chain": "ethereum"}))
	stopped := readJSON(t, conn)
	assert.Equal(t, "watch_stopped", stopped["type"])
	assert.True(t, f.registry.Snapshot()[0].ClosePending)
}

func TestWebSocketControlMessages(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, sessionToken(t, "wallet-2"))
	readJSON(t, conn) // connected

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "type": "deposits"}))
	assert.Equal(t, "subscription_confirmed", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "unsubscribe", "type": "deposits"}))
	assert.Equal(t, "unsubscription_confirmed", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "dance"}))
	bad := readJSON(t, conn)
	assert.Equal(t, "error", bad["type"])
	assert.Equal(t, "MALFORMED_INPUT", bad["code"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "watch", "chain": "solana", "currency": "SOL", "address": evmAddress}))
	unsupported := readJSON(t, conn)
	assert.Equal(t, "error", unsupported["type"])
	assert.Equal(t, "watch", unsupported["action"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "error", readJSON(t, conn)["type"])
}

func TestWebSocketDisconnectSchedulesClose(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, sessionToken(t, "wallet-3"))
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":   "watch",
		"chain":    "ethereum",
		"currency": "ETH",
		"address":  evmAddress,
	}))
	readJSON(t, conn)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		sessions := f.registry.Snapshot()
		return len(sessions) == 1 && sessions[0].ClosePending && sessions[0].Connections == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketWriteFailureWaitsForPendingWatch(t *testing.T) {
	factory := &gatedFactory{entered: make(chan struct{}, 1), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(factory.release) }) }

	f := newWSFixtureWith(t, factory)
	t.Cleanup(release) // before the registry shuts down
	conn := f.dial(t, sessionToken(t, "wallet-4"))
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action":   "watch",
		"chain":    "ethereum",
		"currency": "ETH",
		"address":  evmAddress,
	}))
	select {
	case <-factory.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("watch never reached the monitor factory")
	}

	// the reader is stuck opening the watch; kill the socket under the writer
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		f.push.PushToWallet("wallet-4", "notice", map[string]string{"msg": "hello"})
		return f.push.GetWalletConnections("wallet-4") == 0
	}, 3*time.Second, 20*time.Millisecond, "push write never failed")

	release()
	require.Eventually(t, func() bool {
		sessions := f.registry.Snapshot()
		return len(sessions) == 1 && sessions[0].Connections == 0 && sessions[0].ClosePending
	}, 3*time.Second, 20*time.Millisecond, "session attached after the write failure was not detached")
}
