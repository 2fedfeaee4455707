package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"deposit-engine/internal/dto"
	"deposit-engine/internal/models"
	"deposit-engine/internal/services"
	"deposit-engine/internal/types"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 54 * time.Second
	openTimeout  = 30 * time.Second
)

// WebSocketHandler serves watch sessions: one socket per client, any number of watches per socket
type WebSocketHandler struct {
	pushService     *services.WebSocketPushService
	subscriptionMgr *services.WebSocketSubscriptionManager
	registry        *services.SessionRegistry
	upgrader        websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	pushService *services.WebSocketPushService,
	subscriptionMgr *services.WebSocketSubscriptionManager,
	registry *services.SessionRegistry,
) *WebSocketHandler {
	return &WebSocketHandler{
		pushService:     pushService,
		subscriptionMgr: subscriptionMgr,
		registry:        registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// wsSession per-socket state shared by the read goroutine and the disconnect path
type wsSession struct {
	conn    *services.Connection
	claims  *JWTClaims
	remote  string
	replies chan []byte

	mu      sync.Mutex
	watched map[string]string // session key -> watched address
}

func (s *wsSession) reply(msgType string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["type"] = msgType
	payload["timestamp"] = time.Now()
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("❌ [WebSocket] Failed to marshal %s reply: %v", msgType, err)
		return
	}
	select {
	case s.replies <- data:
	default:
		log.Printf("⚠️ [WebSocket] Reply channel full for client %s, dropping %s", s.conn.ID, msgType)
	}
}

func (s *wsSession) replyError(action string, err error) {
	payload := map[string]interface{}{
		"action":    action,
		"error":     err.Error(),
		"code":      types.Code(err),
		"retryable": errors.Is(err, types.ErrPoolExhausted),
	}
	if StatusFor(err) == http.StatusInternalServerError {
		payload["error"] = "internal error"
	}
	s.reply("error", payload)
}

// HandleWebSocket authenticates, upgrades and runs the socket until either side closes it
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := ValidateJWTToken(tokenFromRequest(r))
	if err != nil {
		log.Printf("❌ JWT validation failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	// Only the mapping is registered with the push service; this handler keeps
	// the single write loop below
	pushConnection := services.NewConnection(claims.WalletID, ws)
	clientID := pushConnection.ID
	h.pushService.RegisterConnectionMapping(pushConnection)

	session := &wsSession{
		conn:    pushConnection,
		claims:  claims,
		remote:  r.RemoteAddr,
		replies: make(chan []byte, 64),
		watched: make(map[string]string),
	}
	h.subscriptionMgr.RegisterClient(clientID, claims.WalletID, session.replies)
	defer h.subscriptionMgr.UnregisterClient(clientID)

	pongChan := make(chan []byte, 10)

	log.Printf("📡 WebSocket client connected: %s (wallet: %s)", clientID, claims.WalletID)
	session.reply("connected", map[string]interface{}{
		"client_id": clientID,
		"message":   "Connected to deposit watch service",
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readDone := make(chan struct{})
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("❌ [WebSocket] PANIC recovered in read goroutine for client %s: %v", clientID, rec)
			}
			close(readDone)
		}()
		h.readLoop(ctx, session, pongChan)
	}()

	h.writeLoop(session, pongChan, readDone)

	// The reader may still be inside handleWatch; wait for it so detachAll
	// sees every session it attached.
	h.pushService.UnregisterConnectionMapping(pushConnection)
	cancel()
	ws.Close()
	<-readDone
	h.detachAll(session)
}

// writeLoop is the only writer on the socket; it returns on the first failed
// write or once the reader is done
func (h *WebSocketHandler) writeLoop(session *wsSession, pongChan <-chan []byte, readDone <-chan struct{}) {
	ws := session.conn.Conn
	clientID := session.conn.ID

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case message := <-session.replies:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ [WebSocket] Write error for client %s: %v", clientID, err)
				return
			}
		case message, ok := <-session.conn.Send:
			if !ok {
				log.Printf("📭 [WebSocket] Push channel closed for client %s", clientID)
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ [WebSocket] Write error for client %s: %v", clientID, err)
				return
			}
		case pong := <-pongChan:
			ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, pong); err != nil {
				log.Printf("❌ [WebSocket] Pong write error for client %s: %v", clientID, err)
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ [WebSocket] Ping error for client %s: %v", clientID, err)
				return
			}
		case <-readDone:
			log.Printf("🔌 [WebSocket] Client %s disconnected", clientID)
			return
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, session *wsSession, pongChan chan []byte) {
	ws := session.conn.Conn
	clientID := session.conn.ID

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				log.Printf("⏱️ [WebSocket] Read timeout for client %s", clientID)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️ [WebSocket] Read error for client %s: %v", clientID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg dto.WatchRequest
		if err := json.Unmarshal(payload, &msg); err != nil {
			session.replyError("", types.Malformed("message is not valid JSON"))
			continue
		}

		if msg.Type == "ping" && msg.Action == "" {
			pong, _ := json.Marshal(map[string]interface{}{"type": "pong", "timestamp": time.Now()})
			select {
			case pongChan <- pong:
			default:
				log.Printf("⚠️ [WebSocket] Pong channel full for client %s, dropping pong", clientID)
			}
			continue
		}

		switch msg.Action {
		case "watch":
			h.handleWatch(ctx, session, &msg)
		case "unwatch":
			h.handleUnwatch(session, &msg)
		case "subscribe", "unsubscribe":
			h.handleSubscriptionMessage(session, &msg)
		default:
			session.replyError(msg.Action, types.Malformed(fmt.Sprintf("unknown action %q", msg.Action)))
		}
	}
}

// handleWatch opens (or reuses) the session monitor and subscribes the socket to its address
func (h *WebSocketHandler) handleWatch(ctx context.Context, session *wsSession, msg *dto.WatchRequest) {
	claims := session.claims
	sessionKey := services.SessionKey(claims.WalletID, msg.Chain)

	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	res, err := h.registry.Open(openCtx, services.OpenRequest{
		SessionKey:  sessionKey,
		WalletID:    claims.WalletID,
		UserID:      claims.UserID,
		Chain:       msg.Chain,
		Currency:    msg.Currency,
		Address:     msg.Address,
		CustodyMode: models.CustodyMode(msg.CustodyMode),
	})
	if err != nil {
		log.Printf("❌ [WebSocket] Watch failed for client %s: %v", session.conn.ID, err)
		session.replyError("watch", err)
		return
	}

	params := res.Monitor.Params()
	h.registry.Attach(sessionKey, services.ConnectionMeta{
		ConnID:      session.conn.ID,
		RemoteAddr:  session.remote,
		ConnectedAt: time.Now(),
	})

	session.mu.Lock()
	session.watched[sessionKey] = params.Address
	filterAddress := params.Address
	if len(session.watched) > 1 {
		// several watches on one socket: every address of the wallet
		filterAddress = ""
	}
	session.mu.Unlock()

	if err := h.subscriptionMgr.Subscribe(session.conn.ID, &services.SubscriptionFilter{
		Type:      services.SubscriptionTypeDeposits,
		Address:   filterAddress,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		log.Printf("⚠️ [WebSocket] Deposit subscription failed for client %s: %v", session.conn.ID, err)
	}

	session.reply("watch_started", map[string]interface{}{
		"data": dto.WatchStarted{
			SessionKey:  sessionKey,
			Chain:       params.Chain,
			Currency:    params.Currency,
			Address:     params.Address,
			CustodyMode: params.CustodyMode,
			Reused:      res.Reused,
		},
	})
	log.Printf("👀 [WebSocket] Client %s watching %s %s at %s", session.conn.ID, params.Chain, params.Currency, params.Address)
}

func (h *WebSocketHandler) handleUnwatch(session *wsSession, msg *dto.WatchRequest) {
	sessionKey := services.SessionKey(session.claims.WalletID, msg.Chain)

	session.mu.Lock()
	_, watching := session.watched[sessionKey]
	delete(session.watched, sessionKey)
	session.mu.Unlock()

	if !watching {
		session.replyError("unwatch", types.Malformed(fmt.Sprintf("not watching %q", msg.Chain)))
		return
	}
	remaining := h.registry.Detach(sessionKey, session.conn.ID)
	session.reply("watch_stopped", map[string]interface{}{
		"session_key":       sessionKey,
		"other_connections": remaining,
	})
}

// handleSubscriptionMessage processes subscribe/unsubscribe requests
func (h *WebSocketHandler) handleSubscriptionMessage(session *wsSession, msg *dto.WatchRequest) {
	subType := services.SubscriptionType(msg.Type)
	clientID := session.conn.ID

	switch msg.Action {
	case "subscribe":
		err := h.subscriptionMgr.Subscribe(clientID, &services.SubscriptionFilter{
			Type:      subType,
			Address:   msg.Address,
			Timestamp: time.Now().Unix(),
		})
		if err != nil {
			log.Printf("❌ Subscription failed for %s: %v", clientID, err)
			session.replyError("subscribe", types.Malformed(err.Error()))
			return
		}
		log.Printf("✅ Client %s subscribed to %s", clientID, subType)
		session.reply("subscription_confirmed", map[string]interface{}{
			"sub_type": subType,
			"message":  fmt.Sprintf("Subscribed to %s", subType),
		})

	case "unsubscribe":
		if err := h.subscriptionMgr.Unsubscribe(clientID, subType); err != nil {
			log.Printf("❌ Unsubscription failed for %s: %v", clientID, err)
			session.replyError("unsubscribe", types.Malformed(err.Error()))
			return
		}
		log.Printf("✅ Client %s unsubscribed from %s", clientID, subType)
		session.reply("unsubscription_confirmed", map[string]interface{}{
			"sub_type": subType,
			"message":  fmt.Sprintf("Unsubscribed from %s", subType),
		})
	}
}

// detachAll releases every session this socket was serving; the registry
// schedules the deferred close once a session has no connections left
func (h *WebSocketHandler) detachAll(session *wsSession) {
	session.mu.Lock()
	keys := make([]string, 0, len(session.watched))
	for key := range session.watched {
		keys = append(keys, key)
	}
	session.watched = map[string]string{}
	session.mu.Unlock()

	for _, key := range keys {
		h.registry.Detach(key, session.conn.ID)
	}
}
