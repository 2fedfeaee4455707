package services

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection one watch-session socket. The websocket handler owns the socket and
// its read/write loops; the push service only writes into Send.
type Connection struct {
	ID       string
	WalletID string
	Conn     *websocket.Conn
	Send     chan []byte
	LastPing time.Time
}

// PushMessage envelope of every server push
type PushMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id"`
	WalletID  string      `json:"wallet_id"`
	Data      interface{} `json:"data"`
}

// DepositUpdateData payload of deposit_* pushes
type DepositUpdateData struct {
	Chain                 string                `json:"chain"`
	Currency              string                `json:"currency"`
	TxID                  string                `json:"tx_id"`
	Address               string                `json:"address"`
	From                  string                `json:"from"`
	Amount                string                `json:"amount"`
	Fee                   string                `json:"fee"`
	Status                models.TransferStatus `json:"status"`
	BlockRef              string                `json:"block_ref,omitempty"`
	Confirmations         int                   `json:"confirmations,omitempty"`
	RequiredConfirmations int                   `json:"required_confirmations,omitempty"`
	UserMessage           string                `json:"user_message"`
	Progress              int                   `json:"progress"`
	Icon                  string                `json:"icon"`
	ObservedAt            time.Time             `json:"observed_at"`
}

const (
	MessageTypeDepositPending   = "deposit_pending"
	MessageTypeDepositConfirmed = "deposit_confirmed"
	MessageTypeDepositFailed    = "deposit_failed"
)

// User-friendly status message mapping
var depositStatusMessages = map[models.TransferStatus]struct {
	Message  string
	Progress int
	Icon     string
}{
	models.TransferStatusPending:   {"⏳ Deposit detected, waiting for confirmations...", 50, "⏳"},
	models.TransferStatusConfirmed: {"✅ Deposit confirmed, crediting your balance", 100, "✅"},
	models.TransferStatusCompleted: {"🎉 Deposit completed, funds credited", 100, "🎉"},
	models.TransferStatusFailed:    {"❌ Deposit could not be confirmed", 0, "❌"},
}

// WebSocketPushService fans server pushes out to a wallet's sockets
type WebSocketPushService struct {
	connections map[string]*Connection   // key: connectionID
	walletConns map[string][]*Connection // key: walletID
	hub         chan PushMessage
	quit        chan struct{}
	stopOnce    sync.Once
	mutex       sync.RWMutex

	subscriptions *WebSocketSubscriptionManager
}

// NewWebSocketPushService starts the push loop; subs may be nil, in which case
// deposit pushes reach every socket of the wallet
func NewWebSocketPushService(subs *WebSocketSubscriptionManager) *WebSocketPushService {
	service := &WebSocketPushService{
		connections:   make(map[string]*Connection),
		walletConns:   make(map[string][]*Connection),
		hub:           make(chan PushMessage, 256),
		quit:          make(chan struct{}),
		subscriptions: subs,
	}

	go service.run()
	return service
}

// Push service
func (s *WebSocketPushService) run() {
	for {
		select {
		case message := <-s.hub:
			s.handleBroadcast(message)
		case <-s.quit:
			return
		}
	}
}

// Stop ends the push loop; queued messages are dropped
func (s *WebSocketPushService) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// RegisterConnectionMapping registers the connection for pushes without taking
// over its read/write loops
func (s *WebSocketPushService) RegisterConnectionMapping(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.connections[conn.ID] = conn
	s.walletConns[conn.WalletID] = append(s.walletConns[conn.WalletID], conn)
	metrics.WebSocketConnections.Inc()

	log.Printf("📱 WebSocket connection mapping registered: wallet=%s, connID=%s", conn.WalletID, conn.ID)
}

// UnregisterConnectionMapping removes the mapping; the Send channel is left open
// for the handler to drain
func (s *WebSocketPushService) UnregisterConnectionMapping(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.connections[conn.ID]; !exists {
		return
	}
	delete(s.connections, conn.ID)
	metrics.WebSocketConnections.Dec()

	if walletConns, exists := s.walletConns[conn.WalletID]; exists {
		for i, c := range walletConns {
			if c.ID == conn.ID {
				s.walletConns[conn.WalletID] = append(walletConns[:i], walletConns[i+1:]...)
				break
			}
		}
		if len(s.walletConns[conn.WalletID]) == 0 {
			delete(s.walletConns, conn.WalletID)
		}
	}

	log.Printf("📱 WebSocket connection mapping unregistered: wallet=%s, connID=%s", conn.WalletID, conn.ID)
}

// BroadcastDeposit queues a deposit status push for the transfer's wallet
func (s *WebSocketPushService) BroadcastDeposit(transfer *models.CanonicalTransfer) {
	if transfer == nil {
		return
	}
	status := depositStatusMessages[transfer.Status]
	data := DepositUpdateData{
		Chain:                 transfer.Chain,
		Currency:              transfer.Currency,
		TxID:                  transfer.TxID,
		Address:               transfer.To,
		From:                  transfer.From,
		Amount:                transfer.Amount,
		Fee:                   transfer.Fee,
		Status:                transfer.Status,
		BlockRef:              transfer.BlockRef,
		Confirmations:         transfer.Confirmations,
		RequiredConfirmations: transfer.RequiredConfirmations,
		UserMessage:           status.Message,
		Progress:              status.Progress,
		Icon:                  status.Icon,
		ObservedAt:            transfer.Timestamp,
	}
	s.enqueue(PushMessage{
		Type:      depositMessageType(transfer.Status),
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: generateMessageID(),
		WalletID:  transfer.WalletID,
		Data:      data,
	})
}

// PushToWallet queues an arbitrary push for every socket of walletID
func (s *WebSocketPushService) PushToWallet(walletID, msgType string, data interface{}) {
	s.enqueue(PushMessage{
		Type:      msgType,
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: generateMessageID(),
		WalletID:  walletID,
		Data:      data,
	})
}

func (s *WebSocketPushService) enqueue(message PushMessage) {
	select {
	case s.hub <- message:
	default:
		log.Printf("⚠️ [WebSocketpush] Hub full, dropping %s for wallet %s", message.Type, message.WalletID)
	}
}

func (s *WebSocketPushService) handleBroadcast(message PushMessage) {
	targets := s.targetsFor(message)
	if len(targets) == 0 {
		log.Printf("📭 No connections for wallet: %s (type=%s)", message.WalletID, message.Type)
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal message: %v", err)
		return
	}

	successCount, failedCount := 0, 0
	for _, conn := range targets {
		select {
		case conn.Send <- data:
			successCount++
		default:
			failedCount++
			log.Printf("⚠️ [WebSocketpush] Failed to send to connection: %s (channel full)", conn.ID)
		}
	}

	log.Printf("📤 [WebSocketpush] Message delivery summary: sent=%d, failed=%d, total=%d, wallet=%s, type=%s",
		successCount, failedCount, len(targets), message.WalletID, message.Type)
}

// targetsFor wallet sockets; deposit pushes only go to sockets subscribed to
// deposits on the receiving address
func (s *WebSocketPushService) targetsFor(message PushMessage) []*Connection {
	s.mutex.RLock()
	walletConns := append([]*Connection(nil), s.walletConns[message.WalletID]...)
	s.mutex.RUnlock()

	deposit, ok := message.Data.(DepositUpdateData)
	if !ok || s.subscriptions == nil {
		return walletConns
	}

	subscribed := make(map[string]bool)
	for _, id := range s.subscriptions.GetClientsForDeposit(deposit.Address) {
		subscribed[id] = true
	}
	targets := walletConns[:0]
	for _, conn := range walletConns {
		if subscribed[conn.ID] {
			targets = append(targets, conn)
		}
	}
	return targets
}

// GetActiveConnections number of registered sockets
func (s *WebSocketPushService) GetActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

// GetWalletConnections number of registered sockets for walletID
func (s *WebSocketPushService) GetWalletConnections(walletID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.walletConns[walletID])
}

func depositMessageType(status models.TransferStatus) string {
	switch {
	case status.IsFinal():
		return MessageTypeDepositConfirmed
	case status == models.TransferStatusFailed:
		return MessageTypeDepositFailed
	}
	return MessageTypeDepositPending
}

func generateConnectionID() string {
	return "conn_" + uuid.NewString()
}

func generateMessageID() string {
	return "msg_" + uuid.NewString()
}

// NewConnection builds a connection record with a fresh id
func NewConnection(walletID string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:       generateConnectionID(),
		WalletID: walletID,
		Conn:     ws,
		Send:     make(chan []byte, 256),
		LastPing: time.Now(),
	}
}
