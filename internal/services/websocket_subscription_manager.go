package services

import (
	"sync"

	"deposit-engine/internal/utils"
)

// SubscriptionType defines the type of subscription
type SubscriptionType string

const (
	SubscriptionTypeDeposits SubscriptionType = "deposits"
)

// allAddresses index key for deposit subscriptions without an address filter
const allAddresses = "*"

// SubscriptionFilter contains filters for a subscription
type SubscriptionFilter struct {
	Type      SubscriptionType `json:"type"`
	Address   string           `json:"address,omitempty"` // empty means every deposit the client may see
	Timestamp int64            `json:"timestamp"`
}

// ClientSubscription represents a client's subscriptions
type ClientSubscription struct {
	ClientID      string
	WalletID      string // from JWT
	Subscriptions map[SubscriptionType]*SubscriptionFilter
	MessageChan   chan []byte
	mu            sync.RWMutex
}

// HasSubscription reports whether the client subscribed to subType
func (c *ClientSubscription) HasSubscription(subType SubscriptionType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.Subscriptions[subType]
	return ok
}

// WebSocketSubscriptionManager manages all active deposit feed subscriptions.
// Its subscriber count gates the reconciliation loop.
type WebSocketSubscriptionManager struct {
	clients map[string]*ClientSubscription
	mu      sync.RWMutex

	// address -> clientID set
	depositSubscriptions map[string]map[string]bool
	subscriptionMu       sync.RWMutex
}

// NewWebSocketSubscriptionManager creates a new subscription manager
func NewWebSocketSubscriptionManager() *WebSocketSubscriptionManager {
	return &WebSocketSubscriptionManager{
		clients:              make(map[string]*ClientSubscription),
		depositSubscriptions: make(map[string]map[string]bool),
	}
}

// RegisterClient registers a new client connection
func (m *WebSocketSubscriptionManager) RegisterClient(clientID, walletID string, messageChan chan []byte) *ClientSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	client := &ClientSubscription{
		ClientID:      clientID,
		WalletID:      walletID,
		Subscriptions: make(map[SubscriptionType]*SubscriptionFilter),
		MessageChan:   messageChan,
	}
	m.clients[clientID] = client
	return client
}

// UnregisterClient removes a client and all its subscriptions
func (m *WebSocketSubscriptionManager) UnregisterClient(clientID string) {
	m.mu.Lock()
	_, exists := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()

	if !exists {
		return
	}

	m.subscriptionMu.Lock()
	defer m.subscriptionMu.Unlock()
	for addr, set := range m.depositSubscriptions {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.depositSubscriptions, addr)
		}
	}
}

// Subscribe adds a subscription for a client
func (m *WebSocketSubscriptionManager) Subscribe(clientID string, filter *SubscriptionFilter) error {
	if filter == nil || filter.Type != SubscriptionTypeDeposits {
		return ErrUnsupportedSubscription
	}

	m.mu.RLock()
	client, exists := m.clients[clientID]
	m.mu.RUnlock()
	if !exists {
		return ErrClientNotFound
	}

	client.mu.Lock()
	previous := client.Subscriptions[filter.Type]
	client.Subscriptions[filter.Type] = filter
	client.mu.Unlock()

	m.subscriptionMu.Lock()
	defer m.subscriptionMu.Unlock()
	if previous != nil {
		m.removeIndex(subscriptionKey(previous.Address), clientID)
	}
	key := subscriptionKey(filter.Address)
	if m.depositSubscriptions[key] == nil {
		m.depositSubscriptions[key] = make(map[string]bool)
	}
	m.depositSubscriptions[key][clientID] = true
	return nil
}

// Unsubscribe removes a subscription for a client
func (m *WebSocketSubscriptionManager) Unsubscribe(clientID string, subType SubscriptionType) error {
	m.mu.RLock()
	client, exists := m.clients[clientID]
	m.mu.RUnlock()

	if !exists {
		return ErrClientNotFound
	}

	client.mu.Lock()
	filter, exists := client.Subscriptions[subType]
	delete(client.Subscriptions, subType)
	client.mu.Unlock()

	if !exists {
		return ErrSubscriptionNotFound
	}

	m.subscriptionMu.Lock()
	defer m.subscriptionMu.Unlock()
	m.removeIndex(subscriptionKey(filter.Address), clientID)
	return nil
}

func (m *WebSocketSubscriptionManager) removeIndex(key, clientID string) {
	delete(m.depositSubscriptions[key], clientID)
	if len(m.depositSubscriptions[key]) == 0 {
		delete(m.depositSubscriptions, key)
	}
}

// GetClientsForDeposit returns the clients subscribed to deposits on address,
// including wildcard subscribers
func (m *WebSocketSubscriptionManager) GetClientsForDeposit(address string) []string {
	m.subscriptionMu.RLock()
	defer m.subscriptionMu.RUnlock()

	var clientIDs []string
	for clientID := range m.depositSubscriptions[subscriptionKey(address)] {
		clientIDs = append(clientIDs, clientID)
	}
	if address != "" {
		for clientID := range m.depositSubscriptions[allAddresses] {
			clientIDs = append(clientIDs, clientID)
		}
	}
	return clientIDs
}

// DepositSubscriberCount number of clients with a deposit subscription
func (m *WebSocketSubscriptionManager) DepositSubscriberCount() int {
	m.subscriptionMu.RLock()
	defer m.subscriptionMu.RUnlock()

	seen := make(map[string]struct{})
	for _, set := range m.depositSubscriptions {
		for clientID := range set {
			seen[clientID] = struct{}{}
		}
	}
	return len(seen)
}

// HasDepositSubscribers satisfies SubscriberGate
func (m *WebSocketSubscriptionManager) HasDepositSubscribers() bool {
	return m.DepositSubscriberCount() > 0
}

// GetClient returns a client by ID
func (m *WebSocketSubscriptionManager) GetClient(clientID string) (*ClientSubscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[clientID]
	return client, exists
}

// SendMessageToClients sends a message to multiple clients; a full channel skips the client
func (m *WebSocketSubscriptionManager) SendMessageToClients(clientIDs []string, message []byte) int {
	m.mu.RLock()
	clients := make([]*ClientSubscription, 0, len(clientIDs))
	for _, id := range clientIDs {
		if client, exists := m.clients[id]; exists {
			clients = append(clients, client)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.MessageChan <- message:
			sent++
		default:
		}
	}
	return sent
}

func subscriptionKey(address string) string {
	if address == "" {
		return allAddresses
	}
	return utils.NormalizeAddress(address)
}

// Error types
var (
	ErrClientNotFound          = NewError("client not found")
	ErrSubscriptionNotFound    = NewError("subscription not found")
	ErrUnsupportedSubscription = NewError("unsupported subscription type")
)

// Error helper
type Error struct {
	Message string
}

func NewError(msg string) Error {
	return Error{Message: msg}
}

func (e Error) Error() string {
	return e.Message
}
