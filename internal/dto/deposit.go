package dto

import (
	"time"

	"deposit-engine/internal/models"
)

// ==================== Watch session DTOs ====================

// WatchRequest client message on the session websocket
type WatchRequest struct {
	Action      string `json:"action"`         // watch | unwatch | subscribe | unsubscribe
	Type        string `json:"type,omitempty"` // subscription type, or "ping"
	Chain       string `json:"chain,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Address     string `json:"address,omitempty"` // empty for no_approval: a custodial address is leased
	CustodyMode string `json:"custody_mode,omitempty"`
}

// WatchStarted reply to a watch action
type WatchStarted struct {
	SessionKey  string             `json:"session_key"`
	Chain       string             `json:"chain"`
	Currency    string             `json:"currency"`
	Address     string             `json:"address"`
	CustodyMode models.CustodyMode `json:"custody_mode"`
	Reused      bool               `json:"reused"`
}

// ==================== Admin DTOs ====================

// UnlockAddressRequest release a custodial lease by hand
type UnlockAddressRequest struct {
	Address string `json:"address" binding:"required"`
}

// RegisterCustodialAddressRequest add an address to the custodial pool
type RegisterCustodialAddressRequest struct {
	Address string `json:"address" binding:"required"`
	Chain   string `json:"chain" binding:"required"`
	Network string `json:"network"`
}

// PendingListResponse admin view of the pending store
type PendingListResponse struct {
	Total    int                       `json:"total"`
	Entries  []*models.PendingTransfer `json:"entries"`
	Attempts map[string]int            `json:"attempts,omitempty"` // failed finality checks in the current window
}

// ReconcileResponse result of a manually triggered reconciliation pass
type ReconcileResponse struct {
	Scanned   int `json:"scanned"`
	HandedOff int `json:"handed_off"`
	Evicted   int `json:"evicted"`
	Retained  int `json:"retained"`
}

// ==================== Messaging DTOs ====================

// DepositHandoffMessage ledger message published to JetStream
type DepositHandoffMessage struct {
	MessageID string `json:"message_id"` // chain:tx:wallet, also the Nats-Msg-Id
	models.CanonicalTransfer
	HandedOffAt time.Time `json:"handed_off_at"`
}

// DelegatedTransferEvent status report from a delegated chain integration
type DelegatedTransferEvent struct {
	Chain         string    `json:"chain"`
	TxID          string    `json:"tx_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Amount        string    `json:"amount"` // decimal units
	Fee           string    `json:"fee,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Status        string    `json:"status"` // pending | confirming | confirmed | failed
	Confirmations int       `json:"confirmations,omitempty"`
	BlockRef      string    `json:"block_ref,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	DelegatedStatusPending    = "pending"
	DelegatedStatusConfirming = "confirming"
	DelegatedStatusConfirmed  = "confirmed"
	DelegatedStatusFailed     = "failed"
)

// IsTerminal confirmed and failed end the external life cycle
func (e *DelegatedTransferEvent) IsTerminal() bool {
	return e.Status == DelegatedStatusConfirmed || e.Status == DelegatedStatusFailed
}
