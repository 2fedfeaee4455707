package models

import (
	"strings"
	"time"
)

// CustodyMode how the deposit address relates to the platform
type CustodyMode string

const (
	CustodyModeSelf        CustodyMode = "self_custody" // user approves on-chain
	CustodyModeNoApproval  CustodyMode = "no_approval"  // shared custodial address, leased
	CustodyModeNativeAsset CustodyMode = "native_asset" // native coin, no approval needed
)

// Valid reports whether m is a known custody mode
func (m CustodyMode) Valid() bool {
	switch m {
	case CustodyModeSelf, CustodyModeNoApproval, CustodyModeNativeAsset:
		return true
	}
	return false
}

// ChainFamily groups chains sharing a finality model
type ChainFamily string

const (
	ChainFamilyAccount   ChainFamily = "account"   // receipt based
	ChainFamilyUTXO      ChainFamily = "utxo"      // confirmation count based
	ChainFamilyDelegated ChainFamily = "delegated" // externally reported status
)

// TransferStatus canonical transfer status
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "PENDING"
	TransferStatusConfirmed TransferStatus = "CONFIRMED"
	TransferStatusCompleted TransferStatus = "COMPLETED"
	TransferStatusFailed    TransferStatus = "FAILED"
)

// IsFinal CONFIRMED and COMPLETED are both handed off
func (s TransferStatus) IsFinal() bool {
	return s == TransferStatusConfirmed || s == TransferStatusCompleted
}

const DirectionDeposit = "deposit"

const (
	AmountUnavailable = "0"
	FeeUnavailable    = "N/A"
)

// CandidateTransfer raw observation from a chain monitor, consumed immediately by the validator
type CandidateTransfer struct {
	TxID        string
	Recipient   string
	Value       string // base units, empty when the monitor did not see a value
	Payload     []byte
	BlockNumber uint64
	Timestamp   time.Time
}

// CanonicalTransfer validated, chain agnostic deposit record
type CanonicalTransfer struct {
	CustodyMode CustodyMode    `json:"custody_mode"`
	WalletID    string         `json:"wallet_id"`
	UserID      string         `json:"user_id"`
	Chain       string         `json:"chain"`
	Family      ChainFamily    `json:"family"`
	Currency    string         `json:"currency"`
	TxID        string         `json:"tx_id"`
	Direction   string         `json:"direction"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Amount      string         `json:"amount"`
	Fee         string         `json:"fee"`
	Status      TransferStatus `json:"status"`
	BlockRef    string         `json:"block_ref"`
	Timestamp   time.Time      `json:"timestamp"`

	// UTXO only
	Confirmations         int `json:"confirmations,omitempty"`
	RequiredConfirmations int `json:"required_confirmations,omitempty"`
}

// HandoffKey the exactly-once identity of a deposit
func (t *CanonicalTransfer) HandoffKey() string {
	return t.Chain + ":" + strings.ToLower(t.TxID) + ":" + t.WalletID
}

// PendingTransfer a canonical transfer awaiting finality, keyed by transaction id
type PendingTransfer struct {
	TxID                  string         `json:"tx_id" gorm:"primaryKey;size:128"`
	Chain                 string         `json:"chain" gorm:"not null;index;size:32"`
	Family                ChainFamily    `json:"family" gorm:"not null;size:16"`
	Currency              string         `json:"currency" gorm:"size:32"`
	CustodyMode           CustodyMode    `json:"custody_mode" gorm:"size:32"`
	WalletID              string         `json:"wallet_id" gorm:"not null;index;size:128"`
	UserID                string         `json:"user_id" gorm:"size:128"`
	FromAddress           string         `json:"from_address" gorm:"size:128"`
	ToAddress             string         `json:"to_address" gorm:"size:128"`
	Amount                string         `json:"amount" gorm:"size:78"`
	Fee                   string         `json:"fee" gorm:"size:78"`
	Status                TransferStatus `json:"status" gorm:"not null;default:PENDING;size:16"`
	ExternalStatus        string         `json:"external_status" gorm:"size:32"` // delegated chains only
	BlockRef              string         `json:"block_ref" gorm:"size:128"`
	Confirmations         int            `json:"confirmations" gorm:"default:0"`
	RequiredConfirmations int            `json:"required_confirmations" gorm:"default:0"`
	ObservedAt            time.Time      `json:"observed_at"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

func (PendingTransfer) TableName() string {
	return "pending_transfers"
}

// NewPendingTransfer builds the durable entry for a record that is not final yet
func NewPendingTransfer(t *CanonicalTransfer, externalStatus string) *PendingTransfer {
	return &PendingTransfer{
		TxID:                  t.TxID,
		Chain:                 t.Chain,
		Family:                t.Family,
		Currency:              t.Currency,
		CustodyMode:           t.CustodyMode,
		WalletID:              t.WalletID,
		UserID:                t.UserID,
		FromAddress:           t.From,
		ToAddress:             t.To,
		Amount:                t.Amount,
		Fee:                   t.Fee,
		Status:                TransferStatusPending,
		ExternalStatus:        externalStatus,
		BlockRef:              t.BlockRef,
		Confirmations:         t.Confirmations,
		RequiredConfirmations: t.RequiredConfirmations,
		ObservedAt:            t.Timestamp,
	}
}

// Transfer converts the entry back into a canonical record
func (p *PendingTransfer) Transfer() *CanonicalTransfer {
	return &CanonicalTransfer{
		CustodyMode:           p.CustodyMode,
		WalletID:              p.WalletID,
		UserID:                p.UserID,
		Chain:                 p.Chain,
		Family:                p.Family,
		Currency:              p.Currency,
		TxID:                  p.TxID,
		Direction:             DirectionDeposit,
		From:                  p.FromAddress,
		To:                    p.ToAddress,
		Amount:                p.Amount,
		Fee:                   p.Fee,
		Status:                p.Status,
		BlockRef:              p.BlockRef,
		Timestamp:             p.ObservedAt,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: p.RequiredConfirmations,
	}
}

// DepositHandoff ledger row, one per (chain, tx, wallet)
type DepositHandoff struct {
	ID          uint64         `json:"id" gorm:"primaryKey;autoIncrement"`
	Chain       string         `json:"chain" gorm:"not null;size:32;uniqueIndex:idx_handoff_identity"`
	TxID        string         `json:"tx_id" gorm:"not null;size:128;uniqueIndex:idx_handoff_identity"`
	WalletID    string         `json:"wallet_id" gorm:"not null;size:128;uniqueIndex:idx_handoff_identity"`
	Currency    string         `json:"currency" gorm:"size:32"`
	CustodyMode CustodyMode    `json:"custody_mode" gorm:"size:32"`
	ToAddress   string         `json:"to_address" gorm:"size:128"`
	Amount      string         `json:"amount" gorm:"size:78"`
	Fee         string         `json:"fee" gorm:"size:78"`
	Status      TransferStatus `json:"status" gorm:"size:16"`
	MessageID   string         `json:"message_id" gorm:"size:256"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (DepositHandoff) TableName() string {
	return "deposit_handoffs"
}

// CustodialAddress shared deposit address owned by the wallet service
type CustodialAddress struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Address   string    `json:"address" gorm:"not null;uniqueIndex;size:128"`
	Chain     string    `json:"chain" gorm:"not null;index;size:32"`
	Network   string    `json:"network" gorm:"size:32"`
	Active    bool      `json:"active" gorm:"not null;default:true;index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CustodialAddress) TableName() string {
	return "custodial_addresses"
}

// MonitorSession one user's active watch, held in memory by the session registry
type MonitorSession struct {
	SessionKey   string      `json:"session_key"`
	WalletID     string      `json:"wallet_id"`
	Chain        string      `json:"chain"`
	Currency     string      `json:"currency"`
	Address      string      `json:"address"`
	CustodyMode  CustodyMode `json:"custody_mode"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
	Active       bool        `json:"active"`
	Connections  int         `json:"connections"`
	ClosePending bool        `json:"close_pending"`
}
