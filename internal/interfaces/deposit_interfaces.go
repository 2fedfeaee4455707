package interfaces

import (
	"context"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/dto"
	"deposit-engine/internal/models"
)

// These interfaces break the dependency cycle between the monitors and services packages

// ValidationRequest everything the validator needs besides chain data
type ValidationRequest struct {
	Candidate     models.CandidateTransfer
	Chain         string
	Family        models.ChainFamily
	Recipient     string
	Decimals      int32
	TokenContract string // empty for native currency
}

// TransferValidator turns a candidate into a canonical record or a validation rejection
type TransferValidator interface {
	Validate(ctx context.Context, req ValidationRequest) (*models.CanonicalTransfer, error)
}

// HandoffResult outcome of a successful hand-off
type HandoffResult struct {
	AlreadyProcessed bool
}

// DepositNotifier hands a final record to the ledger exactly once
type DepositNotifier interface {
	Handoff(ctx context.Context, transfer *models.CanonicalTransfer) (HandoffResult, error)
}

// LedgerLookup answers whether (chain, tx, wallet) was already handed off
type LedgerLookup interface {
	IsProcessed(ctx context.Context, chain, txID, walletID string) (bool, error)
}

// PendingStore durable map of transfers awaiting finality, keyed by transaction id
type PendingStore interface {
	Upsert(ctx context.Context, entry *models.PendingTransfer) error
	Get(ctx context.Context, txID string) (*models.PendingTransfer, error) // nil, nil when absent
	List(ctx context.Context) ([]*models.PendingTransfer, error)
	Delete(ctx context.Context, txID string) error
}

// Broadcaster pushes deposit status to the user's open sessions
type Broadcaster interface {
	BroadcastDeposit(transfer *models.CanonicalTransfer)
}

// ConnectionProvider shared chain connections
type ConnectionProvider interface {
	Acquire(ctx context.Context, chain string) (*clients.ChainConnection, error)
	MarkUnhealthy(chain string, conn *clients.ChainConnection)
}

// ExternalWatcher subscription to a delegated chain integration; stop is idempotent
type ExternalWatcher interface {
	Watch(ctx context.Context, chain, address string, sink func(*dto.DelegatedTransferEvent)) (stop func(), err error)
}
