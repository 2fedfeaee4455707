package monitors

import (
	"context"
	"fmt"
	"strings"

	"deposit-engine/internal/config"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/ethereum/go-ethereum/common"
)

// NativeMonitor polls an account chain address's history for a native coin deposit.
// It takes the first deposit after StartedAt and stops.
type NativeMonitor struct {
	base
	deps  Deps
	chain config.ChainConfig
	seen  map[string]bool
}

func NewNativeMonitor(params WatchParams, chain config.ChainConfig, deps Deps) *NativeMonitor {
	return &NativeMonitor{
		base:  newBase(params, models.ChainFamilyAccount),
		deps:  deps,
		chain: chain,
		seen:  make(map[string]bool),
	}
}

func (m *NativeMonitor) StartWatching() {
	backoff := &Backoff{
		Base:      m.deps.Engine.NativePollInterval,
		Cap:       m.deps.Engine.NativeBackoffCap,
		MaxErrors: m.deps.Engine.NativeMaxErrors,
	}
	m.start(func(ctx context.Context) {
		m.pollLoop(ctx, backoff, m.poll)
	})
}

func (m *NativeMonitor) poll(ctx context.Context) (bool, error) {
	conn, err := m.deps.Pool.Acquire(ctx, m.params.Chain)
	if err != nil {
		return false, err
	}
	if conn.History == nil {
		return false, fmt.Errorf("%w: chain %s has no indexer", types.ErrNoConnection, m.params.Chain)
	}

	txs, err := conn.History.AccountTransactions(ctx, m.params.Address, 0)
	if err != nil {
		return false, fmt.Errorf("account history: %w", err)
	}

	// history is newest first, take the earliest qualifying deposit
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		hash := strings.ToLower(tx.Hash)
		if m.seen[hash] || !tx.Success || !utils.AddressesEqual(tx.To, m.params.Address) {
			continue
		}
		if tx.Timestamp.Before(m.params.StartedAt) {
			continue
		}

		rec, err := m.deps.Validator.Validate(ctx, interfaces.ValidationRequest{
			Candidate: models.CandidateTransfer{
				TxID:        hash,
				Recipient:   tx.To,
				Value:       tx.Value,
				Payload:     common.FromHex(tx.Input),
				BlockNumber: tx.BlockNumber,
				Timestamp:   tx.Timestamp,
			},
			Chain:     m.params.Chain,
			Family:    models.ChainFamilyAccount,
			Recipient: m.params.Address,
			Decimals:  m.chain.NativeDecimals,
		})
		if err != nil {
			if types.IsValidation(err) {
				m.seen[hash] = true
				m.logger.WithField("tx_id", hash).WithError(err).Debug("candidate rejected")
				continue
			}
			return false, err
		}
		m.params.stamp(rec)

		outcome, err := settleAccount(ctx, m.deps, conn, rec, m.logger)
		if err != nil {
			return false, err
		}
		m.seen[hash] = true
		if outcome != settleDropped {
			return true, nil
		}
	}
	return false, nil
}
