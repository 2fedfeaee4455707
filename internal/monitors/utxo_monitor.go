package monitors

import (
	"context"
	"errors"
	"math/big"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/sirupsen/logrus"
)

// UTXOMonitor polls an address on a confirmation-count chain. Interim
// confirmations are broadcast once per change; at the threshold the deposit
// is handed off as COMPLETED and the monitor stops.
type UTXOMonitor struct {
	base
	deps  Deps
	chain config.ChainConfig

	processed     map[string]bool
	lastBroadcast map[string]int
}

func NewUTXOMonitor(params WatchParams, chain config.ChainConfig, deps Deps) *UTXOMonitor {
	return &UTXOMonitor{
		base:          newBase(params, models.ChainFamilyUTXO),
		deps:          deps,
		chain:         chain,
		processed:     make(map[string]bool),
		lastBroadcast: make(map[string]int),
	}
}

func (m *UTXOMonitor) StartWatching() {
	backoff := utxoBackoff(m.deps.Engine)
	m.start(func(ctx context.Context) {
		m.pollLoop(ctx, backoff, m.poll)
	})
}

// utxoBackoff doubles the poll interval per consecutive error up to the cap
func utxoBackoff(engine config.EngineConfig) *Backoff {
	return &Backoff{
		Base:      engine.UTXOPollInterval,
		Cap:       engine.UTXOBackoffCap,
		MaxErrors: engine.UTXOMaxErrors,
	}
}

func (m *UTXOMonitor) poll(ctx context.Context) (bool, error) {
	conn, err := m.deps.Pool.Acquire(ctx, m.params.Chain)
	if err != nil {
		return false, err
	}
	tip, err := conn.UTXO.TipHeight(ctx)
	if err != nil {
		return false, err
	}
	txs, err := conn.UTXO.AddressTransactions(ctx, m.params.Address)
	if err != nil {
		return false, err
	}

	required := m.chain.RequiredConfirmations
	for i := len(txs) - 1; i >= 0; i-- {
		tx := &txs[i]
		if m.processed[tx.TxID] {
			continue
		}
		if m.beforeStart(tx) {
			m.processed[tx.TxID] = true
			continue
		}
		received := receivedBy(tx, m.params.Address)
		if received.Sign() == 0 {
			m.processed[tx.TxID] = true // outgoing or unrelated
			continue
		}

		done, err := m.deps.Ledger.IsProcessed(ctx, m.params.Chain, tx.TxID, m.params.WalletID)
		if err != nil {
			return false, err
		}
		if done {
			m.processed[tx.TxID] = true
			continue
		}

		confirmations := tx.Confirmations(tip)
		if confirmations < required {
			m.broadcastInterim(ctx, tx, received, confirmations, required)
			continue
		}

		found, err := m.complete(ctx, tx, confirmations, required)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// beforeStart confirmed before the watch began; on a reused custodial address
// these belong to the previous holder. Mempool transactions are kept.
func (m *UTXOMonitor) beforeStart(tx *clients.EsploraTx) bool {
	if !tx.Status.Confirmed || tx.Status.BlockTime <= 0 {
		return false
	}
	return blockTime(tx).Before(m.params.StartedAt)
}

// ownedElsewhere the pending store already tracks tx for another wallet
func (m *UTXOMonitor) ownedElsewhere(ctx context.Context, txID string) (bool, error) {
	entry, err := m.deps.Pending.Get(ctx, txID)
	if err != nil || entry == nil {
		return false, err
	}
	return entry.WalletID != m.params.WalletID, nil
}

func (m *UTXOMonitor) broadcastInterim(ctx context.Context, tx *clients.EsploraTx, received *big.Int, confirmations, required int) {
	last, seen := m.lastBroadcast[tx.TxID]
	if seen && last == confirmations {
		return
	}

	rec := &models.CanonicalTransfer{
		Chain:                 m.params.Chain,
		Family:                models.ChainFamilyUTXO,
		TxID:                  tx.TxID,
		From:                  firstSender(tx),
		To:                    m.params.Address,
		Amount:                utils.FormatUnitsOr(received, m.chain.NativeDecimals, models.AmountUnavailable),
		Fee:                   utils.FormatUnitsOr(big.NewInt(tx.Fee), m.chain.NativeDecimals, models.FeeUnavailable),
		Status:                models.TransferStatusPending,
		BlockRef:              tx.Status.BlockHash,
		Timestamp:             blockTime(tx),
		Confirmations:         confirmations,
		RequiredConfirmations: required,
	}
	m.params.stamp(rec)

	if err := m.deps.Pending.Upsert(ctx, models.NewPendingTransfer(rec, "")); err != nil {
		if errors.Is(err, types.ErrOwnedByOtherWallet) {
			m.processed[tx.TxID] = true
			m.logger.WithField("tx_id", tx.TxID).Info("ℹ️ Deposit tracked for another wallet, skipping")
			return
		}
		m.logger.WithError(err).WithField("tx_id", tx.TxID).Warn("⚠️ Failed to store pending deposit")
	}
	m.lastBroadcast[tx.TxID] = confirmations

	if m.deps.Broadcaster != nil {
		m.deps.Broadcaster.BroadcastDeposit(rec)
	}
	m.logger.WithFields(logrus.Fields{
		"tx_id":         tx.TxID,
		"confirmations": confirmations,
		"required":      required,
	}).Info("⏳ Deposit awaiting confirmations")
}

func (m *UTXOMonitor) complete(ctx context.Context, tx *clients.EsploraTx, confirmations, required int) (bool, error) {
	owned, err := m.ownedElsewhere(ctx, tx.TxID)
	if err != nil {
		return false, err
	}
	if owned {
		m.processed[tx.TxID] = true
		m.logger.WithField("tx_id", tx.TxID).Info("ℹ️ Deposit tracked for another wallet, skipping")
		return false, nil
	}

	rec, err := m.deps.Validator.Validate(ctx, interfaces.ValidationRequest{
		Candidate: models.CandidateTransfer{
			TxID:      tx.TxID,
			Recipient: m.params.Address,
			Timestamp: blockTime(tx),
		},
		Chain:     m.params.Chain,
		Family:    models.ChainFamilyUTXO,
		Recipient: m.params.Address,
		Decimals:  m.chain.NativeDecimals,
	})
	if err != nil {
		if types.IsValidation(err) {
			m.processed[tx.TxID] = true
			return false, nil
		}
		return false, err
	}
	m.params.stamp(rec)
	rec.Status = models.TransferStatusCompleted
	rec.Confirmations = confirmations
	rec.RequiredConfirmations = required

	res, err := m.deps.Notifier.Handoff(ctx, rec)
	if err != nil {
		return false, err
	}
	if err := m.deps.Pending.Delete(ctx, tx.TxID); err != nil {
		m.logger.WithError(err).WithField("tx_id", tx.TxID).Warn("⚠️ Failed to delete pending entry")
	}
	m.processed[tx.TxID] = true
	delete(m.lastBroadcast, tx.TxID)

	m.logger.WithFields(logrus.Fields{
		"tx_id":             tx.TxID,
		"amount":            rec.Amount,
		"already_processed": res.AlreadyProcessed,
	}).Info("💰 Deposit completed")
	return true, nil
}

func receivedBy(tx *clients.EsploraTx, address string) *big.Int {
	total := new(big.Int)
	for _, out := range tx.Vout {
		if out.ScriptPubKeyAddress != "" && utils.AddressesEqual(out.ScriptPubKeyAddress, address) {
			total.Add(total, big.NewInt(out.Value))
		}
	}
	return total
}

func firstSender(tx *clients.EsploraTx) string {
	for _, in := range tx.Vin {
		if in.Prevout != nil && in.Prevout.ScriptPubKeyAddress != "" {
			return in.Prevout.ScriptPubKeyAddress
		}
	}
	return ""
}
