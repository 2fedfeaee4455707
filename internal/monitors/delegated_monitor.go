package monitors

import (
	"context"
	"time"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/dto"
	"deposit-engine/internal/models"
	"deposit-engine/internal/utils"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DelegatedMonitor adapter over an external integration that owns the chain logic.
// Events are handled one at a time on the monitor's goroutine.
type DelegatedMonitor struct {
	base
	deps   Deps
	events chan *dto.DelegatedTransferEvent
}

func NewDelegatedMonitor(params WatchParams, deps Deps) *DelegatedMonitor {
	return &DelegatedMonitor{
		base:   newBase(params, models.ChainFamilyDelegated),
		deps:   deps,
		events: make(chan *dto.DelegatedTransferEvent, 32),
	}
}

func (m *DelegatedMonitor) StartWatching() {
	m.start(m.run)
}

func (m *DelegatedMonitor) run(ctx context.Context) {
	if m.deps.Watcher == nil {
		m.logger.Error("❌ No external watcher configured")
		m.stop("watch_failed")
		return
	}
	stopExternal, err := m.deps.Watcher.Watch(ctx, m.params.Chain, m.params.Address, func(ev *dto.DelegatedTransferEvent) {
		select {
		case m.events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		m.logger.WithError(err).Error("❌ External watch failed")
		m.stop("watch_failed")
		return
	}
	defer stopExternal()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *DelegatedMonitor) handle(ctx context.Context, ev *dto.DelegatedTransferEvent) {
	log := m.logger.WithFields(logrus.Fields{"tx_id": ev.TxID, "external_status": ev.Status})
	if ev.TxID == "" || !utils.AddressesEqual(ev.To, m.params.Address) {
		log.Debug("event for another address, dropped")
		return
	}
	amount, err := decimal.NewFromString(ev.Amount)
	if err != nil || !amount.IsPositive() {
		log.Debug("event without a positive amount, dropped")
		return
	}

	rec := &models.CanonicalTransfer{
		Chain:         m.params.Chain,
		Family:        models.ChainFamilyDelegated,
		TxID:          ev.TxID,
		From:          ev.From,
		To:            ev.To,
		Amount:        amount.String(),
		Fee:           models.FeeUnavailable,
		Status:        models.TransferStatusPending,
		BlockRef:      ev.BlockRef,
		Timestamp:     ev.Timestamp,
		Confirmations: ev.Confirmations,
	}
	if fee, ferr := decimal.NewFromString(ev.Fee); ferr == nil {
		rec.Fee = fee.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.params.stamp(rec)

	switch ev.Status {
	case dto.DelegatedStatusConfirmed:
		rec.Status = models.TransferStatusConfirmed
		if _, err := m.deps.Notifier.Handoff(ctx, rec); err != nil {
			log.WithError(err).Warn("⚠️ Hand-off failed, parking for reconciliation")
			if perr := m.deps.Pending.Upsert(ctx, models.NewPendingTransfer(rec, ev.Status)); perr != nil {
				log.WithError(perr).Error("❌ Failed to store pending deposit")
			}
			return
		}
		if err := m.deps.Pending.Delete(ctx, ev.TxID); err != nil {
			log.WithError(err).Warn("⚠️ Failed to delete pending entry")
		}
		log.WithField("amount", rec.Amount).Info("💰 Delegated deposit confirmed")
	case dto.DelegatedStatusFailed:
		if err := m.deps.Pending.Delete(ctx, ev.TxID); err != nil {
			log.WithError(err).Warn("⚠️ Failed to delete pending entry")
		}
		log.Info("❌ Delegated deposit failed")
	default:
		if m.deps.Broadcaster != nil {
			m.deps.Broadcaster.BroadcastDeposit(rec)
		}
		if err := m.deps.Pending.Upsert(ctx, models.NewPendingTransfer(rec, ev.Status)); err != nil {
			log.WithError(err).Error("❌ Failed to store pending deposit")
		}
	}
}

func blockTime(tx *clients.EsploraTx) time.Time {
	if tx.Status.BlockTime > 0 {
		return time.Unix(tx.Status.BlockTime, 0)
	}
	return time.Now()
}
