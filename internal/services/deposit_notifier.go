package services

import (
	"context"
	"fmt"
	"time"

	"deposit-engine/internal/dto"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"
	"deposit-engine/internal/repository"
	"deposit-engine/internal/types"

	"github.com/sirupsen/logrus"
)

// HandoffPublisher ledger stream; duplicate means the stream already held the message id
type HandoffPublisher interface {
	PublishHandoff(payload *dto.DepositHandoffMessage) (duplicate bool, err error)
}

// LeaseReleaser frees a custodial address
type LeaseReleaser interface {
	Release(ctx context.Context, address string) error
}

// PostConfirmationEffect side effect run after a successful hand-off. A failing
// effect never blocks the ones after it.
type PostConfirmationEffect struct {
	Name string
	Run  func(ctx context.Context, transfer *models.CanonicalTransfer) error
}

const effectAttempts = 3

// DepositNotifier hands final deposits to the ledger exactly once
type DepositNotifier struct {
	ledger    repository.DepositHandoffRepository
	publisher HandoffPublisher
	effects   []PostConfirmationEffect
	retryWait time.Duration
	logger    *logrus.Entry
}

// NewDepositNotifier wires the standard effects: push deposit_confirmed,
// release a no-approval lease, record metrics. broadcaster and leases may be nil.
func NewDepositNotifier(ledger repository.DepositHandoffRepository, publisher HandoffPublisher, broadcaster interfaces.Broadcaster, leases LeaseReleaser) *DepositNotifier {
	n := &DepositNotifier{
		ledger:    ledger,
		publisher: publisher,
		retryWait: 200 * time.Millisecond,
		logger:    logrus.WithField("component", "deposit_notifier"),
	}

	if broadcaster != nil {
		n.effects = append(n.effects, PostConfirmationEffect{
			Name: "push_confirmed",
			Run: func(_ context.Context, t *models.CanonicalTransfer) error {
				broadcaster.BroadcastDeposit(t)
				return nil
			},
		})
	}
	if leases != nil {
		n.effects = append(n.effects, PostConfirmationEffect{
			Name: "release_lease",
			Run: func(ctx context.Context, t *models.CanonicalTransfer) error {
				if t.CustodyMode != models.CustodyModeNoApproval {
					return nil
				}
				return leases.Release(ctx, t.To)
			},
		})
	}
	n.effects = append(n.effects, PostConfirmationEffect{
		Name: "metrics",
		Run: func(_ context.Context, t *models.CanonicalTransfer) error {
			metrics.DepositHandoffs.WithLabelValues(t.Chain, "handed_off").Inc()
			return nil
		},
	})
	return n
}

// Handoff records transfer in the ledger. Already processed is a success, not an error.
func (n *DepositNotifier) Handoff(ctx context.Context, transfer *models.CanonicalTransfer) (interfaces.HandoffResult, error) {
	if transfer == nil || !transfer.Status.IsFinal() {
		return interfaces.HandoffResult{}, fmt.Errorf("%w: transfer is not final", types.ErrHandoff)
	}
	logger := n.logger.WithFields(logrus.Fields{
		"chain":  transfer.Chain,
		"tx_id":  transfer.TxID,
		"wallet": transfer.WalletID,
	})

	processed, err := n.ledger.IsProcessed(ctx, transfer.Chain, transfer.TxID, transfer.WalletID)
	if err != nil {
		return interfaces.HandoffResult{}, fmt.Errorf("%w: ledger lookup: %v", types.ErrHandoff, err)
	}
	if processed {
		metrics.DepositHandoffs.WithLabelValues(transfer.Chain, "already_processed").Inc()
		logger.Info("♻️ Deposit already processed")
		return interfaces.HandoffResult{AlreadyProcessed: true}, nil
	}

	msg := &dto.DepositHandoffMessage{
		MessageID:         transfer.HandoffKey(),
		CanonicalTransfer: *transfer,
		HandedOffAt:       time.Now().UTC(),
	}
	duplicate, err := n.publisher.PublishHandoff(msg)
	if err != nil {
		metrics.DepositHandoffs.WithLabelValues(transfer.Chain, "failed").Inc()
		return interfaces.HandoffResult{}, fmt.Errorf("%w: %v", types.ErrHandoff, err)
	}

	inserted, err := n.ledger.Record(ctx, &models.DepositHandoff{
		Chain:       transfer.Chain,
		TxID:        transfer.TxID,
		WalletID:    transfer.WalletID,
		Currency:    transfer.Currency,
		CustodyMode: transfer.CustodyMode,
		ToAddress:   transfer.To,
		Amount:      transfer.Amount,
		Fee:         transfer.Fee,
		Status:      transfer.Status,
		MessageID:   msg.MessageID,
	})
	if err != nil {
		// the stream dedups the retry inside its window
		metrics.DepositHandoffs.WithLabelValues(transfer.Chain, "failed").Inc()
		return interfaces.HandoffResult{}, fmt.Errorf("%w: record: %v", types.ErrHandoff, err)
	}
	if !inserted {
		metrics.DepositHandoffs.WithLabelValues(transfer.Chain, "already_processed").Inc()
		logger.Info("♻️ Deposit recorded concurrently, treating as processed")
		return interfaces.HandoffResult{AlreadyProcessed: true}, nil
	}

	logger.WithFields(logrus.Fields{"amount": transfer.Amount, "duplicate_publish": duplicate}).Info("💰 Deposit handed off")
	n.runEffects(ctx, transfer, logger)
	return interfaces.HandoffResult{}, nil
}

func (n *DepositNotifier) runEffects(ctx context.Context, transfer *models.CanonicalTransfer, logger *logrus.Entry) {
	for _, effect := range n.effects {
		var err error
		for attempt := 1; attempt <= effectAttempts; attempt++ {
			if err = n.runEffect(ctx, effect, transfer); err == nil {
				break
			}
			logger.WithError(err).WithFields(logrus.Fields{"effect": effect.Name, "attempt": attempt}).Warn("⚠️ Post-confirmation effect failed")
			if attempt < effectAttempts && !sleepCtx(ctx, n.retryWait*time.Duration(attempt)) {
				break
			}
		}
		if err != nil {
			logger.WithError(err).WithField("effect", effect.Name).Error("❌ Post-confirmation effect gave up")
		}
	}
}

func (n *DepositNotifier) runEffect(ctx context.Context, effect PostConfirmationEffect, transfer *models.CanonicalTransfer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect %s panicked: %v", effect.Name, r)
		}
	}()
	return effect.Run(ctx, transfer)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
