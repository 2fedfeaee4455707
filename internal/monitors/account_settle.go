package monitors

import (
	"context"
	"fmt"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/models"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

type settleOutcome int

const (
	settleDropped settleOutcome = iota
	settleHandedOff
	settlePending
)

// settleAccount decides a validated account-chain record by its receipt:
// success hands off, revert drops, no receipt parks it for reconciliation.
// A failed hand-off is parked too so the reconciler retries it.
func settleAccount(ctx context.Context, deps Deps, conn *clients.ChainConnection, rec *models.CanonicalTransfer, logger *logrus.Entry) (settleOutcome, error) {
	log := logger.WithField("tx_id", rec.TxID)

	receipt, err := conn.EVM.TransactionReceipt(ctx, common.HexToHash(rec.TxID))
	if err == nil && receipt != nil {
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			log.Info("↩️ Transaction reverted, dropped")
			return settleDropped, nil
		}
		rec.Status = models.TransferStatusConfirmed
		if receipt.BlockNumber != nil {
			rec.BlockRef = receipt.BlockNumber.String()
		}
		res, herr := deps.Notifier.Handoff(ctx, rec)
		if herr == nil {
			if res.AlreadyProcessed {
				log.Info("♻️ Deposit already processed")
			} else {
				log.WithField("amount", rec.Amount).Info("💰 Deposit confirmed and handed off")
			}
			return settleHandedOff, nil
		}
		log.WithError(herr).Warn("⚠️ Hand-off failed, parking for reconciliation")
	} else if err != nil {
		log.WithError(err).Debug("no receipt yet, parking for reconciliation")
	}

	rec.Status = models.TransferStatusPending
	if perr := deps.Pending.Upsert(ctx, models.NewPendingTransfer(rec, "")); perr != nil {
		return settleDropped, fmt.Errorf("store pending %s: %w", rec.TxID, perr)
	}
	log.Info("⏳ Deposit pending finality")
	return settlePending, nil
}
