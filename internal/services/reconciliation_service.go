package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/dto"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SubscriberGate reports whether anyone listens to the deposit feed
type SubscriberGate interface {
	HasDepositSubscribers() bool
}

// attemptCounter failed finality checks of one pending entry within a window
type attemptCounter struct {
	count       int
	windowStart time.Time
	lastTouched time.Time
}

type entryOutcome int

const (
	outcomeSkipped entryOutcome = iota
	outcomeRetained
	outcomeHandedOff
	outcomeEvicted
)

// finalityCheck result of re-querying a pending entry's chain
type finalityCheck struct {
	final    bool
	charge   bool // a non-final result that still consumes a retry
	transfer *models.CanonicalTransfer
}

// ReconciliationService drives pending transfers to finality on a fixed
// cadence. Batches run one after another; entries inside a batch run in parallel.
type ReconciliationService struct {
	pending     interfaces.PendingStore
	notifier    interfaces.DepositNotifier
	pool        interfaces.ConnectionProvider
	broadcaster interfaces.Broadcaster
	gate        SubscriberGate
	chains      map[string]config.ChainConfig
	cfg         config.EngineConfig
	now         func() time.Time
	logger      *logrus.Entry

	mu         sync.Mutex
	processing map[string]struct{}
	attempts   map[string]*attemptCounter

	cron *cron.Cron
}

func NewReconciliationService(
	pending interfaces.PendingStore,
	notifier interfaces.DepositNotifier,
	pool interfaces.ConnectionProvider,
	broadcaster interfaces.Broadcaster,
	gate SubscriberGate,
	chains map[string]config.ChainConfig,
	cfg config.EngineConfig,
) *ReconciliationService {
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = 5
	}
	if cfg.ReconcileMaxRetries <= 0 {
		cfg.ReconcileMaxRetries = 5
	}
	if cfg.ReconcileResetWindow <= 0 {
		cfg.ReconcileResetWindow = 30 * time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 10 * time.Second
	}
	if cfg.ChainCallTimeout <= 0 {
		cfg.ChainCallTimeout = 15 * time.Second
	}
	return &ReconciliationService{
		pending:     pending,
		notifier:    notifier,
		pool:        pool,
		broadcaster: broadcaster,
		gate:        gate,
		chains:      chains,
		cfg:         cfg,
		now:         time.Now,
		logger:      logrus.WithField("component", "reconciliation"),
		processing:  make(map[string]struct{}),
		attempts:    make(map[string]*attemptCounter),
	}
}

// Start schedules passes every ReconcileInterval; an overrunning pass makes the next one skip
func (s *ReconciliationService) Start() error {
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", s.cfg.ReconcileInterval)
	if _, err := s.cron.AddFunc(spec, s.scheduledPass); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("interval", s.cfg.ReconcileInterval.String()).Info("🔄 Reconciliation loop started")
	return nil
}

// Stop waits for a running pass to finish
func (s *ReconciliationService) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("🛑 Reconciliation loop stopped")
}

func (s *ReconciliationService) scheduledPass() {
	if s.gate != nil && !s.gate.HasDepositSubscribers() {
		return
	}
	if _, err := s.RunOnce(context.Background()); err != nil {
		s.logger.WithError(err).Error("❌ Reconciliation pass failed")
	}
}

// RunOnce runs one pass over every pending entry
func (s *ReconciliationService) RunOnce(ctx context.Context) (dto.ReconcileResponse, error) {
	started := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(started).Seconds()) }()

	entries, err := s.pending.List(ctx)
	if err != nil {
		return dto.ReconcileResponse{}, fmt.Errorf("list pending transfers: %w", err)
	}
	metrics.PendingTransfers.Set(float64(len(entries)))

	var (
		resp   = dto.ReconcileResponse{Scanned: len(entries)}
		tallyM sync.Mutex
	)
	size := s.cfg.ReconcileBatchSize
	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}

		var g errgroup.Group
		g.SetLimit(size)
		for _, entry := range entries[start:end] {
			entry := entry
			g.Go(func() error {
				outcome := s.processEntry(ctx, entry)
				tallyM.Lock()
				switch outcome {
				case outcomeHandedOff:
					resp.HandedOff++
				case outcomeEvicted:
					resp.Evicted++
				case outcomeRetained:
					resp.Retained++
				}
				tallyM.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	s.pruneAttempts()
	if resp.HandedOff > 0 || resp.Evicted > 0 {
		s.logger.WithFields(logrus.Fields{
			"scanned":    resp.Scanned,
			"handed_off": resp.HandedOff,
			"evicted":    resp.Evicted,
			"retained":   resp.Retained,
		}).Info("✅ Reconciliation pass finished")
	}
	return resp, nil
}

func (s *ReconciliationService) processEntry(ctx context.Context, entry *models.PendingTransfer) (outcome entryOutcome) {
	if !s.claim(entry.TxID) {
		return outcomeSkipped
	}
	defer s.unclaim(entry.TxID)

	log := s.logger.WithFields(logrus.Fields{"chain": entry.Chain, "tx_id": entry.TxID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("❌ Pending entry check panicked")
			s.charge(entry.TxID)
			outcome = outcomeRetained
		}
	}()

	if s.exhausted(entry.TxID) {
		s.evictExhausted(ctx, entry, log)
		return outcomeEvicted
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ChainCallTimeout)
	check, err := s.checkFinality(cctx, entry)
	cancel()
	if err != nil {
		s.charge(entry.TxID)
		log.WithError(err).Warn("⚠️ Finality check failed")
		return outcomeRetained
	}
	if !check.final {
		if check.charge {
			s.charge(entry.TxID)
		} else {
			s.touch(entry.TxID)
		}
		return outcomeRetained
	}

	rec := check.transfer
	if rec.Status == models.TransferStatusFailed {
		if err := s.pending.Delete(ctx, entry.TxID); err != nil {
			log.WithError(err).Warn("⚠️ Failed to evict failed transfer")
			return outcomeRetained
		}
		metrics.PendingEvictions.WithLabelValues("failed_on_chain").Inc()
		if s.broadcaster != nil {
			s.broadcaster.BroadcastDeposit(rec)
		}
		log.Info("↩️ Pending transfer failed on chain, evicted")
		s.forget(entry.TxID)
		return outcomeEvicted
	}

	res, err := s.notifier.Handoff(ctx, rec)
	if err != nil {
		s.charge(entry.TxID)
		log.WithError(err).Warn("⚠️ Hand-off failed, will retry")
		return outcomeRetained
	}
	if err := s.pending.Delete(ctx, entry.TxID); err != nil {
		// the ledger dedups the next attempt
		log.WithError(err).Warn("⚠️ Failed to evict handed-off transfer")
		return outcomeRetained
	}
	s.forget(entry.TxID)
	if res.AlreadyProcessed {
		metrics.PendingEvictions.WithLabelValues("already_processed").Inc()
		log.Info("♻️ Already processed, evicted")
		return outcomeEvicted
	}
	metrics.PendingEvictions.WithLabelValues("handed_off").Inc()
	log.Info("💰 Pending transfer reached finality and was handed off")
	return outcomeHandedOff
}

func (s *ReconciliationService) evictExhausted(ctx context.Context, entry *models.PendingTransfer, log *logrus.Entry) {
	rec := entry.Transfer()
	rec.Status = models.TransferStatusFailed
	if err := s.pending.Delete(ctx, entry.TxID); err != nil {
		log.WithError(err).Warn("⚠️ Failed to evict retry-exhausted transfer")
	}
	metrics.PendingEvictions.WithLabelValues("retry_exhausted").Inc()
	if s.broadcaster != nil {
		s.broadcaster.BroadcastDeposit(rec)
	}
	log.WithFields(logrus.Fields{
		"alert":     true,
		"wallet":    entry.WalletID,
		"amount":    entry.Amount,
		"status":    string(models.TransferStatusFailed),
		"max_tries": s.cfg.ReconcileMaxRetries,
	}).Error("🚨 Pending transfer evicted after exhausting retries")
}

func (s *ReconciliationService) checkFinality(ctx context.Context, entry *models.PendingTransfer) (finalityCheck, error) {
	switch entry.Family {
	case models.ChainFamilyDelegated:
		return s.checkDelegated(entry), nil
	case models.ChainFamilyUTXO:
		return s.checkUTXO(ctx, entry)
	case models.ChainFamilyAccount:
		return s.checkAccount(ctx, entry)
	}
	return finalityCheck{}, fmt.Errorf("unknown chain family %q", entry.Family)
}

// checkDelegated trusts the status last reported by the integration
func (s *ReconciliationService) checkDelegated(entry *models.PendingTransfer) finalityCheck {
	rec := entry.Transfer()
	switch entry.ExternalStatus {
	case dto.DelegatedStatusConfirmed:
		rec.Status = models.TransferStatusConfirmed
		return finalityCheck{final: true, transfer: rec}
	case dto.DelegatedStatusFailed:
		rec.Status = models.TransferStatusFailed
		return finalityCheck{final: true, transfer: rec}
	}
	return finalityCheck{}
}

func (s *ReconciliationService) checkUTXO(ctx context.Context, entry *models.PendingTransfer) (finalityCheck, error) {
	conn, err := s.pool.Acquire(ctx, entry.Chain)
	if err != nil {
		return finalityCheck{}, err
	}
	if conn.UTXO == nil {
		return finalityCheck{}, fmt.Errorf("%w: chain %s has no utxo client", types.ErrNoConnection, entry.Chain)
	}
	tx, err := conn.UTXO.Transaction(ctx, entry.TxID)
	if err != nil {
		return finalityCheck{}, err
	}
	tip, err := conn.UTXO.TipHeight(ctx)
	if err != nil {
		s.pool.MarkUnhealthy(entry.Chain, conn)
		return finalityCheck{}, err
	}

	required := entry.RequiredConfirmations
	if required <= 0 {
		required = s.requiredConfirmations(entry.Chain)
	}
	confirmations := tx.Confirmations(tip)
	rec := entry.Transfer()
	rec.Confirmations = confirmations
	rec.RequiredConfirmations = required
	rec.Fee = utils.FormatUnitsOr(big.NewInt(tx.Fee), s.nativeDecimals(entry.Chain, 8), models.FeeUnavailable)
	if tx.Status.BlockHash != "" {
		rec.BlockRef = tx.Status.BlockHash
	}

	if confirmations < required {
		if confirmations != entry.Confirmations {
			if err := s.pending.Upsert(ctx, models.NewPendingTransfer(rec, entry.ExternalStatus)); err != nil {
				return finalityCheck{}, fmt.Errorf("update confirmations: %w", err)
			}
		}
		return finalityCheck{}, nil
	}
	rec.Status = models.TransferStatusCompleted
	return finalityCheck{final: true, transfer: rec}, nil
}

// checkAccount reads the receipt; no receipt yet still costs a retry
func (s *ReconciliationService) checkAccount(ctx context.Context, entry *models.PendingTransfer) (finalityCheck, error) {
	conn, err := s.pool.Acquire(ctx, entry.Chain)
	if err != nil {
		return finalityCheck{}, err
	}
	if conn.EVM == nil {
		return finalityCheck{}, fmt.Errorf("%w: chain %s has no account client", types.ErrNoConnection, entry.Chain)
	}

	receipt, err := conn.EVM.TransactionReceipt(ctx, common.HexToHash(entry.TxID))
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return finalityCheck{charge: true}, nil
	}
	if err != nil {
		if types.IsTransient(err) {
			s.pool.MarkUnhealthy(entry.Chain, conn)
		}
		return finalityCheck{}, err
	}

	rec := entry.Transfer()
	if receipt.BlockNumber != nil {
		rec.BlockRef = receipt.BlockNumber.String()
	}
	if rec.Fee == "" || rec.Fee == models.FeeUnavailable {
		if receipt.EffectiveGasPrice != nil {
			fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
			rec.Fee = utils.FormatUnitsOr(fee, s.nativeDecimals(entry.Chain, 18), models.FeeUnavailable)
		}
	}
	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		rec.Status = models.TransferStatusConfirmed
	} else {
		rec.Status = models.TransferStatusFailed
	}
	return finalityCheck{final: true, transfer: rec}, nil
}

func (s *ReconciliationService) requiredConfirmations(chain string) int {
	if cfg, ok := s.chains[chain]; ok && cfg.RequiredConfirmations > 0 {
		return cfg.RequiredConfirmations
	}
	return 3
}

func (s *ReconciliationService) nativeDecimals(chain string, def int32) int32 {
	if cfg, ok := s.chains[chain]; ok && cfg.NativeDecimals > 0 {
		return cfg.NativeDecimals
	}
	return def
}

// ==================== in-pass bookkeeping ====================

func (s *ReconciliationService) claim(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.processing[txID]; busy {
		return false
	}
	s.processing[txID] = struct{}{}
	return true
}

func (s *ReconciliationService) unclaim(txID string) {
	s.mu.Lock()
	delete(s.processing, txID)
	s.mu.Unlock()
}

// counter returns the live counter for txID, restarting it once the window has passed.
// Callers hold s.mu.
func (s *ReconciliationService) counter(txID string, now time.Time) *attemptCounter {
	c, ok := s.attempts[txID]
	if !ok || now.Sub(c.windowStart) >= s.cfg.ReconcileResetWindow {
		c = &attemptCounter{windowStart: now}
		s.attempts[txID] = c
	}
	return c
}

func (s *ReconciliationService) exhausted(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.attempts[txID]
	if !ok {
		return false
	}
	if s.now().Sub(c.windowStart) >= s.cfg.ReconcileResetWindow {
		delete(s.attempts, txID)
		return false
	}
	return c.count >= s.cfg.ReconcileMaxRetries
}

func (s *ReconciliationService) charge(txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := s.counter(txID, now)
	c.count++
	c.lastTouched = now
}

func (s *ReconciliationService) touch(txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.attempts[txID]; ok {
		c.lastTouched = s.now()
	}
}

func (s *ReconciliationService) forget(txID string) {
	s.mu.Lock()
	delete(s.attempts, txID)
	s.mu.Unlock()
}

// pruneAttempts clears counters untouched for a whole reset window
func (s *ReconciliationService) pruneAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for txID, c := range s.attempts {
		if now.Sub(c.lastTouched) >= s.cfg.ReconcileResetWindow {
			delete(s.attempts, txID)
		}
	}
}

// Attempts current retry count of txID, for the admin view
func (s *ReconciliationService) Attempts(txID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.attempts[txID]; ok {
		return c.count
	}
	return 0
}

var _ interfaces.ConnectionProvider = (*clients.ConnectionPool)(nil)
