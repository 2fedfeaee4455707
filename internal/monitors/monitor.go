// Package monitors watches one (wallet, chain, address) triple per session for incoming deposits
package monitors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"
	"deposit-engine/internal/utils"

	"github.com/sirupsen/logrus"
)

// Monitor common contract of every chain family variant.
// StartWatching is a no-op once started or stopped; StopWatching never blocks
// and is safe from inside the monitor's own callbacks.
type Monitor interface {
	StartWatching()
	StopWatching()
	IsActive() bool
	Params() WatchParams
}

// WatchParams what a session asked to watch
type WatchParams struct {
	SessionKey  string
	WalletID    string
	UserID      string
	Chain       string
	Currency    string
	Address     string
	CustodyMode models.CustodyMode
	StartedAt   time.Time
}

// SameTarget chain, currency and address all match
func (p WatchParams) SameTarget(other WatchParams) bool {
	return p.Chain == other.Chain &&
		p.Currency == other.Currency &&
		utils.AddressesEqual(p.Address, other.Address)
}

// stamp fills the session owned fields of a validated record
func (p WatchParams) stamp(rec *models.CanonicalTransfer) {
	rec.CustodyMode = p.CustodyMode
	rec.WalletID = p.WalletID
	rec.UserID = p.UserID
	rec.Currency = p.Currency
	rec.Direction = models.DirectionDeposit
}

// Deps collaborators shared by all monitors
type Deps struct {
	Pool        interfaces.ConnectionProvider
	Validator   interfaces.TransferValidator
	Notifier    interfaces.DepositNotifier
	Pending     interfaces.PendingStore
	Ledger      interfaces.LedgerLookup
	Broadcaster interfaces.Broadcaster
	Watcher     interfaces.ExternalWatcher
	Engine      config.EngineConfig
}

// base lifecycle shared by the variants: one goroutine, cancelled through ctx
type base struct {
	params WatchParams
	family models.ChainFamily
	logger *logrus.Entry

	mu      sync.Mutex
	started bool
	active  bool
	cancel  context.CancelFunc
}

func newBase(params WatchParams, family models.ChainFamily) base {
	return base{
		params: params,
		family: family,
		logger: logrus.WithFields(logrus.Fields{
			"component": "monitor",
			"family":    string(family),
			"chain":     params.Chain,
			"currency":  params.Currency,
			"address":   params.Address,
			"session":   params.SessionKey,
		}),
	}
}

func (b *base) Params() WatchParams {
	return b.params
}

func (b *base) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *base) StopWatching() {
	b.stop("stopped")
}

// start runs loop on its own goroutine; a panic stops this monitor only
func (b *base) start(loop func(ctx context.Context)) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.active = true
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.mu.Unlock()

	metrics.ActiveMonitors.WithLabelValues(string(b.family)).Inc()
	b.logger.Info("👀 Monitor started")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.WithField("panic", fmt.Sprint(r)).Error("❌ Monitor panicked")
				b.stop("panic")
				return
			}
			b.stop("exited")
		}()
		loop(ctx)
	}()
}

func (b *base) stop(reason string) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	metrics.ActiveMonitors.WithLabelValues(string(b.family)).Dec()
	metrics.MonitorStopped.WithLabelValues(string(b.family), reason).Inc()
	b.logger.WithField("reason", reason).Info("🛑 Monitor stopped")
}

// sleep waits d or until ctx is done; false means stop
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// pollLoop sequential poll iterations with backoff; poll returns true once a deposit was taken
func (b *base) pollLoop(ctx context.Context, backoff *Backoff, poll func(ctx context.Context) (bool, error)) {
	var delay time.Duration
	for {
		if !sleep(ctx, delay) {
			return
		}
		found, err := poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.MonitorPollErrors.WithLabelValues(b.params.Chain, string(b.family)).Inc()
			d, exhausted := backoff.Failure()
			if exhausted {
				b.logger.WithError(err).WithField("errors", backoff.ConsecutiveErrors()).Error("❌ Error budget exhausted, monitor gives up")
				b.stop("error_budget")
				return
			}
			b.logger.WithError(err).WithField("retry_in", d.String()).Warn("⚠️ Poll failed")
			delay = d
			continue
		}
		if found {
			b.stop("deposit")
			return
		}
		delay = backoff.Success()
	}
}
