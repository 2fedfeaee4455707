package services

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"
	"deposit-engine/internal/repository"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/sirupsen/logrus"
)

// LeaseManager hands out shared custodial addresses to no-approval sessions.
// Allocation picks uniformly among the unleased addresses; there is no queue.
type LeaseManager struct {
	store     LeaseStore
	addresses repository.CustodialAddressRepository
	ttl       time.Duration
	now       func() time.Time
	shuffle   func(n int, swap func(i, j int))
	logger    *logrus.Entry
}

func NewLeaseManager(store LeaseStore, addresses repository.CustodialAddressRepository, ttl time.Duration) *LeaseManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LeaseManager{
		store:     store,
		addresses: addresses,
		ttl:       ttl,
		now:       time.Now,
		shuffle:   rand.Shuffle,
		logger:    logrus.WithField("component", "lease_manager"),
	}
}

// Lease marks address leased; false when another session holds it
func (m *LeaseManager) Lease(ctx context.Context, address string) (bool, error) {
	ok, err := m.store.TryLease(ctx, address, m.now(), m.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		m.refreshGauge(ctx)
	}
	return ok, nil
}

func (m *LeaseManager) IsLeased(ctx context.Context, address string) (bool, error) {
	return m.store.IsLeased(ctx, address, m.now(), m.ttl)
}

// Release frees address immediately; releasing an unleased address is a no-op
func (m *LeaseManager) Release(ctx context.Context, address string) error {
	if err := m.store.Release(ctx, address); err != nil {
		return err
	}
	m.refreshGauge(ctx)
	m.logger.WithField("address", address).Info("🔓 Custodial address released")
	return nil
}

// ReleaseExpired sweeps leases older than the TTL
func (m *LeaseManager) ReleaseExpired(ctx context.Context) (int, error) {
	n, err := m.store.ReleaseExpired(ctx, m.now(), m.ttl)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.WithField("released", n).Info("🧹 Expired custodial leases released")
		m.refreshGauge(ctx)
	}
	return n, nil
}

// Allocate leases a random free active custodial address on chain
func (m *LeaseManager) Allocate(ctx context.Context, chain string) (models.CustodialAddress, error) {
	if _, err := m.ReleaseExpired(ctx); err != nil {
		m.logger.WithError(err).Warn("⚠️ Lease sweep failed, allocating anyway")
	}

	candidates, err := m.addresses.ListActive(ctx, chain)
	if err != nil {
		return models.CustodialAddress{}, fmt.Errorf("list custodial addresses for %s: %w", chain, err)
	}

	m.shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	for _, candidate := range candidates {
		ok, err := m.Lease(ctx, candidate.Address)
		if err != nil {
			return models.CustodialAddress{}, err
		}
		if ok {
			m.logger.WithFields(logrus.Fields{"chain": chain, "address": candidate.Address}).Info("🔐 Custodial address leased")
			return candidate, nil
		}
	}

	metrics.CustodialPoolExhausted.WithLabelValues(chain).Inc()
	m.logger.WithFields(logrus.Fields{"chain": chain, "candidates": len(candidates)}).Warn("⚠️ Custodial address pool exhausted")
	return models.CustodialAddress{}, types.ErrPoolExhausted
}

// Unlock releases address after checking its format
func (m *LeaseManager) Unlock(ctx context.Context, address string) error {
	if _, err := utils.ValidateAddress(address); err != nil {
		return types.Malformed(err.Error())
	}
	return m.Release(ctx, address)
}

func (m *LeaseManager) refreshGauge(ctx context.Context) {
	if n, err := m.store.Count(ctx); err == nil {
		metrics.CustodialLeasesActive.Set(float64(n))
	}
}
