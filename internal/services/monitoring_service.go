package services

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"

	"gorm.io/gorm"
)

// PendingCounter size of the pending-transfer store
type PendingCounter interface {
	Count(ctx context.Context) (int64, error)
}

// AddressLister active custodial addresses of a chain
type AddressLister interface {
	ListActive(ctx context.Context, chain string) ([]models.CustodialAddress, error)
}

// MonitoringService periodically refreshes the gauges nobody updates inline:
// database pool health, pending store size and custodial pool size per chain.
type MonitoringService struct {
	db        *gorm.DB // nil skips database metrics
	pending   PendingCounter
	addresses AddressLister
	chains    []string
	interval  time.Duration
	timeout   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitoringService creates the gauge refresher for the given chains
func NewMonitoringService(db *gorm.DB, pending PendingCounter, addresses AddressLister, chains []string, interval time.Duration) *MonitoringService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sorted := append([]string(nil), chains...)
	sort.Strings(sorted)
	return &MonitoringService{
		db:        db,
		pending:   pending,
		addresses: addresses,
		chains:    sorted,
		interval:  interval,
		timeout:   10 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start runs one collection immediately, then on every tick
func (m *MonitoringService) Start() {
	log.Println("🚀 Starting monitoring service...")

	m.wg.Add(1)
	go m.loop()

	log.Println("✅ Monitoring service started")
}

// Stop waits for the collection loop to exit; safe to call twice
func (m *MonitoringService) Stop() {
	m.stopOnce.Do(func() {
		log.Println("🛑 Stopping monitoring service...")
		close(m.stopCh)
		m.wg.Wait()
		log.Println("✅ Monitoring service stopped")
	})
}

func (m *MonitoringService) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *MonitoringService) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.updateDatabaseMetrics(ctx)
	m.updatePendingMetrics(ctx)
	m.updateCustodialMetrics(ctx)
}

func (m *MonitoringService) updateDatabaseMetrics(ctx context.Context) {
	if m.db == nil {
		return
	}
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}

	stats := sqlDB.Stats()
	metrics.DBConnectionPoolSize.Set(float64(stats.MaxOpenConnections))
	metrics.DBConnectionActive.Set(float64(stats.InUse))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))

	if err := sqlDB.PingContext(ctx); err != nil {
		log.Printf("⚠️ [Monitoring] Database ping failed: %v", err)
		metrics.DBConnectionStatus.Set(0)
	} else {
		metrics.DBConnectionStatus.Set(1)
	}
}

func (m *MonitoringService) updatePendingMetrics(ctx context.Context) {
	if m.pending == nil {
		return
	}
	n, err := m.pending.Count(ctx)
	if err != nil {
		log.Printf("⚠️ [Monitoring] Failed to count pending transfers: %v", err)
		return
	}
	metrics.PendingTransfers.Set(float64(n))
}

func (m *MonitoringService) updateCustodialMetrics(ctx context.Context) {
	if m.addresses == nil {
		return
	}
	for _, chain := range m.chains {
		list, err := m.addresses.ListActive(ctx, chain)
		if err != nil {
			log.Printf("⚠️ [Monitoring] Failed to list custodial addresses for %s: %v", chain, err)
			continue
		}
		metrics.CustodialAddresses.WithLabelValues(chain).Set(float64(len(list)))
	}
}
