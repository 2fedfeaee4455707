package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

// ChainConnection a verified connection to one chain, shared by every monitor on it
type ChainConnection struct {
	Chain    string
	Family   models.ChainFamily
	Endpoint string
	Push     bool // subscriptions supported (ws/wss)

	EVM     EVMClient
	History HistoryClient
	UTXO    UTXOClient
}

func (c *ChainConnection) close() {
	if c.EVM != nil {
		c.EVM.Close()
	}
}

// ConnectionPool hands out at most one live connection per chain. Endpoints are
// tried in order, push first, each verified before use. A circuit breaker per
// chain stops hammering a chain whose endpoints are all down.
type ConnectionPool struct {
	chains        map[string]config.ChainConfig
	dial          EVMDialer
	healthTimeout time.Duration

	mu       sync.RWMutex
	conns    map[string]*ChainConnection
	breakers map[string]*gobreaker.CircuitBreaker
	group    singleflight.Group
	logger   *logrus.Entry
}

// NewConnectionPool creates a pool over the enabled chains; dial nil uses ethclient
func NewConnectionPool(chains map[string]config.ChainConfig, dial EVMDialer, healthTimeout time.Duration) *ConnectionPool {
	if dial == nil {
		dial = DialEthClient
	}
	if healthTimeout <= 0 {
		healthTimeout = 10 * time.Second
	}
	return &ConnectionPool{
		chains:        chains,
		dial:          dial,
		healthTimeout: healthTimeout,
		conns:         make(map[string]*ChainConnection),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		logger:        logrus.WithField("component", "connection_pool"),
	}
}

// Acquire returns the cached connection for chain or establishes one.
// Concurrent callers for the same chain share a single dial.
func (p *ConnectionPool) Acquire(ctx context.Context, chain string) (*ChainConnection, error) {
	if conn := p.cached(chain); conn != nil {
		return conn, nil
	}

	v, err, _ := p.group.Do(chain, func() (interface{}, error) {
		if conn := p.cached(chain); conn != nil {
			return conn, nil
		}
		cfg, ok := p.chains[chain]
		if !ok || !cfg.Enabled {
			return nil, fmt.Errorf("%w: chain %s not configured", types.ErrNoConnection, chain)
		}

		res, err := p.breaker(chain).Execute(func() (interface{}, error) {
			return p.connect(ctx, chain, cfg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fmt.Errorf("%w: chain %s circuit open", types.ErrNoConnection, chain)
			}
			return nil, err
		}

		conn := res.(*ChainConnection)
		p.mu.Lock()
		p.conns[chain] = conn
		p.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ChainConnection), nil
}

func (p *ConnectionPool) cached(chain string) *ChainConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[chain]
}

func (p *ConnectionPool) breaker(chain string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[chain]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chain:" + chain,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	p.breakers[chain] = cb
	return cb
}

func (p *ConnectionPool) connect(ctx context.Context, chain string, cfg config.ChainConfig) (*ChainConnection, error) {
	switch models.ChainFamily(cfg.Family) {
	case models.ChainFamilyAccount:
		return p.connectAccount(ctx, chain, cfg)
	case models.ChainFamilyUTXO:
		return p.connectUTXO(ctx, chain, cfg)
	default:
		return nil, fmt.Errorf("%w: family %s has no pooled connection", types.ErrNoConnection, cfg.Family)
	}
}

func (p *ConnectionPool) connectAccount(ctx context.Context, chain string, cfg config.ChainConfig) (*ChainConnection, error) {
	var history HistoryClient
	if cfg.IndexerURL != "" {
		history = NewIndexerClient(cfg.IndexerURL, cfg.IndexerAPIKey, cfg.ChainID, cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	endpoints := make([]string, 0, len(cfg.WSEndpoints)+len(cfg.HTTPEndpoints))
	endpoints = append(endpoints, cfg.WSEndpoints...)
	endpoints = append(endpoints, cfg.HTTPEndpoints...)

	var lastErr error
	for _, endpoint := range endpoints {
		kind := endpointKind(endpoint)
		client, err := p.dialVerified(ctx, endpoint, cfg.ChainID)
		if err != nil {
			metrics.ConnectionPoolDials.WithLabelValues(chain, kind, "failed").Inc()
			p.logger.WithFields(logrus.Fields{"chain": chain, "endpoint": endpoint, "error": err}).Warn("endpoint failed health check")
			lastErr = err
			continue
		}
		metrics.ConnectionPoolDials.WithLabelValues(chain, kind, "ok").Inc()
		p.logger.WithFields(logrus.Fields{"chain": chain, "endpoint": endpoint, "kind": kind}).Info("chain connection established")
		return &ChainConnection{
			Chain:    chain,
			Family:   models.ChainFamilyAccount,
			Endpoint: endpoint,
			Push:     kind == "push",
			EVM:      client,
			History:  history,
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no endpoints configured")
	}
	return nil, fmt.Errorf("%w: chain %s: %v", types.ErrNoConnection, chain, lastErr)
}

func (p *ConnectionPool) dialVerified(ctx context.Context, endpoint string, wantChainID int64) (EVMClient, error) {
	hctx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()

	client, err := p.dial(hctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	id, err := client.ChainID(hctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if wantChainID > 0 && id.Int64() != wantChainID {
		client.Close()
		return nil, fmt.Errorf("chain id mismatch: got %s want %d", id, wantChainID)
	}
	return client, nil
}

func (p *ConnectionPool) connectUTXO(ctx context.Context, chain string, cfg config.ChainConfig) (*ChainConnection, error) {
	client := NewEsploraClient(cfg.EsploraURL, cfg.RateLimitRPS, cfg.RateLimitBurst)

	hctx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()
	if _, err := client.TipHeight(hctx); err != nil {
		metrics.ConnectionPoolDials.WithLabelValues(chain, "http", "failed").Inc()
		return nil, fmt.Errorf("%w: chain %s: %v", types.ErrNoConnection, chain, err)
	}
	metrics.ConnectionPoolDials.WithLabelValues(chain, "http", "ok").Inc()
	return &ChainConnection{
		Chain:    chain,
		Family:   models.ChainFamilyUTXO,
		Endpoint: cfg.EsploraURL,
		UTXO:     client,
	}, nil
}

// MarkUnhealthy drops conn from the pool so the next Acquire reconnects.
// A stale conn (already replaced) is left alone.
func (p *ConnectionPool) MarkUnhealthy(chain string, conn *ChainConnection) {
	p.mu.Lock()
	current, ok := p.conns[chain]
	if !ok || current != conn {
		p.mu.Unlock()
		return
	}
	delete(p.conns, chain)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"chain": chain, "endpoint": conn.Endpoint}).Warn("connection marked unhealthy")
	conn.close()
}

// Status endpoint per connected chain, for the health route
func (p *ConnectionPool) Status() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.conns))
	for chain, conn := range p.conns {
		out[chain] = conn.Endpoint
	}
	return out
}

// Close closes every pooled connection
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*ChainConnection)
	p.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}

func endpointKind(endpoint string) string {
	lower := strings.ToLower(endpoint)
	if strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") {
		return "push"
	}
	return "http"
}
