package clients

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEVM struct {
	chainID *big.Int
	closed  atomic.Bool
}

func (f *fakeEVM) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeEVM) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}
func (f *fakeEVM) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (f *fakeEVM) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeEVM) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return nil, nil
}
func (f *fakeEVM) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}
func (f *fakeEVM) Close() { f.closed.Store(true) }

type dialRecorder struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]bool
	chainID map[string]int64
	clients map[string]*fakeEVM
}

func newDialRecorder() *dialRecorder {
	return &dialRecorder{fail: map[string]bool{}, chainID: map[string]int64{}, clients: map[string]*fakeEVM{}}
}

func (d *dialRecorder) dial(ctx context.Context, endpoint string) (EVMClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, endpoint)
	if d.fail[endpoint] {
		return nil, errors.New("connection refused")
	}
	id, ok := d.chainID[endpoint]
	if !ok {
		id = 1
	}
	c := &fakeEVM{chainID: big.NewInt(id)}
	d.clients[endpoint] = c
	return c, nil
}

func (d *dialRecorder) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func accountChains() map[string]config.ChainConfig {
	return map[string]config.ChainConfig{
		"ethereum": {
			Family:        "account",
			ChainID:       1,
			WSEndpoints:   []string{"wss://ws-a", "wss://ws-b"},
			HTTPEndpoints: []string{"https://http-a"},
			Enabled:       true,
		},
	}
}

func TestAcquirePrefersPushEndpoint(t *testing.T) {
	d := newDialRecorder()
	pool := NewConnectionPool(accountChains(), d.dial, time.Second)

	conn, err := pool.Acquire(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "wss://ws-a", conn.Endpoint)
	assert.True(t, conn.Push)
}

func TestAcquireFallsBackToHTTP(t *testing.T) {
	d := newDialRecorder()
	d.fail["wss://ws-a"] = true
	d.chainID["wss://ws-b"] = 56 // wrong chain
	pool := NewConnectionPool(accountChains(), d.dial, time.Second)

	conn, err := pool.Acquire(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "https://http-a", conn.Endpoint)
	assert.False(t, conn.Push)
	assert.True(t, d.clients["wss://ws-b"].closed.Load(), "mismatched client is closed")
}

func TestAcquireSharesConnection(t *testing.T) {
	d := newDialRecorder()
	pool := NewConnectionPool(accountChains(), d.dial, time.Second)

	var wg sync.WaitGroup
	conns := make([]*ChainConnection, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := pool.Acquire(context.Background(), "ethereum")
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, d.callCount())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestMarkUnhealthyForcesReconnect(t *testing.T) {
	d := newDialRecorder()
	pool := NewConnectionPool(accountChains(), d.dial, time.Second)

	first, err := pool.Acquire(context.Background(), "ethereum")
	require.NoError(t, err)

	pool.MarkUnhealthy("ethereum", first)
	assert.True(t, first.EVM.(*fakeEVM).closed.Load())

	second, err := pool.Acquire(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	// stale handle does not evict the replacement
	pool.MarkUnhealthy("ethereum", first)
	third, err := pool.Acquire(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Same(t, second, third)
}

func TestAcquireAllEndpointsDown(t *testing.T) {
	d := newDialRecorder()
	for _, e := range []string{"wss://ws-a", "wss://ws-b", "https://http-a"} {
		d.fail[e] = true
	}
	pool := NewConnectionPool(accountChains(), d.dial, time.Second)

	_, err := pool.Acquire(context.Background(), "ethereum")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNoConnection)
	assert.True(t, types.IsTransient(err))

	_, err = pool.Acquire(context.Background(), "unknown")
	assert.ErrorIs(t, err, types.ErrNoConnection)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	d := newDialRecorder()
	for _, e := range []string{"wss://ws-a", "wss://ws-b", "https://http-a"} {
		d.fail[e] = true
	}
	pool := NewConnectionPool(accountChains(), d.dial, time.Second)

	for i := 0; i < 3; i++ {
		_, err := pool.Acquire(context.Background(), "ethereum")
		require.Error(t, err)
	}
	calls := d.callCount()

	_, err := pool.Acquire(context.Background(), "ethereum")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, calls, d.callCount(), "no dial while the breaker is open")
}
