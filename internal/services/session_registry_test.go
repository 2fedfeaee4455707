package services

import (
	"context"
	"testing"
	"time"

	"deposit-engine/internal/models"
	"deposit-engine/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(pool *fakeAddresses) (*SessionRegistry, *fakeFactory, *LeaseManager) {
	factory := &fakeFactory{chains: testChains()}
	leases := NewLeaseManager(NewMemoryLeaseStore(), pool, time.Hour)
	return NewSessionRegistry(factory, leases, testEngine()), factory, leases
}

func selfCustodyRequest(currency string) OpenRequest {
	return OpenRequest{
		SessionKey: SessionKey("wallet-1", "ethereum"),
		WalletID:   "wallet-1",
		UserID:     "user-1",
		Chain:      "ethereum",
		Currency:   currency,
		Address:    walletAddr,
	}
}

func TestOpenReusesActiveMonitorForSameTarget(t *testing.T) {
	reg, factory, _ := newTestRegistry(custodialPool())
	defer reg.Shutdown()

	first, err := reg.Open(context.Background(), selfCustodyRequest("ETH"))
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, models.CustodyModeSelf, first.Monitor.Params().CustodyMode)

	second, err := reg.Open(context.Background(), selfCustodyRequest("ETH"))
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Same(t, first.Monitor, second.Monitor)
	assert.Equal(t, 1, factory.count())
}

func TestOpenReplacesMonitorWhenTargetChanges(t *testing.T) {
	reg, factory, _ := newTestRegistry(custodialPool())
	defer reg.Shutdown()

	first, err := reg.Open(context.Background(), selfCustodyRequest("ETH"))
	require.NoError(t, err)
	second, err := reg.Open(context.Background(), selfCustodyRequest("USDT"))
	require.NoError(t, err)

	assert.False(t, second.Reused)
	assert.False(t, first.Monitor.IsActive(), "replaced monitor is stopped")
	assert.True(t, second.Monitor.IsActive())
	assert.Equal(t, 2, factory.count())

	mon, ok := reg.Get(SessionKey("wallet-1", "Ethereum"))
	require.True(t, ok)
	assert.Same(t, second.Monitor, mon)
}

func TestCloseExpiresIdleSession(t *testing.T) {
	reg, _, _ := newTestRegistry(custodialPool())
	defer reg.Shutdown()
	req := selfCustodyRequest("ETH")

	res, err := reg.Open(context.Background(), req)
	require.NoError(t, err)
	reg.Close(req.SessionKey)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].ClosePending)

	assert.Eventually(t, func() bool {
		_, ok := reg.Get(req.SessionKey)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.False(t, res.Monitor.IsActive())
}

func TestReopenCancelsPendingClose(t *testing.T) {
	reg, factory, _ := newTestRegistry(custodialPool())
	defer reg.Shutdown()
	req := selfCustodyRequest("ETH")

	first, err := reg.Open(context.Background(), req)
	require.NoError(t, err)
	reg.Close(req.SessionKey)

	second, err := reg.Open(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Reused)

	// well past the idle window
	time.Sleep(4 * testEngine().IdleCloseDefault)
	assert.True(t, first.Monitor.IsActive())
	_, ok := reg.Get(req.SessionKey)
	assert.True(t, ok)
	assert.Equal(t, 1, factory.count())
}

func TestDetachLastConnectionSchedulesClose(t *testing.T) {
	reg, _, _ := newTestRegistry(custodialPool())
	defer reg.Shutdown()
	req := selfCustodyRequest("ETH")

	_, err := reg.Open(context.Background(), req)
	require.NoError(t, err)
	reg.Attach(req.SessionKey, ConnectionMeta{ConnID: "c1"})
	reg.Attach(req.SessionKey, ConnectionMeta{ConnID: "c2"})

	assert.Equal(t, 1, reg.Detach(req.SessionKey, "c1"))
	assert.False(t, reg.Snapshot()[0].ClosePending)

	assert.Equal(t, 0, reg.Detach(req.SessionKey, "c2"))
	assert.True(t, reg.Snapshot()[0].ClosePending)
}

func TestNoApprovalSessionLeasesAndReusesAddress(t *testing.T) {
	reg, _, leases := newTestRegistry(custodialPool(custodialA, custodialB))
	defer reg.Shutdown()
	req := OpenRequest{
		SessionKey: SessionKey("wallet-2", "ethereum"),
		WalletID:   "wallet-2",
		Chain:      "ethereum",
		Currency:   "ETH",
	}

	first, err := reg.Open(context.Background(), req)
	require.NoError(t, err)
	params := first.Monitor.Params()
	assert.Equal(t, models.CustodyModeNoApproval, params.CustodyMode)
	leased, err := leases.IsLeased(context.Background(), params.Address)
	require.NoError(t, err)
	assert.True(t, leased)

	second, err := reg.Open(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.True(t, sameAddress(params.Address, second.Monitor.Params().Address))

	// the other custodial address is still free
	other, err := leases.Allocate(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.False(t, sameAddress(params.Address, other.Address))
}

func TestNoApprovalLeaseReleasedWhenSessionExpires(t *testing.T) {
	reg, _, leases := newTestRegistry(custodialPool(custodialA))
	defer reg.Shutdown()
	req := OpenRequest{
		SessionKey: SessionKey("wallet-3", "ethereum"),
		WalletID:   "wallet-3",
		Chain:      "ethereum",
		Currency:   "ETH",
	}

	_, err := reg.Open(context.Background(), req)
	require.NoError(t, err)
	reg.Close(req.SessionKey)

	assert.Eventually(t, func() bool {
		leased, err := leases.IsLeased(context.Background(), custodialA)
		return err == nil && !leased
	}, time.Second, 5*time.Millisecond)
}

func TestNoApprovalPoolExhausted(t *testing.T) {
	reg, factory, _ := newTestRegistry(custodialPool())
	defer reg.Shutdown()

	_, err := reg.Open(context.Background(), OpenRequest{
		SessionKey: SessionKey("wallet-4", "ethereum"),
		WalletID:   "wallet-4",
		Chain:      "ethereum",
		Currency:   "ETH",
	})
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
	assert.Equal(t, 0, factory.count())
}

func TestOpenRejectsMalformedRequests(t *testing.T) {
	reg, factory, _ := newTestRegistry(custodialPool())
	defer reg.Shutdown()

	cases := map[string]OpenRequest{
		"unauthenticated": {Chain: "ethereum", Currency: "ETH", Address: walletAddr},
		"missing currency": {
			SessionKey: "k", WalletID: "w", Chain: "ethereum", Address: walletAddr,
		},
		"unsupported chain": {
			SessionKey: "k", WalletID: "w", Chain: "dogecoin", Currency: "DOGE", Address: walletAddr,
		},
		"bad address": {
			SessionKey: "k", WalletID: "w", Chain: "ethereum", Currency: "ETH", Address: "0x1234",
		},
		"evm address on utxo chain": {
			SessionKey: "k", WalletID: "w", Chain: "bitcoin", Currency: "BTC", Address: walletAddr,
		},
		"self custody without address": {
			SessionKey: "k", WalletID: "w", Chain: "ethereum", Currency: "ETH", CustodyMode: models.CustodyModeSelf,
		},
		"unknown custody": {
			SessionKey: "k", WalletID: "w", Chain: "ethereum", Currency: "ETH", Address: walletAddr, CustodyMode: "escrow",
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Open(context.Background(), req)
			assert.True(t, types.IsMalformed(err), "got %v", err)
		})
	}
	assert.Equal(t, 0, factory.count())
}

func TestShutdownStopsMonitorsAndRefusesOpen(t *testing.T) {
	reg, _, _ := newTestRegistry(custodialPool())
	res, err := reg.Open(context.Background(), selfCustodyRequest("ETH"))
	require.NoError(t, err)

	reg.Shutdown()
	assert.False(t, res.Monitor.IsActive())
	assert.Empty(t, reg.Snapshot())

	_, err = reg.Open(context.Background(), selfCustodyRequest("ETH"))
	assert.Error(t, err)
}
