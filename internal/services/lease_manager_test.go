package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"deposit-engine/internal/models"
	"deposit-engine/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func custodialPool(addrs ...string) *fakeAddresses {
	a := &fakeAddresses{}
	for i, addr := range addrs {
		a.list = append(a.list, models.CustodialAddress{
			ID:      string(rune('a' + i)),
			Address: addr,
			Chain:   "ethereum",
			Network: "mainnet",
			Active:  true,
		})
	}
	return a
}

func TestLeaseIsExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	m := NewLeaseManager(NewMemoryLeaseStore(), custodialPool(), time.Hour)

	ok, err := m.Lease(ctx, custodialA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Lease(ctx, custodialA)
	require.NoError(t, err)
	assert.False(t, ok, "second lease must be refused")

	// case-insensitive for hex addresses
	leased, err := m.IsLeased(ctx, "0x00000000000000000000000000000000000000C1")
	require.NoError(t, err)
	assert.True(t, leased)

	require.NoError(t, m.Release(ctx, custodialA))
	leased, err = m.IsLeased(ctx, custodialA)
	require.NoError(t, err)
	assert.False(t, leased)
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewLeaseManager(NewMemoryLeaseStore(), custodialPool(), time.Hour)
	m.now = func() time.Time { return now }

	ok, err := m.Lease(ctx, custodialA)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(59 * time.Minute)
	leased, _ := m.IsLeased(ctx, custodialA)
	assert.True(t, leased)

	now = now.Add(time.Minute)
	leased, _ = m.IsLeased(ctx, custodialA)
	assert.False(t, leased)

	n, err := m.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAllocateReturnsFreeAddressThenExhausts(t *testing.T) {
	ctx := context.Background()
	m := NewLeaseManager(NewMemoryLeaseStore(), custodialPool(custodialA, custodialB), time.Hour)

	ok, err := m.Lease(ctx, custodialA)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := m.Allocate(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, custodialB, got.Address)
	leased, _ := m.IsLeased(ctx, custodialB)
	assert.True(t, leased)

	_, err = m.Allocate(ctx, "ethereum")
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
}

func TestAllocateConcurrentRequestsNeverShareAnAddress(t *testing.T) {
	ctx := context.Background()
	m := NewLeaseManager(NewMemoryLeaseStore(), custodialPool(custodialA), time.Hour)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		exhausted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Allocate(ctx, "ethereum")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if assert.ErrorIs(t, err, types.ErrPoolExhausted) {
				exhausted++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 9, exhausted)
}

func TestAllocateSweepsExpiredLeasesFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewLeaseManager(NewMemoryLeaseStore(), custodialPool(custodialA), time.Minute)
	m.now = func() time.Time { return now }

	_, err := m.Allocate(ctx, "ethereum")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	got, err := m.Allocate(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, custodialA, got.Address)
}

func TestUnlockRejectsMalformedAddress(t *testing.T) {
	m := NewLeaseManager(NewMemoryLeaseStore(), custodialPool(), time.Hour)

	for _, addr := range []string{"", "   ", "not-an-address", "0x1234"} {
		err := m.Unlock(context.Background(), addr)
		assert.True(t, types.IsMalformed(err), "address %q", addr)
	}
	assert.NoError(t, m.Unlock(context.Background(), custodialA))
}
