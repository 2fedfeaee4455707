package monitors

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/dto"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

func testEngine() config.EngineConfig {
	return config.EngineConfig{
		NativePollInterval:      5 * time.Millisecond,
		NativeBackoffCap:        20 * time.Millisecond,
		NativeMaxErrors:         3,
		UTXOPollInterval:        5 * time.Millisecond,
		UTXOBackoffCap:          20 * time.Millisecond,
		UTXOMaxErrors:           3,
		TokenReconnectDelay:     5 * time.Millisecond,
		TokenLogPollInterval:    5 * time.Millisecond,
		TokenCooldownNoApproval: 30 * time.Millisecond,
		TokenCooldownDefault:    30 * time.Millisecond,
	}
}

type fakePool struct {
	mu        sync.Mutex
	conn      *clients.ChainConnection
	err       error
	unhealthy int
}

func (p *fakePool) Acquire(ctx context.Context, chain string) (*clients.ChainConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.conn, nil
}

func (p *fakePool) MarkUnhealthy(chain string, conn *clients.ChainConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy++
}

func (p *fakePool) unhealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unhealthy
}

// fakeValidator accepts candidates whose recipient matches and whose value is positive
type fakeValidator struct {
	mu    sync.Mutex
	calls int
}

func (v *fakeValidator) Validate(ctx context.Context, req interfaces.ValidationRequest) (*models.CanonicalTransfer, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if !utils.AddressesEqual(req.Candidate.Recipient, req.Recipient) {
		return nil, types.Reject(types.ErrRecipientMismatch, req.Candidate.Recipient)
	}
	amount := "1"
	if req.Candidate.Value != "" {
		value, ok := utils.ParseBaseUnits(req.Candidate.Value)
		if !ok || value.Sign() == 0 {
			return nil, types.Reject(types.ErrZeroAmount, "")
		}
		amount = utils.FormatUnitsOr(value, req.Decimals, models.AmountUnavailable)
	}
	return &models.CanonicalTransfer{
		Chain:     req.Chain,
		Family:    req.Family,
		TxID:      req.Candidate.TxID,
		To:        req.Recipient,
		Amount:    amount,
		Fee:       models.FeeUnavailable,
		Status:    models.TransferStatusPending,
		Timestamp: req.Candidate.Timestamp,
	}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	handoffs []*models.CanonicalTransfer
	err      error
}

func (n *fakeNotifier) Handoff(ctx context.Context, t *models.CanonicalTransfer) (interfaces.HandoffResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return interfaces.HandoffResult{}, n.err
	}
	copied := *t
	n.handoffs = append(n.handoffs, &copied)
	return interfaces.HandoffResult{}, nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handoffs)
}

type fakePending struct {
	mu      sync.Mutex
	entries map[string]*models.PendingTransfer
	upserts int
}

func newFakePending() *fakePending {
	return &fakePending{entries: map[string]*models.PendingTransfer{}}
}

func (s *fakePending) Upsert(ctx context.Context, e *models.PendingTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.TxID]; ok && cur.WalletID != e.WalletID {
		return types.ErrOwnedByOtherWallet
	}
	copied := *e
	s.entries[e.TxID] = &copied
	s.upserts++
	return nil
}

func (s *fakePending) Get(ctx context.Context, txID string) (*models.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[txID], nil
}

func (s *fakePending) List(ctx context.Context) ([]*models.PendingTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PendingTransfer, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *fakePending) Delete(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, txID)
	return nil
}

func (s *fakePending) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeLedger struct {
	processed map[string]bool
}

func (l *fakeLedger) IsProcessed(ctx context.Context, chain, txID, walletID string) (bool, error) {
	return l.processed[chain+":"+txID+":"+walletID], nil
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []*models.CanonicalTransfer
}

func (b *fakeBroadcaster) BroadcastDeposit(t *models.CanonicalTransfer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := *t
	b.sent = append(b.sent, &copied)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fakeHistory struct {
	txs []clients.AccountTx
	err error
}

func (h *fakeHistory) AccountTransactions(ctx context.Context, address string, since uint64) ([]clients.AccountTx, error) {
	return h.txs, h.err
}

type fakeUTXO struct {
	mu    sync.Mutex
	tip   int64
	txs   []clients.EsploraTx
	err   error
	calls int
}

func (u *fakeUTXO) setTip(h int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tip = h
}

func (u *fakeUTXO) AddressTransactions(ctx context.Context, address string) ([]clients.EsploraTx, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]clients.EsploraTx(nil), u.txs...), nil
}

func (u *fakeUTXO) Transaction(ctx context.Context, txID string) (*clients.EsploraTx, error) {
	return nil, types.ErrTxNotFound
}

func (u *fakeUTXO) TipHeight(ctx context.Context) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return 0, u.err
	}
	return u.tip, nil
}

func (u *fakeUTXO) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

// fakeEVM successful receipts for every hash, log subscriptions captured for the test
type fakeEVM struct {
	mu       sync.Mutex
	head     uint64
	logsCh   chan<- ethtypes.Log
	reverted map[common.Hash]bool
	history  []ethtypes.Log // served by FilterLogs within the queried range
	queries  []ethereum.FilterQuery
	subs     []*fakeSub
	subTimes []time.Time
}

func (f *fakeEVM) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeEVM) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head == 0 {
		return 100, nil
	}
	return f.head, nil
}

func (f *fakeEVM) TransactionByHash(ctx context.Context, h common.Hash) (*ethtypes.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (f *fakeEVM) TransactionReceipt(ctx context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := ethtypes.ReceiptStatusSuccessful
	if f.reverted[h] {
		status = ethtypes.ReceiptStatusFailed
	}
	return &ethtypes.Receipt{Status: status, BlockNumber: big.NewInt(99)}, nil
}
func (f *fakeEVM) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []ethtypes.Log
	for _, lg := range f.history {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}
func (f *fakeEVM) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{errc: make(chan error)}
	f.logsCh = ch
	f.subs = append(f.subs, sub)
	f.subTimes = append(f.subTimes, time.Now())
	return sub, nil
}
func (f *fakeEVM) Close() {}

func (f *fakeEVM) subscribed() chan<- ethtypes.Log {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logsCh
}

func (f *fakeEVM) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeEVM) subscribedAt(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subTimes[i]
}

// failSubscription delivers err on the newest subscription's error channel
func (f *fakeEVM) failSubscription(err error) {
	f.mu.Lock()
	sub := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	sub.errc <- err
}

func (f *fakeEVM) setHead(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = h
}

func (f *fakeEVM) addHistory(logs ...ethtypes.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, logs...)
}

// queried reports whether FilterLogs ran over exactly [from, to]; to == 0 means open ended
func (f *fakeEVM) queried(from, to uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.queries {
		if q.FromBlock == nil || q.FromBlock.Uint64() != from {
			continue
		}
		if (to == 0 && q.ToBlock == nil) || (q.ToBlock != nil && q.ToBlock.Uint64() == to) {
			return true
		}
	}
	return false
}

type fakeWatcher struct {
	mu      sync.Mutex
	sink    func(*dto.DelegatedTransferEvent)
	stopped bool
	err     error
}

func (w *fakeWatcher) Watch(ctx context.Context, chain, address string, sink func(*dto.DelegatedTransferEvent)) (func(), error) {
	if w.err != nil {
		return nil, w.err
	}
	w.mu.Lock()
	w.sink = sink
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}, nil
}

func (w *fakeWatcher) emit(ev *dto.DelegatedTransferEvent) bool {
	w.mu.Lock()
	sink := w.sink
	w.mu.Unlock()
	if sink == nil {
		return false
	}
	sink(ev)
	return true
}

var errBoom = errors.New("connection reset by peer")

func hashOf(s string) string {
	return strings.ToLower(common.BytesToHash([]byte(s)).Hex())
}
