package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/dto"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/models"
	"deposit-engine/internal/monitors"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

var errBoom = errors.New("connection reset by peer")

func testEngine() config.EngineConfig {
	return config.EngineConfig{
		IdleCloseNoApproval:  20 * time.Millisecond,
		IdleCloseDefault:     40 * time.Millisecond,
		LeaseTTL:             time.Hour,
		ReconcileInterval:    time.Hour,
		ReconcileBatchSize:   5,
		ReconcileMaxRetries:  3,
		ReconcileResetWindow: 30 * time.Minute,
		ChainCallTimeout:     time.Second,
	}
}

func testChains() map[string]config.ChainConfig {
	return map[string]config.ChainConfig{
		"ethereum": {
			Family:         "account",
			ChainID:        1,
			NativeCurrency: "ETH",
			NativeDecimals: 18,
			Tokens: map[string]config.TokenConfig{
				"USDT": {Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
			},
			Enabled: true,
		},
		"bitcoin": {
			Family:                "utxo",
			NativeCurrency:        "BTC",
			NativeDecimals:        8,
			RequiredConfirmations: 3,
			Enabled:               true,
		},
		"tron": {
			Family:  "delegated",
			Enabled: true,
		},
	}
}

// ==================== ledger / publisher ====================

type fakeHandoffRepo struct {
	mu      sync.Mutex
	rows    map[string]*models.DepositHandoff
	lookErr error
	recErr  error
	stale   bool // IsProcessed misses rows, as with a lagging replica
}

func newFakeHandoffRepo() *fakeHandoffRepo {
	return &fakeHandoffRepo{rows: map[string]*models.DepositHandoff{}}
}

func (r *fakeHandoffRepo) IsProcessed(ctx context.Context, chain, txID, walletID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookErr != nil {
		return false, r.lookErr
	}
	if r.stale {
		return false, nil
	}
	_, ok := r.rows[chain+":"+txID+":"+walletID]
	return ok, nil
}

func (r *fakeHandoffRepo) Record(ctx context.Context, h *models.DepositHandoff) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recErr != nil {
		return false, r.recErr
	}
	key := h.Chain + ":" + h.TxID + ":" + h.WalletID
	if _, ok := r.rows[key]; ok {
		return false, nil
	}
	r.rows[key] = h
	return true, nil
}

func (r *fakeHandoffRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type fakePublisher struct {
	mu   sync.Mutex
	ids  map[string]bool
	msgs []*dto.DepositHandoffMessage
	err  error
}

func (p *fakePublisher) PublishHandoff(msg *dto.DepositHandoffMessage) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	if p.ids == nil {
		p.ids = map[string]bool{}
	}
	if p.ids[msg.MessageID] {
		return true, nil
	}
	p.ids[msg.MessageID] = true
	p.msgs = append(p.msgs, msg)
	return false, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
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

func (b *fakeBroadcaster) statuses() []models.TransferStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.TransferStatus, 0, len(b.sent))
	for _, t := range b.sent {
		out = append(out, t.Status)
	}
	return out
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
	failures int // fail this many calls first
}

func (r *fakeReleaser) Release(ctx context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errBoom
	}
	r.released = append(r.released, address)
	return nil
}

// ==================== pending store ====================

type fakePending struct {
	mu      sync.Mutex
	entries map[string]*models.PendingTransfer
	listErr error
}

func newFakePending(entries ...*models.PendingTransfer) *fakePending {
	p := &fakePending{entries: map[string]*models.PendingTransfer{}}
	for _, e := range entries {
		p.entries[e.TxID] = e
	}
	return p
}

func (s *fakePending) Upsert(ctx context.Context, e *models.PendingTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.TxID]; ok && cur.WalletID != e.WalletID {
		return types.ErrOwnedByOtherWallet
	}
	copied := *e
	s.entries[e.TxID] = &copied
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
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*models.PendingTransfer, 0, len(s.entries))
	for _, e := range s.entries {
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakePending) Delete(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, txID)
	return nil
}

func (s *fakePending) has(txID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[txID]
	return ok
}

func (s *fakePending) get(txID string) *models.PendingTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[txID]
}

// ==================== notifier ====================

type fakeNotifier struct {
	mu       sync.Mutex
	handoffs []*models.CanonicalTransfer
	already  map[string]bool
	failTx   map[string]bool
	panicTx  map[string]bool
}

func (n *fakeNotifier) Handoff(ctx context.Context, t *models.CanonicalTransfer) (interfaces.HandoffResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.panicTx[t.TxID] {
		panic("notifier exploded")
	}
	if n.failTx[t.TxID] {
		return interfaces.HandoffResult{}, types.ErrHandoff
	}
	if n.already[t.TxID] {
		return interfaces.HandoffResult{AlreadyProcessed: true}, nil
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

// ==================== custodial addresses ====================

type fakeAddresses struct {
	list []models.CustodialAddress
	err  error
}

func (a *fakeAddresses) ListActive(ctx context.Context, chain string) ([]models.CustodialAddress, error) {
	if a.err != nil {
		return nil, a.err
	}
	var out []models.CustodialAddress
	for _, addr := range a.list {
		if addr.Chain == chain && addr.Active {
			out = append(out, addr)
		}
	}
	return out, nil
}

func (a *fakeAddresses) Save(ctx context.Context, address *models.CustodialAddress) error {
	a.list = append(a.list, *address)
	return nil
}

// ==================== chain connections ====================

type fakePool struct {
	mu        sync.Mutex
	conns     map[string]*clients.ChainConnection
	unhealthy int
}

func (p *fakePool) Acquire(ctx context.Context, chain string) (*clients.ChainConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[chain]
	if !ok {
		return nil, types.ErrNoConnection
	}
	return conn, nil
}

func (p *fakePool) MarkUnhealthy(chain string, conn *clients.ChainConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unhealthy++
}

// fakeEVM serves canned transactions and receipts by hash
type fakeEVM struct {
	mu       sync.Mutex
	txs      map[common.Hash]*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
	err      error
}

func newFakeEVM() *fakeEVM {
	return &fakeEVM{
		txs:      map[common.Hash]*ethtypes.Transaction{},
		receipts: map[common.Hash]*ethtypes.Receipt{},
	}
}

func (f *fakeEVM) ChainID(ctx context.Context) (*big.Int, error)   { return big.NewInt(1), nil }
func (f *fakeEVM) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }
func (f *fakeEVM) TransactionByHash(ctx context.Context, h common.Hash) (*ethtypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}
func (f *fakeEVM) TransactionReceipt(ctx context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}
func (f *fakeEVM) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	return nil, nil
}
func (f *fakeEVM) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}
func (f *fakeEVM) Close() {}

func (f *fakeEVM) setReceipt(h common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[h] = &ethtypes.Receipt{
		Status:            status,
		BlockNumber:       big.NewInt(1234),
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}
}

type fakeUTXO struct {
	mu  sync.Mutex
	tip int64
	txs map[string]*clients.EsploraTx
}

func (u *fakeUTXO) AddressTransactions(ctx context.Context, address string) ([]clients.EsploraTx, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []clients.EsploraTx
	for _, tx := range u.txs {
		out = append(out, *tx)
	}
	return out, nil
}

func (u *fakeUTXO) Transaction(ctx context.Context, txID string) (*clients.EsploraTx, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	tx, ok := u.txs[txID]
	if !ok {
		return nil, types.ErrTxNotFound
	}
	copied := *tx
	return &copied, nil
}

func (u *fakeUTXO) TipHeight(ctx context.Context) (int64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tip, nil
}

func (u *fakeUTXO) setTip(h int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tip = h
}

// ==================== monitors ====================

type fakeMonitor struct {
	mu      sync.Mutex
	params  monitors.WatchParams
	started bool
	active  bool
	stops   int
}

func (m *fakeMonitor) StartWatching() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.active = true
}

func (m *fakeMonitor) StopWatching() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.stops++
	}
	m.active = false
}

func (m *fakeMonitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *fakeMonitor) Params() monitors.WatchParams { return m.params }

type fakeFactory struct {
	mu      sync.Mutex
	chains  map[string]config.ChainConfig
	created []*fakeMonitor
}

func (f *fakeFactory) ChainFamily(chain string) (models.ChainFamily, bool) {
	cfg, ok := f.chains[chain]
	if !ok || !cfg.Enabled {
		return "", false
	}
	return models.ChainFamily(cfg.Family), true
}

func (f *fakeFactory) New(params monitors.WatchParams) (monitors.Monitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &fakeMonitor{params: params}
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

const (
	walletAddr  = "0x00000000000000000000000000000000000000a1"
	custodialA  = "0x00000000000000000000000000000000000000c1"
	custodialB  = "0x00000000000000000000000000000000000000c2"
	usdtAddress = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
)

func sameAddress(a, b string) bool { return utils.AddressesEqual(a, b) }
