package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/models"
	"deposit-engine/internal/monitors"
	"deposit-engine/internal/types"
	"deposit-engine/internal/utils"

	"github.com/sirupsen/logrus"
)

// MonitorFactory builds unstarted monitors
type MonitorFactory interface {
	ChainFamily(chain string) (models.ChainFamily, bool)
	New(params monitors.WatchParams) (monitors.Monitor, error)
}

// AddressAllocator custodial address pool
type AddressAllocator interface {
	Allocate(ctx context.Context, chain string) (models.CustodialAddress, error)
	Release(ctx context.Context, address string) error
}

// OpenRequest a watch request bound to an authenticated session
type OpenRequest struct {
	SessionKey  string
	WalletID    string
	UserID      string
	Chain       string
	Currency    string
	Address     string // empty with no_approval custody: one is leased
	CustodyMode models.CustodyMode
}

// OpenResult the monitor serving the request
type OpenResult struct {
	Monitor monitors.Monitor
	Reused  bool
}

// ConnectionMeta a transport attached to a session
type ConnectionMeta struct {
	ConnID      string
	RemoteAddr  string
	ConnectedAt time.Time
}

type sessionEntry struct {
	monitor      monitors.Monitor
	createdAt    time.Time
	lastActivity time.Time
	conns        map[string]ConnectionMeta
	closeTimer   *time.Timer
	closeSeq     uint64
}

// SessionKey one monitor per wallet and chain
func SessionKey(walletID, chain string) string {
	return walletID + ":" + strings.ToLower(chain)
}

// SessionRegistry owns every live monitor, at most one per session key
type SessionRegistry struct {
	factory MonitorFactory
	leases  AddressAllocator
	cfg     config.EngineConfig
	logger  *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	closeSeq uint64
	closed   bool
}

// NewSessionRegistry leases may be nil when no chain uses no-approval custody
func NewSessionRegistry(factory MonitorFactory, leases AddressAllocator, cfg config.EngineConfig) *SessionRegistry {
	if cfg.IdleCloseNoApproval <= 0 {
		cfg.IdleCloseNoApproval = 2 * time.Minute
	}
	if cfg.IdleCloseDefault <= 0 {
		cfg.IdleCloseDefault = 10 * time.Minute
	}
	return &SessionRegistry{
		factory:  factory,
		leases:   leases,
		cfg:      cfg,
		logger:   logrus.WithField("component", "session_registry"),
		sessions: make(map[string]*sessionEntry),
	}
}

// Open starts watching, or reuses the session's monitor when it is active and
// watches the same target. A pending deferred close is cancelled either way.
func (r *SessionRegistry) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if err := r.normalize(&req); err != nil {
		return nil, err
	}

	allocated := ""
	if req.Address == "" {
		if reuse := r.reusableAddress(req); reuse != "" {
			req.Address = reuse
		} else {
			if r.leases == nil {
				return nil, types.Malformed("custodial addresses are not available")
			}
			addr, err := r.leases.Allocate(ctx, req.Chain)
			if err != nil {
				return nil, err
			}
			req.Address = addr.Address
			allocated = addr.Address
		}
	}

	params := monitors.WatchParams{
		SessionKey:  req.SessionKey,
		WalletID:    req.WalletID,
		UserID:      req.UserID,
		Chain:       req.Chain,
		Currency:    req.Currency,
		Address:     req.Address,
		CustodyMode: req.CustodyMode,
		StartedAt:   time.Now(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.releaseLease(allocated)
		return nil, fmt.Errorf("session registry is shut down")
	}

	now := time.Now()
	entry, ok := r.sessions[req.SessionKey]
	if ok {
		if entry.closeTimer != nil {
			entry.closeTimer.Stop()
			entry.closeTimer = nil
		}
		entry.lastActivity = now
		if entry.monitor.IsActive() && entry.monitor.Params().SameTarget(params) {
			monitor := entry.monitor
			r.mu.Unlock()
			r.logger.WithField("session", req.SessionKey).Info("♻️ Reusing active monitor")
			return &OpenResult{Monitor: monitor, Reused: true}, nil
		}
	}

	monitor, err := r.factory.New(params)
	if err != nil {
		r.mu.Unlock()
		r.releaseLease(allocated)
		return nil, err
	}

	var replaced monitors.Monitor
	if ok {
		replaced = entry.monitor
		entry.monitor = monitor
		entry.createdAt = now
	} else {
		entry = &sessionEntry{
			monitor:      monitor,
			createdAt:    now,
			lastActivity: now,
			conns:        make(map[string]ConnectionMeta),
		}
		r.sessions[req.SessionKey] = entry
	}
	monitor.StartWatching()
	r.mu.Unlock()

	if replaced != nil {
		replaced.StopWatching()
		r.releaseReplaced(replaced.Params(), params)
	}
	r.logger.WithFields(logrus.Fields{
		"session":  req.SessionKey,
		"chain":    req.Chain,
		"currency": req.Currency,
		"address":  req.Address,
		"custody":  string(req.CustodyMode),
	}).Info("👀 Watch session opened")
	return &OpenResult{Monitor: monitor}, nil
}

// Close schedules a deferred stop after the custody mode's idle window
func (r *SessionRegistry) Close(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionKey]
	if !ok || entry.closeTimer != nil {
		return
	}
	idle := r.idleWindow(entry.monitor.Params().CustodyMode)
	r.closeSeq++
	seq := r.closeSeq
	entry.closeSeq = seq
	entry.closeTimer = time.AfterFunc(idle, func() { r.expire(sessionKey, seq) })
	r.logger.WithFields(logrus.Fields{"session": sessionKey, "idle": idle.String()}).Info("⏲️ Session close scheduled")
}

func (r *SessionRegistry) expire(sessionKey string, seq uint64) {
	r.mu.Lock()
	entry, ok := r.sessions[sessionKey]
	if !ok || entry.closeTimer == nil || entry.closeSeq != seq {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionKey)
	r.mu.Unlock()

	entry.monitor.StopWatching()
	params := entry.monitor.Params()
	if params.CustodyMode == models.CustodyModeNoApproval {
		r.releaseLease(params.Address)
	}
	r.logger.WithField("session", sessionKey).Info("🛑 Idle session closed")
}

// Attach records a transport serving the session
func (r *SessionRegistry) Attach(sessionKey string, meta ConnectionMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sessionKey]; ok {
		entry.conns[meta.ConnID] = meta
		entry.lastActivity = time.Now()
	}
}

// Detach removes a transport; the session is closed once none remain
func (r *SessionRegistry) Detach(sessionKey, connID string) int {
	r.mu.Lock()
	entry, ok := r.sessions[sessionKey]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	delete(entry.conns, connID)
	remaining := len(entry.conns)
	r.mu.Unlock()

	if remaining == 0 {
		r.Close(sessionKey)
	}
	return remaining
}

// Get the session's monitor, if any
func (r *SessionRegistry) Get(sessionKey string) (monitors.Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sessionKey]
	if !ok {
		return nil, false
	}
	return entry.monitor, true
}

// Snapshot every session, sorted by key
func (r *SessionRegistry) Snapshot() []models.MonitorSession {
	r.mu.Lock()
	out := make([]models.MonitorSession, 0, len(r.sessions))
	for key, entry := range r.sessions {
		p := entry.monitor.Params()
		out = append(out, models.MonitorSession{
			SessionKey:   key,
			WalletID:     p.WalletID,
			Chain:        p.Chain,
			Currency:     p.Currency,
			Address:      p.Address,
			CustodyMode:  p.CustodyMode,
			CreatedAt:    entry.createdAt,
			LastActivity: entry.lastActivity,
			Active:       entry.monitor.IsActive(),
			Connections:  len(entry.conns),
			ClosePending: entry.closeTimer != nil,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// Shutdown stops every monitor and pending timer. Leases are left to their TTL.
func (r *SessionRegistry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*sessionEntry)
	r.mu.Unlock()

	for _, entry := range sessions {
		if entry.closeTimer != nil {
			entry.closeTimer.Stop()
		}
		entry.monitor.StopWatching()
	}
	r.logger.WithField("sessions", len(sessions)).Info("🛑 Session registry shut down")
}

func (r *SessionRegistry) normalize(req *OpenRequest) error {
	req.Chain = strings.TrimSpace(req.Chain)
	req.Currency = strings.TrimSpace(req.Currency)
	req.Address = strings.TrimSpace(req.Address)
	if req.SessionKey == "" || req.WalletID == "" {
		return types.Malformed("session is not authenticated")
	}
	if req.Chain == "" || req.Currency == "" {
		return types.Malformed("chain and currency are required")
	}
	family, ok := r.factory.ChainFamily(req.Chain)
	if !ok {
		return types.Malformed(fmt.Sprintf("unsupported chain %q", req.Chain))
	}

	if req.CustodyMode == "" {
		if req.Address == "" {
			req.CustodyMode = models.CustodyModeNoApproval
		} else {
			req.CustodyMode = models.CustodyModeSelf
		}
	}
	if !req.CustodyMode.Valid() {
		return types.Malformed(fmt.Sprintf("unknown custody mode %q", req.CustodyMode))
	}
	if req.Address == "" {
		if req.CustodyMode != models.CustodyModeNoApproval {
			return types.Malformed("address is required")
		}
		return nil
	}
	return validateChainAddress(family, req.Address)
}

// validateChainAddress the address must be in a format the chain family uses
func validateChainAddress(family models.ChainFamily, address string) error {
	format, err := utils.ValidateAddress(address)
	if err != nil {
		return types.Malformed(err.Error())
	}
	switch family {
	case models.ChainFamilyAccount:
		if format != utils.AddressFormatEVM {
			return types.Malformed(fmt.Sprintf("%s address on an account chain", format))
		}
	case models.ChainFamilyUTXO:
		if format != utils.AddressFormatBTC {
			return types.Malformed(fmt.Sprintf("%s address on a utxo chain", format))
		}
	}
	return nil
}

// reusableAddress a no-approval session keeps its leased address while its
// monitor is live on the same chain and currency
func (r *SessionRegistry) reusableAddress(req OpenRequest) string {
	if req.CustodyMode != models.CustodyModeNoApproval {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[req.SessionKey]
	if !ok || !entry.monitor.IsActive() {
		return ""
	}
	p := entry.monitor.Params()
	if p.CustodyMode != models.CustodyModeNoApproval || p.Chain != req.Chain || p.Currency != req.Currency {
		return ""
	}
	return p.Address
}

func (r *SessionRegistry) releaseReplaced(old, current monitors.WatchParams) {
	if old.CustodyMode != models.CustodyModeNoApproval || utils.AddressesEqual(old.Address, current.Address) {
		return
	}
	r.releaseLease(old.Address)
}

func (r *SessionRegistry) releaseLease(address string) {
	if address == "" || r.leases == nil {
		return
	}
	if err := r.leases.Release(context.Background(), address); err != nil {
		r.logger.WithError(err).WithField("address", address).Warn("⚠️ Failed to release custodial lease")
	}
}

func (r *SessionRegistry) idleWindow(mode models.CustodyMode) time.Duration {
	if mode == models.CustodyModeNoApproval {
		return r.cfg.IdleCloseNoApproval
	}
	return r.cfg.IdleCloseDefault
}
