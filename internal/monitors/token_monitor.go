package monitors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/metrics"
	"deposit-engine/internal/models"
	"deposit-engine/internal/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// TransferEventTopic keccak256("Transfer(address,address,uint256)")
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var errCooldownElapsed = errors.New("cool-down elapsed")

// TokenMonitor follows token Transfer events to the watched address. Push
// connections subscribe; request/response connections poll logs from a
// block cursor. After a deposit the watch stays open for a cool-down window.
type TokenMonitor struct {
	base
	deps  Deps
	token config.TokenConfig

	seen     map[string]bool
	cursor   uint64 // next block to poll, or the last block a subscription delivered
	cooldown <-chan time.Time
}

func NewTokenMonitor(params WatchParams, token config.TokenConfig, deps Deps) *TokenMonitor {
	return &TokenMonitor{
		base:  newBase(params, models.ChainFamilyAccount),
		deps:  deps,
		token: token,
		seen:  make(map[string]bool),
	}
}

func (m *TokenMonitor) StartWatching() {
	m.start(m.run)
}

func (m *TokenMonitor) run(ctx context.Context) {
	for {
		conn, err := m.deps.Pool.Acquire(ctx, m.params.Chain)
		if err == nil {
			if conn.Push {
				err = m.subscribe(ctx, conn)
			} else {
				err = m.pollLogs(ctx, conn)
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errCooldownElapsed) {
				m.stop("cooldown")
				return
			}
			m.deps.Pool.MarkUnhealthy(m.params.Chain, conn)
		}

		metrics.MonitorPollErrors.WithLabelValues(m.params.Chain, string(m.family)).Inc()
		m.logger.WithError(err).WithField("retry_in", m.deps.Engine.TokenReconnectDelay.String()).Warn("⚠️ Token watch interrupted, reconnecting")
		if !sleep(ctx, m.deps.Engine.TokenReconnectDelay) {
			return
		}
	}
}

func (m *TokenMonitor) filter() ethereum.FilterQuery {
	recipient := common.HexToAddress(m.params.Address)
	return ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(m.token.Contract)},
		Topics: [][]common.Hash{
			{TransferEventTopic},
			nil,
			{common.BytesToHash(recipient.Bytes())},
		},
	}
}

func (m *TokenMonitor) subscribe(ctx context.Context, conn *clients.ChainConnection) error {
	logs := make(chan ethtypes.Log, 16)
	sub, err := conn.EVM.SubscribeFilterLogs(ctx, m.filter(), logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()
	m.logger.WithField("endpoint", conn.Endpoint).Info("📡 Subscribed to token transfers")

	if m.cursor == 0 {
		head, err := conn.EVM.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("block number: %w", err)
		}
		m.cursor = head
	} else if err := m.catchUp(ctx, conn); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.cooldown:
			return errCooldownElapsed
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("subscription: %w", err)
		case lg := <-logs:
			m.handleLog(ctx, conn, lg)
			m.advance(lg.BlockNumber)
		}
	}
}

// catchUp replays what the previous subscription may have missed, from the
// last block it delivered up to the head
func (m *TokenMonitor) catchUp(ctx context.Context, conn *clients.ChainConnection) error {
	q := m.filter()
	q.FromBlock = new(big.Int).SetUint64(m.cursor)
	logs, err := conn.EVM.FilterLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("catch-up logs: %w", err)
	}
	if len(logs) > 0 {
		m.logger.WithFields(logrus.Fields{"from_block": m.cursor, "logs": len(logs)}).Info("🔄 Replaying token transfers missed while reconnecting")
	}
	for _, lg := range logs {
		m.handleLog(ctx, conn, lg)
		m.advance(lg.BlockNumber)
	}
	return nil
}

func (m *TokenMonitor) advance(block uint64) {
	if block > m.cursor {
		m.cursor = block
	}
}

func (m *TokenMonitor) pollLogs(ctx context.Context, conn *clients.ChainConnection) error {
	if m.cursor == 0 {
		head, err := conn.EVM.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("block number: %w", err)
		}
		m.cursor = head
	}
	m.logger.WithField("endpoint", conn.Endpoint).Info("🔁 Polling token transfer logs")

	ticker := time.NewTicker(m.deps.Engine.TokenLogPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.cooldown:
			return errCooldownElapsed
		case <-ticker.C:
		}

		head, err := conn.EVM.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("block number: %w", err)
		}
		if head < m.cursor {
			continue
		}
		q := m.filter()
		q.FromBlock = new(big.Int).SetUint64(m.cursor)
		q.ToBlock = new(big.Int).SetUint64(head)
		logs, err := conn.EVM.FilterLogs(ctx, q)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}
		for _, lg := range logs {
			m.handleLog(ctx, conn, lg)
		}
		m.cursor = head + 1
	}
}

func (m *TokenMonitor) handleLog(ctx context.Context, conn *clients.ChainConnection, lg ethtypes.Log) {
	if lg.Removed || len(lg.Topics) < 3 {
		return
	}
	hash := strings.ToLower(lg.TxHash.Hex())
	if m.seen[hash] {
		return
	}
	log := m.logger.WithField("tx_id", hash)

	candidate := models.CandidateTransfer{
		TxID:        hash,
		Recipient:   common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Value:       new(big.Int).SetBytes(lg.Data).String(),
		Payload:     lg.Data,
		BlockNumber: lg.BlockNumber,
		Timestamp:   time.Now(),
	}
	req := interfaces.ValidationRequest{
		Candidate:     candidate,
		Chain:         m.params.Chain,
		Family:        models.ChainFamilyAccount,
		Recipient:     m.params.Address,
		Decimals:      m.token.Decimals,
		TokenContract: m.token.Contract,
	}

	retry := &Backoff{Base: time.Second, Cap: 4 * time.Second, MaxErrors: 3}
	for {
		rec, err := m.deps.Validator.Validate(ctx, req)
		if err == nil {
			m.params.stamp(rec)
			outcome, serr := settleAccount(ctx, m.deps, conn, rec, m.logger)
			if serr == nil {
				m.seen[hash] = true
				if outcome != settleDropped {
					m.startCooldown()
				}
				return
			}
			err = serr
		}
		if types.IsValidation(err) {
			m.seen[hash] = true
			log.WithError(err).Debug("transfer event rejected")
			return
		}
		d, exhausted := retry.Failure()
		if exhausted {
			log.WithError(err).Error("❌ Could not settle token transfer")
			return
		}
		if !sleep(ctx, d) {
			return
		}
	}
}

func (m *TokenMonitor) startCooldown() {
	if m.cooldown != nil {
		return
	}
	window := m.deps.Engine.TokenCooldownDefault
	if m.params.CustodyMode == models.CustodyModeNoApproval {
		window = m.deps.Engine.TokenCooldownNoApproval
	}
	m.cooldown = time.After(window)
	m.logger.WithField("window", window.String()).Info("⏱️ Deposit received, cool-down started")
}
