package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/dto"
	"deposit-engine/internal/metrics"

	"github.com/nats-io/nats.go"
)

// NATSClient NATS client: JetStream for ledger hand-offs, core NATS for delegated chain events
type NATSClient struct {
	conn            *nats.Conn
	js              nats.JetStreamContext
	streamName      string
	ledgerPrefix    string
	delegatedPrefix string
	duplicateWindow time.Duration
}

// NewNATSClient Create NATS client
func NewNATSClient(cfg config.NATSConfig) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}
	log.Printf("🔌 Connecting to NATS %s (timeout %v)", cfg.URL, connectTimeout)

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ [NATS] Disconnected: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ [NATS] Reconnected to %s", nc.ConnectedUrl())
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS failed: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context failed: %w", err)
	}

	client := &NATSClient{
		conn:            conn,
		js:              js,
		streamName:      cfg.LedgerStream,
		ledgerPrefix:    cfg.LedgerSubjectPrefix,
		delegatedPrefix: cfg.DelegatedSubjectPrefix,
		duplicateWindow: time.Duration(cfg.DedupWindow) * time.Minute,
	}

	if err := client.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// ensureStream makes sure the ledger stream exists with a dedup window
func (c *NATSClient) ensureStream() error {
	if _, err := c.js.StreamInfo(c.streamName); err == nil {
		log.Printf("📋 [NATS] Stream %s already exists", c.streamName)
		return nil
	}

	streamConfig := &nats.StreamConfig{
		Name:       c.streamName,
		Subjects:   []string{c.ledgerPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Storage:    nats.FileStorage,
		Duplicates: c.duplicateWindow,
	}
	if _, err := c.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("create stream %s failed: %w", c.streamName, err)
	}
	log.Printf("✅ [NATS] Stream %s created (dedup window %v)", c.streamName, c.duplicateWindow)
	return nil
}

// LedgerSubject subject a confirmed deposit on chain is published to
func (c *NATSClient) LedgerSubject(chain string) string {
	return fmt.Sprintf("%s.%s", c.ledgerPrefix, strings.ToLower(chain))
}

// PublishHandoff publishes with a Nats-Msg-Id so the stream drops replays
// inside the dedup window; duplicate reports whether the stream had it already
func (c *NATSClient) PublishHandoff(payload *dto.DepositHandoffMessage) (duplicate bool, err error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal hand-off failed: %w", err)
	}

	subject := c.LedgerSubject(payload.Chain)
	ack, err := c.js.Publish(subject, data, nats.MsgId(payload.MessageID))
	if err != nil {
		return false, fmt.Errorf("publish hand-off failed: %w", err)
	}
	log.Printf("📤 [NATS] Published hand-off %s to %s (seq=%d, duplicate=%v)", payload.MessageID, subject, ack.Sequence, ack.Duplicate)
	return ack.Duplicate, nil
}

// DelegatedSubject subject an integration publishes events for address on chain to
func (c *NATSClient) DelegatedSubject(chain, address string) string {
	return fmt.Sprintf("%s.%s.%s", c.delegatedPrefix, strings.ToLower(chain), address)
}

// SubscribeDelegated subscribes to one address's delegated chain events
func (c *NATSClient) SubscribeDelegated(chain, address string, handler func(*dto.DelegatedTransferEvent)) (*nats.Subscription, error) {
	subject := c.DelegatedSubject(chain, address)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event dto.DelegatedTransferEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("❌ [NATS] Parse delegated event failed on %s: %v", msg.Subject, err)
			return
		}
		if event.Chain == "" {
			event.Chain = chain
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("❌ [NATS] Delegated handler panicked: %v", r)
				}
			}()
			handler(&event)
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	log.Printf("📡 [NATS] Subscribed to %s", subject)
	return sub, nil
}

// IsConnected reports the connection state
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
