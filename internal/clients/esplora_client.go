package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"deposit-engine/internal/types"
)

// EsploraTx transaction as returned by the Esplora REST API
type EsploraTx struct {
	TxID   string          `json:"txid"`
	Vin    []EsploraInput  `json:"vin"`
	Vout   []EsploraOutput `json:"vout"`
	Fee    int64           `json:"fee"`
	Status EsploraStatus   `json:"status"`
}

type EsploraInput struct {
	TxID    string         `json:"txid"`
	Vout    uint32         `json:"vout"`
	Prevout *EsploraOutput `json:"prevout"`
}

type EsploraOutput struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"` // satoshis
}

type EsploraStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// Confirmations counts the including block, 0 while in the mempool
func (tx *EsploraTx) Confirmations(tipHeight int64) int {
	if !tx.Status.Confirmed || tx.Status.BlockHeight <= 0 || tipHeight < tx.Status.BlockHeight {
		return 0
	}
	return int(tipHeight-tx.Status.BlockHeight) + 1
}

// UTXOClient chain data needed by confirmation-count monitors
type UTXOClient interface {
	AddressTransactions(ctx context.Context, address string) ([]EsploraTx, error)
	Transaction(ctx context.Context, txID string) (*EsploraTx, error)
	TipHeight(ctx context.Context) (int64, error)
}

// EsploraClient Esplora (Blockstream / mempool.space) REST client
type EsploraClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewEsploraClient creates a client; rps <= 0 disables rate limiting
func NewEsploraClient(baseURL string, rps float64, burst int) *EsploraClient {
	c := &EsploraClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// AddressTransactions mempool plus the most recent confirmed transactions of an address
func (c *EsploraClient) AddressTransactions(ctx context.Context, address string) ([]EsploraTx, error) {
	body, err := c.get(ctx, "/address/"+address+"/txs")
	if err != nil {
		return nil, err
	}
	var txs []EsploraTx
	if err := json.Unmarshal(body, &txs); err != nil {
		return nil, fmt.Errorf("unmarshal address txs: %w", err)
	}
	return txs, nil
}

// Transaction fetches one transaction by id
func (c *EsploraClient) Transaction(ctx context.Context, txID string) (*EsploraTx, error) {
	body, err := c.get(ctx, "/tx/"+txID)
	if err != nil {
		return nil, err
	}
	var tx EsploraTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal tx: %w", err)
	}
	return &tx, nil
}

// TipHeight current best block height
func (c *EsploraClient) TipHeight(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return height, nil
}

func (c *EsploraClient) get(ctx context.Context, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", types.ErrTxNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
