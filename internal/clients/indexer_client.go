package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AccountTx one entry of an address's transaction history
type AccountTx struct {
	Hash        string
	From        string
	To          string
	Value       string // base units
	Input       string
	Success     bool
	BlockNumber uint64
	Timestamp   time.Time
}

// HistoryClient lists an address's transaction history on an account chain
type HistoryClient interface {
	AccountTransactions(ctx context.Context, address string, sinceBlock uint64) ([]AccountTx, error)
}

// IndexerClient Etherscan-compatible account API (module=account&action=txlist)
type IndexerClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	chainID    int64
	limiter    *rate.Limiter
}

// NewIndexerClient creates an indexer client; rps <= 0 disables rate limiting
func NewIndexerClient(baseURL, apiKey string, chainID int64, rps float64, burst int) *IndexerClient {
	c := &IndexerClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		chainID:    chainID,
	}
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

type indexerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type indexerTx struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Input           string `json:"input"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
}

// AccountTransactions returns normal transactions touching address, newest first
func (c *IndexerClient) AccountTransactions(ctx context.Context, address string, sinceBlock uint64) ([]AccountTx, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlist")
	params.Set("address", address)
	params.Set("startblock", strconv.FormatUint(sinceBlock, 10))
	params.Set("endblock", "99999999")
	params.Set("sort", "desc")
	params.Set("page", "1")
	params.Set("offset", "50")
	if c.chainID > 0 {
		params.Set("chainid", strconv.FormatInt(c.chainID, 10))
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	body, err := c.get(ctx, c.baseURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var resp indexerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal indexer response: %w", err)
	}
	if resp.Status != "1" {
		if strings.Contains(strings.ToLower(resp.Message), "no transactions found") {
			return nil, nil
		}
		var detail string
		_ = json.Unmarshal(resp.Result, &detail)
		return nil, fmt.Errorf("indexer error: %s %s", resp.Message, detail)
	}

	var raw []indexerTx
	if err := json.Unmarshal(resp.Result, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal indexer result: %w", err)
	}

	txs := make([]AccountTx, 0, len(raw))
	for _, r := range raw {
		block, _ := strconv.ParseUint(r.BlockNumber, 10, 64)
		ts, _ := strconv.ParseInt(r.TimeStamp, 10, 64)
		txs = append(txs, AccountTx{
			Hash:        r.Hash,
			From:        r.From,
			To:          r.To,
			Value:       r.Value,
			Input:       r.Input,
			Success:     r.IsError == "0" && r.TxReceiptStatus != "0",
			BlockNumber: block,
			Timestamp:   time.Unix(ts, 0),
		})
	}
	return txs, nil
}

func (c *IndexerClient) get(ctx context.Context, target string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
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
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
