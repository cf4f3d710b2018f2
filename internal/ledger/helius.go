package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Helius Client — live chain-data provider with rate limiting & retry
// Enhanced transactions API for history, JSON-RPC for balances.
// ---------------------------------------------------------------------------

// HeliusConfig configures the live ledger client.
type HeliusConfig struct {
	APIBase      string        `yaml:"api_base"`      // e.g. https://api.helius.xyz
	RPCEndpoint  string        `yaml:"rpc_endpoint"`  // e.g. https://mainnet.helius-rpc.com
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"` // base delay, doubled per attempt
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultHeliusConfig returns development defaults.
func DefaultHeliusConfig() HeliusConfig {
	return HeliusConfig{
		APIBase:      "https://api.helius.xyz",
		RPCEndpoint:  "https://mainnet.helius-rpc.com",
		Timeout:      10 * time.Second,
		MaxRetries:   4,
		RetryBackoff: 250 * time.Millisecond,
		RateLimitRPS: 10,
	}
}

const (
	circuitBreakerThreshold = 10
	circuitBreakerCooldown  = 30 * time.Second

	// Provider-side page and batch limits.
	historyPageLimit = 100
	balanceBatchMax  = 100
)

// HeliusClient talks to a Helius-style provider over HTTP.
type HeliusClient struct {
	config     HeliusConfig
	httpClient *http.Client

	// Token bucket rate limiter.
	limiter       chan struct{}
	limiterCancel context.CancelFunc

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

// NewHeliusClient creates a live ledger client.
func NewHeliusClient(config HeliusConfig) *HeliusClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 4
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 250 * time.Millisecond
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	c := &HeliusClient{
		config:        config,
		httpClient:    &http.Client{Timeout: config.Timeout},
		limiter:       limiter,
		limiterCancel: limiterCancel,
	}

	// Refill tokens at configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case c.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return c
}

// Close shuts down the client's rate limiter.
func (c *HeliusClient) Close() {
	c.limiterCancel()
}

// do performs one rate-limited, retried HTTP request and returns the body.
// 429 and 5xx are retried with exponential backoff; 4xx maps to a
// PermanentError for the given address.
func (c *HeliusClient) do(ctx context.Context, req func() (*http.Request, error), op, address string) ([]byte, error) {
	if c.circuitOpen.Load() {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("circuit breaker open")}
	}

	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := req()
		if err != nil {
			return nil, fmt.Errorf("ledger: %s: build request: %w", op, err)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())

		switch {
		case resp.StatusCode == http.StatusOK:
			c.resetErrors()
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 200))
			c.errorCount.Add(1)
			if resp.StatusCode != http.StatusTooManyRequests {
				// 429 is load shedding, not provider sickness.
				c.recordError()
			}
			continue
		default:
			c.resetErrors()
			return nil, &PermanentError{
				Address: address,
				Err:     fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, truncate(body, 200)),
			}
		}
	}

	return nil, &TransientError{
		Op:  op,
		Err: fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr),
	}
}

func (c *HeliusClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("ledger: circuit breaker open")
			go func() {
				time.Sleep(circuitBreakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("ledger: circuit breaker reset")
			}()
		}
	}
}

func (c *HeliusClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ---------------------------------------------------------------------------
// Enhanced transactions API
// ---------------------------------------------------------------------------

// enhancedTx is the subset of the enhanced transaction payload we consume.
type enhancedTx struct {
	Signature       string `json:"signature"`
	Timestamp       int64  `json:"timestamp"`
	Type            string `json:"type"`
	NativeTransfers []struct {
		FromUserAccount string `json:"fromUserAccount"`
		ToUserAccount   string `json:"toUserAccount"`
		Amount          int64  `json:"amount"`
	} `json:"nativeTransfers"`
}

func (c *HeliusClient) historyURL(address, txType, before string, limit int) string {
	u := fmt.Sprintf("%s/v0/addresses/%s/transactions?api-key=%s&limit=%d",
		c.config.APIBase, url.PathEscape(address), url.QueryEscape(c.config.APIKey), limit)
	if txType != "" {
		u += "&type=" + txType
	}
	if before != "" {
		u += "&before=" + before
	}
	return u
}

func (c *HeliusClient) fetchHistoryPage(ctx context.Context, address, txType, before string, limit int) ([]enhancedTx, error) {
	target := c.historyURL(address, txType, before, limit)
	body, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, "addressTransactions", address)
	if err != nil {
		return nil, err
	}

	var txs []enhancedTx
	if err := json.Unmarshal(body, &txs); err != nil {
		return nil, &PermanentError{Address: address, Err: fmt.Errorf("parse history: %w", err)}
	}
	return txs, nil
}

// GetOutgoingTransfers pages through transfer history, newest first, until
// pageSize transfers are collected or the since watermark is crossed.
func (c *HeliusClient) GetOutgoingTransfers(ctx context.Context, address string, since time.Time, pageSize int) ([]Transfer, error) {
	if pageSize <= 0 {
		pageSize = historyPageLimit
	}

	var (
		out    []Transfer
		before string
	)
	for len(out) < pageSize {
		txs, err := c.fetchHistoryPage(ctx, address, "TRANSFER", before, historyPageLimit)
		if err != nil {
			return nil, err
		}
		if len(txs) == 0 {
			break
		}

		pruned := false
		for _, tx := range txs {
			ts := time.Unix(tx.Timestamp, 0)
			if !since.IsZero() && !ts.After(since) {
				pruned = true
				break
			}
			for _, nt := range tx.NativeTransfers {
				if nt.FromUserAccount != address || nt.Amount <= 0 {
					continue
				}
				out = append(out, Transfer{
					From:      address,
					To:        nt.ToUserAccount,
					Lamports:  uint64(nt.Amount),
					Timestamp: ts,
					Signature: tx.Signature,
				})
			}
		}
		if pruned || len(txs) < historyPageLimit {
			break
		}
		before = txs[len(txs)-1].Signature
	}

	if len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

// HasMintActivity checks the address's recent history for token mint events.
func (c *HeliusClient) HasMintActivity(ctx context.Context, address string, lookback int) (bool, error) {
	if lookback <= 0 || lookback > historyPageLimit {
		lookback = 25
	}
	txs, err := c.fetchHistoryPage(ctx, address, "TOKEN_MINT", "", lookback)
	if err != nil {
		return false, err
	}
	return len(txs) > 0, nil
}

// ---------------------------------------------------------------------------
// JSON-RPC balance calls
// ---------------------------------------------------------------------------

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HeliusClient) rpcCall(ctx context.Context, method string, params []any, address string) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: marshal: %w", method, err)
	}

	endpoint := c.config.RPCEndpoint
	if c.config.APIKey != "" {
		endpoint += "/?api-key=" + url.QueryEscape(c.config.APIKey)
	}

	body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, method, address)
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &TransientError{Op: method, Err: fmt.Errorf("parse response: %w", err)}
	}
	if resp.Error != nil {
		return nil, &PermanentError{
			Address: address,
			Err:     fmt.Errorf("%s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message),
		}
	}
	return resp.Result, nil
}

// GetBalance returns the SOL balance of an address in lamports.
func (c *HeliusClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	result, err := c.rpcCall(ctx, "getBalance", []any{address}, address)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, &TransientError{Op: "getBalance", Err: fmt.Errorf("parse balance: %w", err)}
	}
	return resp.Value, nil
}

// GetBalancesBatch fetches lamport balances for up to 100 addresses per call
// via getMultipleAccounts. Missing accounts report a zero balance.
func (c *HeliusClient) GetBalancesBatch(ctx context.Context, addresses []string) (map[string]uint64, error) {
	if len(addresses) > balanceBatchMax {
		return nil, fmt.Errorf("ledger: batch of %d exceeds provider limit %d", len(addresses), balanceBatchMax)
	}

	result, err := c.rpcCall(ctx, "getMultipleAccounts", []any{
		addresses,
		map[string]any{"encoding": "base64"},
	}, "")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []*struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, &TransientError{Op: "getMultipleAccounts", Err: fmt.Errorf("parse accounts: %w", err)}
	}

	out := make(map[string]uint64, len(addresses))
	for i, addr := range addresses {
		if i < len(resp.Value) && resp.Value[i] != nil {
			out[addr] = resp.Value[i].Lamports
		} else {
			out[addr] = 0
		}
	}
	return out, nil
}

// Stats returns client request statistics.
type Stats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
}

func (c *HeliusClient) Stats() Stats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return Stats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
