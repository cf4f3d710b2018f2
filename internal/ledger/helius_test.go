package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, apiBase, rpcEndpoint string) *HeliusClient {
	t.Helper()
	c := NewHeliusClient(HeliusConfig{
		APIBase:      apiBase,
		RPCEndpoint:  rpcEndpoint,
		APIKey:       "test-key",
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
		RateLimitRPS: 1000,
	})
	t.Cleanup(c.Close)
	return c
}

func TestHeliusClient_GetOutgoingTransfers(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/addresses/whale/transactions", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("api-key"))
		assert.Equal(t, "TRANSFER", r.URL.Query().Get("type"))

		txs := []map[string]any{
			{
				"signature": "sig-1",
				"timestamp": now.Unix(),
				"type":      "TRANSFER",
				"nativeTransfers": []map[string]any{
					{"fromUserAccount": "whale", "toUserAccount": "child-a", "amount": 500_000_000},
					{"fromUserAccount": "other", "toUserAccount": "whale", "amount": 100}, // inbound, skipped
				},
			},
			{
				"signature": "sig-2",
				"timestamp": now.Add(-time.Minute).Unix(),
				"type":      "TRANSFER",
				"nativeTransfers": []map[string]any{
					{"fromUserAccount": "whale", "toUserAccount": "child-b", "amount": 200_000_000},
				},
			},
		}
		json.NewEncoder(w).Encode(txs)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	transfers, err := client.GetOutgoingTransfers(context.Background(), "whale", time.Time{}, 50)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "child-a", transfers[0].To)
	assert.Equal(t, uint64(500_000_000), transfers[0].Lamports)
	assert.Equal(t, "sig-1", transfers[0].Signature)
	assert.Equal(t, "child-b", transfers[1].To)
}

func TestHeliusClient_WatermarkStopsPaging(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	var pages atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		// A full page where the tail is older than the watermark.
		txs := make([]map[string]any, 0, 100)
		for i := 0; i < 100; i++ {
			txs = append(txs, map[string]any{
				"signature": fmt.Sprintf("sig-%d", i),
				"timestamp": now.Add(-time.Duration(i) * time.Hour).Unix(),
				"type":      "TRANSFER",
				"nativeTransfers": []map[string]any{
					{"fromUserAccount": "whale", "toUserAccount": fmt.Sprintf("c%d", i), "amount": 10_000_000},
				},
			})
		}
		json.NewEncoder(w).Encode(txs)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	watermark := now.Add(-10 * time.Hour)
	transfers, err := client.GetOutgoingTransfers(context.Background(), "whale", watermark, 500)
	require.NoError(t, err)

	// Only entries newer than the watermark survive, and paging stops at one
	// page once the watermark is crossed.
	assert.Len(t, transfers, 10)
	assert.Equal(t, int64(1), pages.Load())
}

func TestHeliusClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	transfers, err := client.GetOutgoingTransfers(context.Background(), "whale", time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, transfers)
	assert.Equal(t, int64(3), calls.Load())
}

func TestHeliusClient_ExhaustedRetriesReturnTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	_, err := client.GetOutgoingTransfers(context.Background(), "whale", time.Time{}, 10)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
}

func TestHeliusClient_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid address"}`)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	_, err := client.GetOutgoingTransfers(context.Background(), "not-an-address", time.Time{}, 10)
	var permanent *PermanentError
	require.ErrorAs(t, err, &permanent)
	assert.Equal(t, "not-an-address", permanent.Address)
}

func TestHeliusClient_GetBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getBalance", req.Method)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"value":1500000000}}`)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	balance, err := client.GetBalance(context.Background(), "whale")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), balance)
}

func TestHeliusClient_GetBalancesBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "getMultipleAccounts", req.Method)
		// Second account does not exist on-chain.
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"value":[{"lamports":42},null,{"lamports":7}]}}`)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	balances, err := client.GetBalancesBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), balances["a"])
	assert.Equal(t, uint64(0), balances["b"])
	assert.Equal(t, uint64(7), balances["c"])

	// Oversized batches are rejected before hitting the wire.
	big := make([]string, balanceBatchMax+1)
	_, err = client.GetBalancesBatch(context.Background(), big)
	require.Error(t, err)
}

func TestHeliusClient_HasMintActivity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TOKEN_MINT", r.URL.Query().Get("type"))
		json.NewEncoder(w).Encode([]map[string]any{
			{"signature": "mint-sig", "timestamp": time.Now().Unix(), "type": "TOKEN_MINT"},
		})
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)

	minted, err := client.HasMintActivity(context.Background(), "minter", 25)
	require.NoError(t, err)
	assert.True(t, minted)
}
