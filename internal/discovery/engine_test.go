package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletrace/whaletrace/internal/ledger"
)

const sol = ledger.LamportsPerSOL

func testConfig() Config {
	return Config{
		MaxDepth:         5,
		DustThresholdSOL: 0.001,
		MaxWallets:       2000,
		PageSize:         500,
		ExpandDelay:      0,
	}
}

func TestDiscover_FundingTree(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// whale -> a -> {b, c}
	stub.AddTransfer("whale", "a", sol/2, base)
	stub.AddTransfer("a", "b", sol/50, base.Add(time.Minute))
	stub.AddTransfer("a", "c", sol/50, base.Add(2*time.Minute))

	engine := NewEngine(testConfig(), stub)
	result, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)

	require.Len(t, result.Wallets, 4)
	assert.Equal(t, "whale", result.Wallets[0].Address)
	assert.Equal(t, 0, result.Wallets[0].Depth)
	assert.Equal(t, "", result.Wallets[0].Parent)

	byAddr := walletIndex(result.Wallets)
	assert.Equal(t, 1, byAddr["a"].Depth)
	assert.Equal(t, "whale", byAddr["a"].Parent)
	assert.Equal(t, uint64(sol/2), byAddr["a"].FundingLamports)
	assert.Equal(t, 2, byAddr["b"].Depth)
	assert.Equal(t, "a", byAddr["b"].Parent)
	assert.Equal(t, 2, byAddr["c"].Depth)

	assert.False(t, result.Partial)
	assert.False(t, result.CapReached)
	assert.Empty(t, result.Errors)
}

func TestDiscover_DustTransfersNeverEnqueued(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// 0.0005 SOL is at or below the 0.001 threshold boundary region: below it.
	stub.AddTransfer("whale", "dusty", 500_000, base)
	stub.AddTransfer("whale", "real", sol/10, base)
	// Exactly the threshold is also excluded (strictly-above rule).
	stub.AddTransfer("whale", "edge", 1_000_000, base)

	engine := NewEngine(testConfig(), stub)
	result, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)

	byAddr := walletIndex(result.Wallets)
	assert.NotContains(t, byAddr, "dusty")
	assert.NotContains(t, byAddr, "edge")
	assert.Contains(t, byAddr, "real")
}

func TestDiscover_FirstParentWins(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// shared is funded by both a (depth 1) and b (depth 1). Whichever parent
	// the BFS reaches first fixes depth and parent; the other transfer only
	// accumulates funding evidence.
	stub.AddTransfer("whale", "a", sol, base.Add(time.Second))
	stub.AddTransfer("whale", "b", sol, base)
	stub.AddTransfer("a", "shared", sol/10, base.Add(time.Minute))
	stub.AddTransfer("b", "shared", sol/5, base.Add(2*time.Minute))

	engine := NewEngine(testConfig(), stub)
	result, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)

	byAddr := walletIndex(result.Wallets)
	shared := byAddr["shared"]
	require.NotNil(t, shared)
	assert.Equal(t, 2, shared.Depth)
	assert.Equal(t, "a", shared.Parent)
	assert.Equal(t, uint64(sol/10+sol/5), shared.FundingLamports)

	// Re-running over the same history is idempotent.
	again, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, result.Wallets, again.Wallets)
}

func TestDiscover_DepthLimit(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// A chain longer than MaxDepth.
	chain := []string{"whale", "d1", "d2", "d3", "d4"}
	for i := 0; i < len(chain)-1; i++ {
		stub.AddTransfer(chain[i], chain[i+1], sol/10, base.Add(time.Duration(i)*time.Minute))
	}

	cfg := testConfig()
	cfg.MaxDepth = 2
	engine := NewEngine(cfg, stub)
	result, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)

	byAddr := walletIndex(result.Wallets)
	assert.Contains(t, byAddr, "d1")
	assert.Contains(t, byAddr, "d2")
	// d2 sits at MaxDepth and is never expanded.
	assert.NotContains(t, byAddr, "d3")
	assert.NotContains(t, byAddr, "d4")
}

func TestDiscover_WalletCap(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		stub.AddTransfer("whale", string(rune('a'+i)), sol/10, base.Add(time.Duration(i)*time.Second))
	}

	cfg := testConfig()
	cfg.MaxWallets = 5
	engine := NewEngine(cfg, stub)
	result, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)

	assert.Len(t, result.Wallets, 5) // root + 4 children
	assert.True(t, result.CapReached)
}

func TestDiscover_PermanentErrorPrunesBranchOnly(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	stub.AddTransfer("whale", "bad", sol/2, base)
	stub.AddTransfer("whale", "good", sol/2, base)
	stub.AddTransfer("good", "grandchild", sol/10, base.Add(time.Minute))
	stub.AddTransfer("bad", "lost", sol/10, base.Add(time.Minute))
	stub.FailPermanent("bad")

	engine := NewEngine(testConfig(), stub)
	result, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)

	byAddr := walletIndex(result.Wallets)
	// bad itself is discovered (the transfer into it succeeded), but its
	// branch is never expanded.
	assert.Contains(t, byAddr, "bad")
	assert.NotContains(t, byAddr, "lost")
	assert.Contains(t, byAddr, "grandchild")
	assert.Len(t, result.Errors, 1)
	// Permanent failures do not mark the pass partial.
	assert.False(t, result.Partial)
}

func TestDiscover_TransientErrorMarksPartial(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	stub.AddTransfer("whale", "flaky", sol/2, base)
	stub.AddTransfer("flaky", "lost", sol/10, base.Add(time.Minute))
	stub.FailTransient("flaky", 10)

	engine := NewEngine(testConfig(), stub)
	result, err := engine.Discover(context.Background(), "whale", time.Time{})
	require.NoError(t, err)

	byAddr := walletIndex(result.Wallets)
	assert.NotContains(t, byAddr, "lost")
	assert.True(t, result.Partial)
	assert.Len(t, result.Errors, 1)
}

func TestDiscover_WatermarkRestrictsTraversal(t *testing.T) {
	stub := ledger.NewStubClient()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	stub.AddTransfer("whale", "old", sol/2, base)
	stub.AddTransfer("whale", "recent", sol/2, base.Add(time.Hour))

	engine := NewEngine(testConfig(), stub)
	result, err := engine.Discover(context.Background(), "whale", base.Add(30*time.Minute))
	require.NoError(t, err)

	byAddr := walletIndex(result.Wallets)
	assert.NotContains(t, byAddr, "old")
	assert.Contains(t, byAddr, "recent")
}

func TestDiscover_ContextCancellation(t *testing.T) {
	stub := ledger.NewStubClient()
	stub.AddTransfer("whale", "a", sol/2, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(testConfig(), stub)
	_, err := engine.Discover(ctx, "whale", time.Time{})
	require.ErrorIs(t, err, context.Canceled)
}

func walletIndex(wallets []Wallet) map[string]*Wallet {
	out := make(map[string]*Wallet, len(wallets))
	for i := range wallets {
		out[wallets[i].Address] = &wallets[i]
	}
	return out
}
