package bundle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletrace/whaletrace/internal/discovery"
)

func wallet(addr string, depth int, fundedAt time.Time) discovery.Wallet {
	return discovery.Wallet{Address: addr, Depth: depth, FundedAt: fundedAt}
}

func TestDetect_SiblingsInsideWindow(t *testing.T) {
	// Window-aligned base so all three land in one bucket.
	base := time.UnixMilli(1_700_000_000_000)

	wallets := []discovery.Wallet{
		wallet("root", 0, time.Time{}),
		wallet("b", 1, base),
		wallet("c", 1, base.Add(100*time.Millisecond)),
		wallet("d", 1, base.Add(200*time.Millisecond)),
	}

	detector := NewDetector(DefaultConfig())
	bundles := detector.Detect(wallets)

	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"b", "c", "d"}, bundles[0].Members)
	assert.Equal(t, base, bundles[0].WindowStart)
}

func TestDetect_BelowMinSizeNoBundle(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)

	wallets := []discovery.Wallet{
		wallet("b", 1, base),
		wallet("c", 1, base.Add(100*time.Millisecond)),
	}

	detector := NewDetector(DefaultConfig())
	assert.Empty(t, detector.Detect(wallets))
}

func TestDetect_WindowBoundarySplits(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)

	// Two wallets in the first window, two in the next: neither reaches 3.
	wallets := []discovery.Wallet{
		wallet("a", 1, base),
		wallet("b", 1, base.Add(400*time.Millisecond)),
		wallet("c", 1, base.Add(600*time.Millisecond)),
		wallet("d", 1, base.Add(900*time.Millisecond)),
	}

	detector := NewDetector(DefaultConfig())
	assert.Empty(t, detector.Detect(wallets))
}

func TestDetect_MultipleWindows(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)

	wallets := []discovery.Wallet{
		wallet("a1", 1, base),
		wallet("a2", 1, base.Add(50*time.Millisecond)),
		wallet("a3", 1, base.Add(100*time.Millisecond)),
		wallet("b1", 2, base.Add(2*time.Second)),
		wallet("b2", 2, base.Add(2*time.Second+100*time.Millisecond)),
		wallet("b3", 2, base.Add(2*time.Second+200*time.Millisecond)),
	}

	detector := NewDetector(DefaultConfig())
	bundles := detector.Detect(wallets)

	require.Len(t, bundles, 2)
	assert.True(t, bundles[0].WindowStart.Before(bundles[1].WindowStart))
	assert.Equal(t, []string{"a1", "a2", "a3"}, bundles[0].Members)
	assert.Equal(t, []string{"b1", "b2", "b3"}, bundles[1].Members)
}

func TestDetect_DeterministicIDs(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)

	wallets := []discovery.Wallet{
		wallet("b", 1, base),
		wallet("c", 1, base.Add(100*time.Millisecond)),
		wallet("d", 1, base.Add(200*time.Millisecond)),
	}

	detector := NewDetector(DefaultConfig())
	first := detector.Detect(wallets)
	second := detector.Detect(wallets)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Members, second[0].Members)
}

func TestDetect_RootNeverBundled(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)

	wallets := []discovery.Wallet{
		wallet("root", 0, base), // depth 0 is skipped even with a timestamp
		wallet("b", 1, base),
		wallet("c", 1, base.Add(100*time.Millisecond)),
	}

	detector := NewDetector(DefaultConfig())
	assert.Empty(t, detector.Detect(wallets))
}
