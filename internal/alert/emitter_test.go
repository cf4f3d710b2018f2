package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletrace/whaletrace/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		ev       Event
		tracked  string
		expected EventKind
	}{
		{
			name:     "token mint",
			ev:       Event{Type: "TOKEN_MINT", Source: "w"},
			tracked:  "w",
			expected: KindMint,
		},
		{
			name:     "create counts as mint",
			ev:       Event{Type: "CREATE", Source: "w"},
			tracked:  "w",
			expected: KindMint,
		},
		{
			name:     "mint outranks transfer direction",
			ev:       Event{Type: "TOKEN_MINT", TokenMint: "tok", Source: "w"},
			tracked:  "w",
			expected: KindMint,
		},
		{
			name:     "token out is a sell",
			ev:       Event{Type: "SWAP", TokenMint: "tok", Source: "w", Destination: "pool"},
			tracked:  "w",
			expected: KindSell,
		},
		{
			name:     "token in is a buy",
			ev:       Event{Type: "SWAP", TokenMint: "tok", Source: "pool", Destination: "w"},
			tracked:  "w",
			expected: KindBuy,
		},
		{
			name:     "plain sol transfer is unknown",
			ev:       Event{Type: "TRANSFER", Source: "w", Destination: "x"},
			tracked:  "w",
			expected: KindUnknown,
		},
		{
			name:     "token event not touching tracked is unknown",
			ev:       Event{Type: "SWAP", TokenMint: "tok", Source: "a", Destination: "b"},
			tracked:  "w",
			expected: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.ev, tt.tracked))
		})
	}
}

func trackedStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.UpsertWhale(ctx, &store.Whale{ID: "w1", Address: "root", Active: true}))
	require.NoError(t, st.UpsertOffspring(ctx, &store.Offspring{WhaleID: "w1", Address: "child", Depth: 1}))
	return st
}

func runEmitter(t *testing.T, e *Emitter) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEmitter_RecordsAlertForTrackedOffspring(t *testing.T) {
	st := trackedStore(t)
	emitter := NewEmitter(st, 16)
	cancel := runEmitter(t, emitter)
	defer cancel()

	emitter.Submit(Event{
		Signature: "sig-mint",
		Timestamp: time.Now(),
		Type:      "TOKEN_MINT",
		TokenMint: "tok",
		Source:    "child",
	})

	waitFor(t, func() bool { return emitter.Stats().Emitted == 1 })

	alerts, err := st.ListAlerts(context.Background(), "w1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, store.AlertMint, alerts[0].Type)
	assert.Equal(t, "child", alerts[0].Offspring)
	assert.Equal(t, "tok", alerts[0].TokenMint)

	// The offspring is flagged as an active trader.
	o, err := st.GetOffspringByAddress(context.Background(), "child")
	require.NoError(t, err)
	assert.True(t, o.IsActiveTrader)
	assert.False(t, o.LastActivityAt.IsZero())
}

func TestEmitter_UntrackedAddressIgnored(t *testing.T) {
	st := trackedStore(t)
	emitter := NewEmitter(st, 16)
	cancel := runEmitter(t, emitter)
	defer cancel()

	emitter.Submit(Event{
		Signature: "sig-x",
		Type:      "TOKEN_MINT",
		Source:    "stranger",
	})

	waitFor(t, func() bool { return emitter.Stats().Received == 1 })
	time.Sleep(20 * time.Millisecond)

	alerts, err := st.ListAlerts(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, int64(0), emitter.Stats().Emitted)
}

func TestEmitter_UnknownKindDiscarded(t *testing.T) {
	st := trackedStore(t)
	emitter := NewEmitter(st, 16)
	cancel := runEmitter(t, emitter)
	defer cancel()

	// A plain SOL transfer touching a tracked wallet has no token context.
	emitter.Submit(Event{
		Signature: "sig-transfer",
		Type:      "TRANSFER",
		Source:    "child",
	})

	waitFor(t, func() bool { return emitter.Stats().Discarded == 1 })
	assert.Equal(t, int64(0), emitter.Stats().Emitted)
}

func TestEmitter_QueueFullDrops(t *testing.T) {
	st := store.NewMemoryStore()
	emitter := NewEmitter(st, 1) // no Run loop draining

	emitter.Submit(Event{Signature: "a"})
	emitter.Submit(Event{Signature: "b"})

	stats := emitter.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestParsePayload(t *testing.T) {
	body := []byte(`[
		{
			"signature": "sig-1",
			"timestamp": 1700000000,
			"type": "SWAP",
			"tokenTransfers": [
				{"mint": "tok", "fromUserAccount": "child", "toUserAccount": "pool", "tokenAmount": 10.5}
			],
			"nativeTransfers": [
				{"fromUserAccount": "pool", "toUserAccount": "child", "amount": 5000000}
			]
		},
		{
			"signature": "sig-2",
			"timestamp": 1700000100,
			"type": "TOKEN_MINT"
		}
	]`)

	events := ParsePayload(body)
	require.Len(t, events, 3)

	assert.Equal(t, "sig-1", events[0].Signature)
	assert.Equal(t, "tok", events[0].TokenMint)
	assert.Equal(t, "child", events[0].Source)
	assert.Equal(t, "pool", events[0].Destination)

	assert.Equal(t, "sig-1", events[1].Signature)
	assert.Empty(t, events[1].TokenMint)
	assert.Equal(t, "pool", events[1].Source)

	assert.Equal(t, "sig-2", events[2].Signature)
	assert.Equal(t, "TOKEN_MINT", events[2].Type)

	// Junk payloads parse to nothing.
	assert.Empty(t, ParsePayload([]byte("not json")))
	assert.Empty(t, ParsePayload([]byte("{}")))
}
