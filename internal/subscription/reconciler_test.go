package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whaletrace/whaletrace/internal/store"
)

func setupReconciler(t *testing.T) (*Reconciler, *store.MemoryStore, *StubProvider) {
	t.Helper()
	st := store.NewMemoryStore()
	provider := NewStubProvider()
	rec := NewReconciler(st, provider, "https://example.com/hooks/activity")
	return rec, st, provider
}

func addWhale(t *testing.T, st *store.MemoryStore, id, address string) {
	t.Helper()
	require.NoError(t, st.UpsertWhale(context.Background(), &store.Whale{
		ID: id, OwnerID: "owner", Address: address, Active: true,
	}))
}

func addOffspring(t *testing.T, st *store.MemoryStore, whaleID string, addrs ...string) {
	t.Helper()
	for i, a := range addrs {
		require.NoError(t, st.UpsertOffspring(context.Background(), &store.Offspring{
			WhaleID: whaleID, Address: a, Depth: 1 + i%2,
		}))
	}
}

func TestReconcile_InitialRegistration(t *testing.T) {
	rec, st, provider := setupReconciler(t)
	ctx := context.Background()

	addWhale(t, st, "w1", "root")
	addOffspring(t, st, "w1", "a", "b")

	replaced, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, 1, provider.RegisterCalls())

	w, err := st.GetWhale(ctx, "w1")
	require.NoError(t, err)
	require.NotEmpty(t, w.SubscriptionID)

	addrs, err := provider.Addresses(ctx, w.SubscriptionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"root", "a", "b"}, addrs)
}

func TestReconcile_UnchangedSetIsNoOp(t *testing.T) {
	rec, st, provider := setupReconciler(t)
	ctx := context.Background()

	addWhale(t, st, "w1", "root")
	addOffspring(t, st, "w1", "a", "b")

	_, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)

	replaced, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, 1, provider.RegisterCalls())
	assert.Equal(t, 0, provider.DeregisterCalls())
}

func TestReconcile_NewOffspringReplacesSubscription(t *testing.T) {
	rec, st, provider := setupReconciler(t)
	ctx := context.Background()

	addWhale(t, st, "w1", "root")
	addOffspring(t, st, "w1", "a")

	_, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)
	first, _ := st.GetWhale(ctx, "w1")

	addOffspring(t, st, "w1", "b")

	replaced, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, 2, provider.RegisterCalls())
	assert.Equal(t, 1, provider.DeregisterCalls())

	second, _ := st.GetWhale(ctx, "w1")
	assert.NotEqual(t, first.SubscriptionID, second.SubscriptionID)

	// The old subscription is gone from the provider.
	assert.Equal(t, []string{second.SubscriptionID}, provider.Active())
}

func TestReconcile_RegisterFailureRetriesNextSync(t *testing.T) {
	rec, st, provider := setupReconciler(t)
	ctx := context.Background()

	addWhale(t, st, "w1", "root")
	addOffspring(t, st, "w1", "a")

	// No existing subscription, so the first provider call is Register.
	provider.SetFailNext()
	replaced, err := rec.Reconcile(ctx, "w1")
	require.Error(t, err)
	assert.False(t, replaced)
	var provErr *Error
	assert.ErrorAs(t, err, &provErr)

	// The whale keeps its (empty) subscription id; the next sync retries.
	after, _ := st.GetWhale(ctx, "w1")
	assert.Equal(t, "", after.SubscriptionID)

	replaced, err = rec.Reconcile(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, replaced)
}

func TestReconcile_DeregisterFailureStillRegisters(t *testing.T) {
	rec, st, provider := setupReconciler(t)
	ctx := context.Background()

	addWhale(t, st, "w1", "root")
	addOffspring(t, st, "w1", "a")

	_, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)

	// Point the whale at a subscription the provider no longer knows, so the
	// Addresses read fails; registration must still go through.
	w, _ := st.GetWhale(ctx, "w1")
	w.SubscriptionID = "sub-stale"
	require.NoError(t, st.UpsertWhale(ctx, w))

	replaced, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, replaced)

	after, _ := st.GetWhale(ctx, "w1")
	assert.NotEqual(t, "sub-stale", after.SubscriptionID)
	assert.NotEmpty(t, after.SubscriptionID)
	assert.Contains(t, provider.Active(), after.SubscriptionID)
}

func TestTeardown(t *testing.T) {
	rec, st, provider := setupReconciler(t)
	ctx := context.Background()

	addWhale(t, st, "w1", "root")
	_, err := rec.Reconcile(ctx, "w1")
	require.NoError(t, err)

	w, _ := st.GetWhale(ctx, "w1")
	require.NotEmpty(t, w.SubscriptionID)

	require.NoError(t, rec.Teardown(ctx, w))
	assert.Empty(t, w.SubscriptionID)
	assert.Empty(t, provider.Active())

	persisted, _ := st.GetWhale(ctx, "w1")
	assert.Empty(t, persisted.SubscriptionID)

	// Teardown with no subscription is a no-op.
	require.NoError(t, rec.Teardown(ctx, persisted))
}

func TestDesiredSetDeduplicates(t *testing.T) {
	offspring := []*store.Offspring{
		{Address: "b"},
		{Address: "a"},
		{Address: "root"}, // the root also appears as a depth-0 row
		{Address: "a"},
	}
	set := desiredSet("root", offspring)
	assert.Equal(t, []string{"a", "b", "root"}, set)
}
