package whale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whaletrace/whaletrace/internal/bundle"
	"github.com/whaletrace/whaletrace/internal/classify"
	"github.com/whaletrace/whaletrace/internal/discovery"
	"github.com/whaletrace/whaletrace/internal/store"
	"github.com/whaletrace/whaletrace/internal/subscription"
)

// ---------------------------------------------------------------------------
// Sync Orchestrator — drives discovery, bundling, classification, persistence
// and webhook reconciliation for one whale per pass.
// State machine: Idle → Discovering → Classifying → Persisting → Reconciling → Idle
// ---------------------------------------------------------------------------

// SyncState is the orchestrator's per-whale state.
type SyncState string

const (
	StateIdle        SyncState = "IDLE"
	StateDiscovering SyncState = "DISCOVERING"
	StateClassifying SyncState = "CLASSIFYING"
	StatePersisting  SyncState = "PERSISTING"
	StateReconciling SyncState = "RECONCILING"
)

// Mode selects full or incremental discovery.
type Mode string

const (
	ModeFull        Mode = "FULL"
	ModeIncremental Mode = "INCREMENTAL"
)

// Summary is the user-visible result of one sync pass. Failures degrade
// completeness, never correctness: it carries counts and error strings,
// never a raw panic or aborted pass.
type Summary struct {
	WhaleID              string        `json:"whale_id"`
	Mode                 Mode          `json:"mode"`
	Discovered           int           `json:"discovered"` // wallets seen by this pass's traversal
	NewWallets           int           `json:"new_wallets"`
	Updated              int           `json:"updated"`
	Errored              int           `json:"errored"`
	Bundles              int           `json:"bundles"`
	TrackedTotal         int           `json:"tracked_total"`
	Partial              bool          `json:"partial"`
	SubscriptionReplaced bool          `json:"subscription_replaced"`
	Duration             time.Duration `json:"duration"`
	Errors               []string      `json:"errors,omitempty"`
}

// Orchestrator runs sync passes. Concurrent passes for different whales are
// independent; a second pass for the same whale is rejected while one runs.
type Orchestrator struct {
	engine     *discovery.Engine
	detector   *bundle.Detector
	classifier *classify.Classifier
	store      store.Store
	reconciler *subscription.Reconciler

	mu     sync.Mutex
	states map[string]SyncState
}

// NewOrchestrator wires the sync pipeline.
func NewOrchestrator(
	engine *discovery.Engine,
	detector *bundle.Detector,
	classifier *classify.Classifier,
	st store.Store,
	reconciler *subscription.Reconciler,
) *Orchestrator {
	return &Orchestrator{
		engine:     engine,
		detector:   detector,
		classifier: classifier,
		store:      st,
		reconciler: reconciler,
		states:     make(map[string]SyncState),
	}
}

// State returns the current sync state for a whale.
func (o *Orchestrator) State(whaleID string) SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[whaleID]; ok {
		return s
	}
	return StateIdle
}

func (o *Orchestrator) setState(whaleID string, s SyncState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[whaleID] = s
}

func (o *Orchestrator) tryBegin(whaleID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[whaleID]; ok && s != StateIdle {
		return false
	}
	o.states[whaleID] = StateDiscovering
	return true
}

// Sync runs one pass for a whale. full forces a complete re-walk ignoring
// the watermark; otherwise the pass is incremental when a watermark exists.
func (o *Orchestrator) Sync(ctx context.Context, whaleID string, full bool) (*Summary, error) {
	w, err := o.store.GetWhale(ctx, whaleID)
	if err != nil {
		return nil, fmt.Errorf("sync: load whale: %w", err)
	}
	if !w.Active {
		return nil, fmt.Errorf("sync: whale %s is not active", whaleID)
	}

	if !o.tryBegin(whaleID) {
		return nil, fmt.Errorf("sync: whale %s already syncing", whaleID)
	}
	defer o.setState(whaleID, StateIdle)

	start := time.Now()

	mode := ModeIncremental
	watermark := w.LastSyncAt
	if full || watermark.IsZero() {
		mode = ModeFull
		watermark = time.Time{}
	}

	summary := &Summary{WhaleID: whaleID, Mode: mode}

	log.Info().Str("whale", whaleID).Str("address", w.Address).
		Str("mode", string(mode)).Msg("sync: pass started")

	// ── Discover ──
	result, err := o.engine.Discover(ctx, w.Address, watermark)
	if err != nil {
		return nil, fmt.Errorf("sync: discovery: %w", err)
	}
	summary.Discovered = len(result.Wallets)
	summary.Partial = result.Partial
	summary.Errors = append(summary.Errors, result.Errors...)
	summary.Errored += len(result.Errors)

	// Merge this pass with the already-tracked set. Incremental passes only
	// walk post-watermark transfers, but balances drift independently, so
	// classification always covers every tracked wallet.
	existing, err := o.store.ListOffspring(ctx, whaleID)
	if err != nil {
		return nil, fmt.Errorf("sync: list offspring: %w", err)
	}
	known := make(map[string]*store.Offspring, len(existing))
	for _, e := range existing {
		known[e.Address] = e
	}

	// Bundle detection needs the complete discovered set's timing, so it
	// runs on the whole pass output before anything is persisted.
	bundles := o.detector.Detect(result.Wallets)
	summary.Bundles = len(bundles)

	bundleOf := make(map[string]string)
	for _, b := range bundles {
		for _, member := range b.Members {
			bundleOf[member] = b.ID
		}
	}

	// ── Classify ──
	o.setState(whaleID, StateClassifying)

	addrSet := make(map[string]struct{}, len(known)+len(result.Wallets))
	var addresses []string
	for _, dw := range result.Wallets {
		if _, ok := addrSet[dw.Address]; !ok {
			addrSet[dw.Address] = struct{}{}
			addresses = append(addresses, dw.Address)
		}
	}
	for addr := range known {
		if _, ok := addrSet[addr]; !ok {
			addrSet[addr] = struct{}{}
			addresses = append(addresses, addr)
		}
	}

	bundled := make(map[string]bool, len(addresses))
	minted := make(map[string]bool, len(addresses))
	for addr, e := range known {
		bundled[addr] = e.IsBundled
		minted[addr] = e.HasMinted
	}
	for addr := range bundleOf {
		bundled[addr] = true
	}

	classifications, clsErrs := o.classifier.Classify(ctx, addresses, bundled, minted)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summary.Errors = append(summary.Errors, clsErrs...)
	summary.Errored += len(clsErrs)

	classByAddr := make(map[string]classify.Classification, len(classifications))
	for _, c := range classifications {
		classByAddr[c.Address] = c
	}

	discByAddr := make(map[string]discovery.Wallet, len(result.Wallets))
	for _, dw := range result.Wallets {
		discByAddr[dw.Address] = dw
	}

	// ── Persist ──
	o.setState(whaleID, StatePersisting)
	now := time.Now()

	for _, addr := range addresses {
		row, isNew := known[addr], false
		if row == nil {
			isNew = true
			row = &store.Offspring{
				WhaleID:     whaleID,
				Address:     addr,
				FirstSeenAt: now,
			}
		}

		if dw, ok := discByAddr[addr]; ok {
			if isNew {
				row.Depth = dw.Depth
				row.Parent = dw.Parent
				row.FundingLamports = dw.FundingLamports
				if !dw.FundedAt.IsZero() {
					row.FirstSeenAt = dw.FundedAt
					row.LastActivityAt = dw.FundedAt
				}
			} else {
				// Re-discovery updates funding evidence, never identity.
				// A full pass re-walks all history; an incremental pass only
				// saw post-watermark transfers, so those accumulate.
				if mode == ModeFull {
					row.FundingLamports = dw.FundingLamports
				} else {
					row.FundingLamports += dw.FundingLamports
				}
				if dw.FundedAt.After(row.LastActivityAt) {
					row.LastActivityAt = dw.FundedAt
				}
			}
		}

		// Flags only move on a successful probe; a failed probe keeps the
		// verdict from the last pass that saw a real balance.
		if c, ok := classByAddr[addr]; ok && c.BalanceProbed {
			row.BalanceLamports = c.BalanceLamports
			row.BalanceProbedAt = c.ProbedAt
			row.HasMinted = c.HasMinted
			if c.IsDust && !row.IsDust {
				row.DustFlaggedAt = now
			}
			row.IsDust = c.IsDust
			row.IsMintable = c.IsMintable
		}
		if id, ok := bundleOf[addr]; ok {
			row.IsBundled = true
			row.BundleID = id
		}

		if err := o.upsertWithRetry(ctx, row); err != nil {
			summary.Errored++
			summary.Errors = append(summary.Errors, fmt.Sprintf("persist %s: %v", addr, err))
			continue
		}
		if isNew {
			summary.NewWallets++
		} else {
			summary.Updated++
		}
	}

	for _, b := range bundles {
		rec := &store.Bundle{
			ID:          b.ID,
			WhaleID:     whaleID,
			Members:     b.Members,
			WindowStart: b.WindowStart,
			DetectedAt:  now,
		}
		if err := o.store.UpsertBundle(ctx, rec); err != nil {
			summary.Errored++
			summary.Errors = append(summary.Errors, fmt.Sprintf("persist bundle %s: %v", b.ID, err))
		}
	}

	// Advance the watermark and offspring count even on a partial pass:
	// sync is best-effort and resumable, never all-or-nothing.
	tracked, err := o.store.ListOffspring(ctx, whaleID)
	if err != nil {
		return nil, fmt.Errorf("sync: recount offspring: %w", err)
	}
	summary.TrackedTotal = len(tracked)

	w, err = o.store.GetWhale(ctx, whaleID)
	if err != nil {
		return nil, fmt.Errorf("sync: reload whale: %w", err)
	}
	w.LastSyncAt = now
	w.OffspringCount = len(tracked)
	if err := o.store.UpsertWhale(ctx, w); err != nil {
		return nil, fmt.Errorf("sync: persist whale: %w", err)
	}

	// ── Reconcile ──
	// Runs only after persistence commits: the reconciler reads the persisted
	// address set, not this pass's in-memory one.
	o.setState(whaleID, StateReconciling)
	replaced, err := o.reconciler.Reconcile(ctx, whaleID)
	if err != nil {
		// Subscription errors never fail the sync; the next pass retries.
		summary.Errors = append(summary.Errors, fmt.Sprintf("reconcile: %v", err))
	}
	summary.SubscriptionReplaced = replaced

	summary.Duration = time.Since(start)
	log.Info().
		Str("whale", whaleID).
		Str("mode", string(mode)).
		Int("discovered", summary.Discovered).
		Int("new", summary.NewWallets).
		Int("updated", summary.Updated).
		Int("errored", summary.Errored).
		Int("bundles", summary.Bundles).
		Int("tracked", summary.TrackedTotal).
		Bool("subscription_replaced", summary.SubscriptionReplaced).
		Dur("duration", summary.Duration).
		Msg("sync: pass complete")

	return summary, nil
}

// upsertWithRetry retries a single offspring write once before giving up on
// that wallet only.
func (o *Orchestrator) upsertWithRetry(ctx context.Context, row *store.Offspring) error {
	if err := o.store.UpsertOffspring(ctx, row); err != nil {
		log.Warn().Err(err).Str("address", row.Address).Msg("sync: upsert failed, retrying")
		if err := o.store.UpsertOffspring(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
