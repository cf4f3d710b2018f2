package subscription

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/whaletrace/whaletrace/internal/store"
)

// ---------------------------------------------------------------------------
// Webhook Reconciler — keeps the registered subscription in step with the
// persisted offspring set. Runs after every successful sync; re-registers
// only when the address set actually changed, which bounds churn.
// ---------------------------------------------------------------------------

// Reconciler diffs the desired monitored-address set against the registered
// subscription for one whale. Only the reconciler mutates a whale's
// subscription id.
type Reconciler struct {
	store       store.Store
	provider    Provider
	callbackURL string
}

// NewReconciler creates a reconciler.
func NewReconciler(st store.Store, provider Provider, callbackURL string) *Reconciler {
	return &Reconciler{store: st, provider: provider, callbackURL: callbackURL}
}

// Reconcile computes the desired set (whale root + every persisted offspring)
// and replaces the registered subscription when it drifts. Returns whether
// the subscription was replaced.
//
// Provider failures are subscription errors: logged, the old subscription is
// left in place, and the next sync retries. Store failures propagate.
func (r *Reconciler) Reconcile(ctx context.Context, whaleID string) (bool, error) {
	whale, err := r.store.GetWhale(ctx, whaleID)
	if err != nil {
		return false, fmt.Errorf("reconciler: load whale: %w", err)
	}

	offspring, err := r.store.ListOffspring(ctx, whaleID)
	if err != nil {
		return false, fmt.Errorf("reconciler: list offspring: %w", err)
	}

	desired := desiredSet(whale.Address, offspring)

	// Compare against the provider's view of the current subscription.
	if whale.SubscriptionID != "" {
		current, err := r.provider.Addresses(ctx, whale.SubscriptionID)
		if err != nil {
			log.Warn().Err(err).Str("whale", whaleID).
				Str("subscription", whale.SubscriptionID).
				Msg("reconciler: cannot read current subscription, re-registering")
		} else if sameSet(desired, current) {
			log.Debug().Str("whale", whaleID).Int("addresses", len(desired)).
				Msg("reconciler: address set unchanged")
			return false, nil
		}
	}

	// Replace: deregister best-effort, then register the full new set.
	if whale.SubscriptionID != "" {
		if err := r.provider.Deregister(ctx, whale.SubscriptionID); err != nil {
			log.Warn().Err(err).Str("whale", whaleID).
				Str("subscription", whale.SubscriptionID).
				Msg("reconciler: deregister failed, continuing")
		}
	}

	subID, err := r.provider.Register(ctx, desired, r.callbackURL)
	if err != nil {
		log.Error().Err(err).Str("whale", whaleID).
			Msg("reconciler: register failed, keeping previous subscription id")
		return false, err
	}

	whale.SubscriptionID = subID
	if err := r.store.UpsertWhale(ctx, whale); err != nil {
		return false, fmt.Errorf("reconciler: persist subscription id: %w", err)
	}

	log.Info().Str("whale", whaleID).Str("subscription", subID).
		Int("addresses", len(desired)).
		Msg("reconciler: subscription replaced")
	return true, nil
}

// Teardown removes a whale's subscription, best-effort, and clears the id.
// Used when a whale is removed from surveillance.
func (r *Reconciler) Teardown(ctx context.Context, whale *store.Whale) error {
	if whale.SubscriptionID == "" {
		return nil
	}
	if err := r.provider.Deregister(ctx, whale.SubscriptionID); err != nil {
		log.Warn().Err(err).Str("whale", whale.ID).
			Str("subscription", whale.SubscriptionID).
			Msg("reconciler: teardown deregister failed")
		return err
	}
	whale.SubscriptionID = ""
	return r.store.UpsertWhale(ctx, whale)
}

func desiredSet(root string, offspring []*store.Offspring) []string {
	seen := map[string]struct{}{root: {}}
	out := []string{root}
	for _, o := range offspring {
		if _, ok := seen[o.Address]; ok {
			continue
		}
		seen[o.Address] = struct{}{}
		out = append(out, o.Address)
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	bs := append([]string(nil), b...)
	sort.Strings(bs)
	// a is already sorted by desiredSet.
	for i := range a {
		if a[i] != bs[i] {
			return false
		}
	}
	return true
}
