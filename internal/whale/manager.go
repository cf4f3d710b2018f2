package whale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whaletrace/whaletrace/internal/store"
	"github.com/whaletrace/whaletrace/internal/subscription"
)

// ---------------------------------------------------------------------------
// Manager — control surface consumed by the dashboard layer
// add / remove / scan / status / startMonitoring / stopMonitoring
// ---------------------------------------------------------------------------

// ManagerConfig configures the manager.
type ManagerConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"` // incremental sync cadence
}

// DefaultManagerConfig returns defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{MonitorInterval: 5 * time.Minute}
}

// WhaleStatus is the per-whale state reported by Status.
type WhaleStatus struct {
	Whale     *store.Whale `json:"whale"`
	SyncState SyncState    `json:"sync_state"`
	Monitored bool         `json:"monitored"`
}

// Manager exposes whale surveillance operations.
type Manager struct {
	config       ManagerConfig
	store        store.Store
	orchestrator *Orchestrator
	reconciler   *subscription.Reconciler

	mu       sync.Mutex
	monitors map[string]context.CancelFunc // owner id -> monitor stop
	wg       sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(config ManagerConfig, st store.Store, orch *Orchestrator, rec *subscription.Reconciler) *Manager {
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = 5 * time.Minute
	}
	return &Manager{
		config:       config,
		store:        st,
		orchestrator: orch,
		reconciler:   rec,
		monitors:     make(map[string]context.CancelFunc),
	}
}

// Add places a wallet under surveillance. Re-adding a known address
// reactivates it and refreshes the label instead of duplicating.
func (m *Manager) Add(ctx context.Context, ownerID, address, label string) (*store.Whale, error) {
	if address == "" {
		return nil, fmt.Errorf("manager: address is required")
	}

	existing, err := m.store.GetWhaleByAddress(ctx, address)
	switch {
	case err == nil:
		existing.Active = true
		existing.Label = label
		existing.OwnerID = ownerID
		if err := m.store.UpsertWhale(ctx, existing); err != nil {
			return nil, fmt.Errorf("manager: reactivate whale: %w", err)
		}
		log.Info().Str("whale", existing.ID).Str("address", address).Msg("manager: whale reactivated")
		return existing, nil
	case errors.Is(err, store.ErrNotFound):
		// fall through to create
	default:
		return nil, fmt.Errorf("manager: lookup whale: %w", err)
	}

	w := &store.Whale{
		ID:        uuid.New().String()[:12],
		OwnerID:   ownerID,
		Address:   address,
		Label:     label,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := m.store.UpsertWhale(ctx, w); err != nil {
		return nil, fmt.Errorf("manager: create whale: %w", err)
	}

	log.Info().Str("whale", w.ID).Str("address", address).Str("label", label).
		Msg("manager: whale added")
	return w, nil
}

// Remove deactivates a whale and tears down its subscription. The whale row
// and its offspring survive (soft delete) so history remains queryable.
func (m *Manager) Remove(ctx context.Context, whaleID string) error {
	w, err := m.store.GetWhale(ctx, whaleID)
	if err != nil {
		return fmt.Errorf("manager: load whale: %w", err)
	}

	if err := m.reconciler.Teardown(ctx, w); err != nil {
		// Best-effort: the orphaned subscription is cleaned up by the
		// provider's own expiry, and we still deactivate locally.
		log.Warn().Err(err).Str("whale", whaleID).Msg("manager: subscription teardown failed")
	}

	w.Active = false
	if err := m.store.UpsertWhale(ctx, w); err != nil {
		return fmt.Errorf("manager: deactivate whale: %w", err)
	}

	log.Info().Str("whale", whaleID).Msg("manager: whale removed")
	return nil
}

// Scan runs one sync pass. full forces a complete re-walk.
func (m *Manager) Scan(ctx context.Context, whaleID string, full bool) (*Summary, error) {
	return m.orchestrator.Sync(ctx, whaleID, full)
}

// Status reports every whale belonging to an owner with its sync state.
func (m *Manager) Status(ctx context.Context, ownerID string) ([]WhaleStatus, error) {
	whales, err := m.store.ListWhales(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("manager: list whales: %w", err)
	}

	m.mu.Lock()
	_, monitored := m.monitors[ownerID]
	m.mu.Unlock()

	out := make([]WhaleStatus, 0, len(whales))
	for _, w := range whales {
		out = append(out, WhaleStatus{
			Whale:     w,
			SyncState: m.orchestrator.State(w.ID),
			Monitored: monitored && w.Active,
		})
	}
	return out, nil
}

// StartMonitoring begins periodic incremental syncs for every active whale
// of an owner. Idempotent: a second call for a running owner is a no-op.
func (m *Manager) StartMonitoring(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[ownerID]; ok {
		return nil
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	m.monitors[ownerID] = cancel

	m.wg.Add(1)
	go m.monitorLoop(monitorCtx, ownerID)

	log.Info().Str("owner", ownerID).Dur("interval", m.config.MonitorInterval).
		Msg("manager: monitoring started")
	return nil
}

// StopMonitoring stops the owner's periodic syncs.
func (m *Manager) StopMonitoring(ownerID string) error {
	m.mu.Lock()
	cancel, ok := m.monitors[ownerID]
	if ok {
		delete(m.monitors, ownerID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("manager: owner %s is not being monitored", ownerID)
	}
	cancel()
	log.Info().Str("owner", ownerID).Msg("manager: monitoring stopped")
	return nil
}

// Close stops all monitors and waits for in-flight syncs to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	for owner, cancel := range m.monitors {
		cancel()
		delete(m.monitors, owner)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) monitorLoop(ctx context.Context, ownerID string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncOwner(ctx, ownerID)
		}
	}
}

// syncOwner runs incremental passes for all of an owner's active whales as
// independent concurrent tasks; they share nothing but the store.
func (m *Manager) syncOwner(ctx context.Context, ownerID string) {
	whales, err := m.store.ListWhales(ctx, ownerID)
	if err != nil {
		log.Error().Err(err).Str("owner", ownerID).Msg("manager: monitor list failed")
		return
	}

	var wg sync.WaitGroup
	for _, w := range whales {
		if !w.Active {
			continue
		}
		wg.Add(1)
		go func(whaleID string) {
			defer wg.Done()
			if _, err := m.orchestrator.Sync(ctx, whaleID, false); err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("whale", whaleID).Msg("manager: monitor sync failed")
				}
			}
		}(w.ID)
	}
	wg.Wait()
}
