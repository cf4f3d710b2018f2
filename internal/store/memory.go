package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// In-memory store — default for tests and stub mode
// ---------------------------------------------------------------------------

type offspringKey struct {
	whaleID string
	address string
}

// MemoryStore is a mutex-protected in-memory Store implementation.
type MemoryStore struct {
	mu        sync.RWMutex
	whales    map[string]*Whale
	offspring map[offspringKey]*Offspring
	bundles   map[string]*Bundle // keyed whaleID+"/"+bundleID
	alerts    []*Alert
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		whales:    make(map[string]*Whale),
		offspring: make(map[offspringKey]*Offspring),
		bundles:   make(map[string]*Bundle),
	}
}

func (s *MemoryStore) UpsertWhale(_ context.Context, w *Whale) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.whales[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWhale(_ context.Context, id string) (*Whale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.whales[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWhaleByAddress(_ context.Context, address string) (*Whale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.whales {
		if w.Address == address {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListWhales(_ context.Context, ownerID string) ([]*Whale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Whale
	for _, w := range s.whales {
		if ownerID == "" || w.OwnerID == ownerID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertOffspring(_ context.Context, o *Offspring) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.offspring[offspringKey{whaleID: o.WhaleID, address: o.Address}] = &cp
	return nil
}

func (s *MemoryStore) GetOffspringByAddress(_ context.Context, address string) (*Offspring, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Offspring
	for key, o := range s.offspring {
		if key.address != address {
			continue
		}
		if best == nil || o.WhaleID < best.WhaleID {
			best = o
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListOffspring(_ context.Context, whaleID string) ([]*Offspring, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Offspring
	for key, o := range s.offspring {
		if key.whaleID == whaleID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (s *MemoryStore) UpsertBundle(_ context.Context, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	cp.Members = append([]string(nil), b.Members...)
	s.bundles[b.WhaleID+"/"+b.ID] = &cp
	return nil
}

func (s *MemoryStore) ListBundles(_ context.Context, whaleID string) ([]*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Bundle
	for _, b := range s.bundles {
		if b.WhaleID == whaleID {
			cp := *b
			cp.Members = append([]string(nil), b.Members...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out, nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, whaleID string, limit int) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if whaleID != "" && s.alerts[i].WhaleID != whaleID {
			continue
		}
		cp := *s.alerts[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetWatermark(ctx context.Context, whaleID string) (time.Time, error) {
	w, err := s.GetWhale(ctx, whaleID)
	if err != nil {
		return time.Time{}, err
	}
	return w.LastSyncAt, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, whaleID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.whales[whaleID]
	if !ok {
		return ErrNotFound
	}
	w.LastSyncAt = ts
	return nil
}
