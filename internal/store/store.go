package store

import (
	"context"
	"errors"
	"time"
)

// ---------------------------------------------------------------------------
// Persisted store contract — whales, offspring, bundles, alerts
// All writes are idempotent upserts; offspring are unique per (whale, address).
// ---------------------------------------------------------------------------

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Whale is a root wallet under surveillance.
type Whale struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Address        string    `json:"address"`
	Label          string    `json:"label"`
	Active         bool      `json:"active"`
	LastSyncAt     time.Time `json:"last_sync_at"` // sync watermark, zero = never synced
	LastActivityAt time.Time `json:"last_activity_at"`
	SubscriptionID string    `json:"subscription_id"` // empty = no registered subscription
	OffspringCount int       `json:"offspring_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Offspring is a wallet discovered as a funding descendant of a whale.
type Offspring struct {
	WhaleID         string    `json:"whale_id"`
	Address         string    `json:"address"`
	Depth           int       `json:"depth"`
	Parent          string    `json:"parent"` // empty for the whale root record
	FundingLamports uint64    `json:"funding_lamports"`
	BalanceLamports uint64    `json:"balance_lamports"`
	BalanceProbedAt time.Time `json:"balance_probed_at"` // zero = never probed
	HasMinted       bool      `json:"has_minted"`
	IsDust          bool      `json:"is_dust"`
	DustFlaggedAt   time.Time `json:"dust_flagged_at"`
	IsBundled       bool      `json:"is_bundled"`
	BundleID        string    `json:"bundle_id"`
	IsMintable      bool      `json:"is_mintable"`
	IsActiveTrader  bool      `json:"is_active_trader"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// Bundle is a persisted funding cluster.
type Bundle struct {
	ID          string    `json:"id"`
	WhaleID     string    `json:"whale_id"`
	Members     []string  `json:"members"`
	WindowStart time.Time `json:"window_start"`
	DetectedAt  time.Time `json:"detected_at"`
}

// AlertType classifies an observed on-chain event.
type AlertType string

const (
	AlertMint AlertType = "MINT"
	AlertBuy  AlertType = "BUY"
	AlertSell AlertType = "SELL"
)

// Alert is an append-only record of observed offspring activity.
type Alert struct {
	ID         string    `json:"id"`
	WhaleID    string    `json:"whale_id"`
	Offspring  string    `json:"offspring"` // offspring address
	Type       AlertType `json:"type"`
	TokenMint  string    `json:"token_mint"`
	DetectedAt time.Time `json:"detected_at"`
	Raw        string    `json:"raw"` // raw event payload
}

// Store is the persistence contract consumed by the engine. Implementations
// must support concurrent upserts keyed by (whale id, address) without
// duplication.
type Store interface {
	UpsertWhale(ctx context.Context, w *Whale) error
	GetWhale(ctx context.Context, id string) (*Whale, error)
	GetWhaleByAddress(ctx context.Context, address string) (*Whale, error)
	ListWhales(ctx context.Context, ownerID string) ([]*Whale, error)

	UpsertOffspring(ctx context.Context, o *Offspring) error
	// GetOffspringByAddress resolves an address to one tracked row. When
	// several whales track the same address the row with the lowest whale
	// id wins, so repeated lookups attribute alerts to the same whale.
	GetOffspringByAddress(ctx context.Context, address string) (*Offspring, error)
	ListOffspring(ctx context.Context, whaleID string) ([]*Offspring, error)

	UpsertBundle(ctx context.Context, b *Bundle) error
	ListBundles(ctx context.Context, whaleID string) ([]*Bundle, error)

	InsertAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, whaleID string, limit int) ([]*Alert, error)

	// Watermark accessors; the watermark lives on the whale row.
	GetWatermark(ctx context.Context, whaleID string) (time.Time, error)
	SetWatermark(ctx context.Context, whaleID string, ts time.Time) error
}
