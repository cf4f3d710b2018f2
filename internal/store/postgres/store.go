package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whaletrace/whaletrace/internal/store"
)

// ---------------------------------------------------------------------------
// Postgres store — pgx-backed Store implementation
// Upserts keyed ON CONFLICT (whale_id, address); safe for concurrent syncs.
// ---------------------------------------------------------------------------

// Store provides Postgres persistence for whales, offspring, bundles and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pgx pool for the given DSN.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS whales (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	address TEXT NOT NULL UNIQUE,
	label TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	last_sync_at TIMESTAMPTZ,
	last_activity_at TIMESTAMPTZ,
	subscription_id TEXT NOT NULL DEFAULT '',
	offspring_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS offspring (
	whale_id TEXT NOT NULL REFERENCES whales(id),
	address TEXT NOT NULL,
	depth INT NOT NULL,
	parent TEXT NOT NULL DEFAULT '',
	funding_lamports BIGINT NOT NULL DEFAULT 0,
	balance_lamports BIGINT NOT NULL DEFAULT 0,
	balance_probed_at TIMESTAMPTZ,
	has_minted BOOLEAN NOT NULL DEFAULT FALSE,
	is_dust BOOLEAN NOT NULL DEFAULT FALSE,
	dust_flagged_at TIMESTAMPTZ,
	is_bundled BOOLEAN NOT NULL DEFAULT FALSE,
	bundle_id TEXT NOT NULL DEFAULT '',
	is_mintable BOOLEAN NOT NULL DEFAULT FALSE,
	is_active_trader BOOLEAN NOT NULL DEFAULT FALSE,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ,
	PRIMARY KEY (whale_id, address)
);
CREATE INDEX IF NOT EXISTS offspring_address_idx ON offspring(address);
CREATE TABLE IF NOT EXISTS bundles (
	id TEXT NOT NULL,
	whale_id TEXT NOT NULL REFERENCES whales(id),
	members TEXT[] NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (whale_id, id)
);
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	whale_id TEXT NOT NULL,
	offspring TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	token_mint TEXT NOT NULL DEFAULT '',
	detected_at TIMESTAMPTZ NOT NULL,
	raw TEXT NOT NULL DEFAULT ''
);
`

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(t *time.Time, src *time.Time) {
	if src != nil {
		*t = *src
	}
}

func (s *Store) UpsertWhale(ctx context.Context, w *store.Whale) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO whales (
			id, owner_id, address, label, active, last_sync_at, last_activity_at,
			subscription_id, offspring_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id)
		DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			label = EXCLUDED.label,
			active = EXCLUDED.active,
			last_sync_at = EXCLUDED.last_sync_at,
			last_activity_at = EXCLUDED.last_activity_at,
			subscription_id = EXCLUDED.subscription_id,
			offspring_count = EXCLUDED.offspring_count
	`,
		w.ID, w.OwnerID, w.Address, w.Label, w.Active,
		nullableTime(w.LastSyncAt), nullableTime(w.LastActivityAt),
		w.SubscriptionID, w.OffspringCount, w.CreatedAt,
	)
	return err
}

const whaleColumns = `id, owner_id, address, label, active, last_sync_at,
	last_activity_at, subscription_id, offspring_count, created_at`

func scanWhale(row pgx.Row) (*store.Whale, error) {
	var (
		w                    store.Whale
		lastSync, lastActive *time.Time
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.Address, &w.Label, &w.Active,
		&lastSync, &lastActive, &w.SubscriptionID, &w.OffspringCount, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	scanTime(&w.LastSyncAt, lastSync)
	scanTime(&w.LastActivityAt, lastActive)
	return &w, nil
}

func (s *Store) GetWhale(ctx context.Context, id string) (*store.Whale, error) {
	return scanWhale(s.pool.QueryRow(ctx,
		`SELECT `+whaleColumns+` FROM whales WHERE id=$1`, id))
}

func (s *Store) GetWhaleByAddress(ctx context.Context, address string) (*store.Whale, error) {
	return scanWhale(s.pool.QueryRow(ctx,
		`SELECT `+whaleColumns+` FROM whales WHERE address=$1`, address))
}

func (s *Store) ListWhales(ctx context.Context, ownerID string) ([]*store.Whale, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+whaleColumns+` FROM whales
		 WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Whale
	for rows.Next() {
		w, err := scanWhale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) UpsertOffspring(ctx context.Context, o *store.Offspring) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offspring (
			whale_id, address, depth, parent, funding_lamports, balance_lamports,
			balance_probed_at, has_minted, is_dust, dust_flagged_at, is_bundled,
			bundle_id, is_mintable, is_active_trader, first_seen_at, last_activity_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (whale_id, address)
		DO UPDATE SET
			funding_lamports = EXCLUDED.funding_lamports,
			balance_lamports = EXCLUDED.balance_lamports,
			balance_probed_at = EXCLUDED.balance_probed_at,
			has_minted = EXCLUDED.has_minted,
			is_dust = EXCLUDED.is_dust,
			dust_flagged_at = EXCLUDED.dust_flagged_at,
			is_bundled = EXCLUDED.is_bundled,
			bundle_id = EXCLUDED.bundle_id,
			is_mintable = EXCLUDED.is_mintable,
			is_active_trader = EXCLUDED.is_active_trader,
			last_activity_at = EXCLUDED.last_activity_at
	`,
		o.WhaleID, o.Address, o.Depth, o.Parent,
		int64(o.FundingLamports), int64(o.BalanceLamports),
		nullableTime(o.BalanceProbedAt), o.HasMinted, o.IsDust,
		nullableTime(o.DustFlaggedAt), o.IsBundled, o.BundleID,
		o.IsMintable, o.IsActiveTrader, o.FirstSeenAt,
		nullableTime(o.LastActivityAt),
	)
	return err
}

const offspringColumns = `whale_id, address, depth, parent, funding_lamports,
	balance_lamports, balance_probed_at, has_minted, is_dust, dust_flagged_at,
	is_bundled, bundle_id, is_mintable, is_active_trader, first_seen_at,
	last_activity_at`

func scanOffspring(row pgx.Row) (*store.Offspring, error) {
	var (
		o                        store.Offspring
		funding, balance         int64
		probed, dusted, activity *time.Time
	)
	err := row.Scan(&o.WhaleID, &o.Address, &o.Depth, &o.Parent, &funding,
		&balance, &probed, &o.HasMinted, &o.IsDust, &dusted, &o.IsBundled,
		&o.BundleID, &o.IsMintable, &o.IsActiveTrader, &o.FirstSeenAt, &activity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	o.FundingLamports = uint64(funding)
	o.BalanceLamports = uint64(balance)
	scanTime(&o.BalanceProbedAt, probed)
	scanTime(&o.DustFlaggedAt, dusted)
	scanTime(&o.LastActivityAt, activity)
	return &o, nil
}

func (s *Store) GetOffspringByAddress(ctx context.Context, address string) (*store.Offspring, error) {
	return scanOffspring(s.pool.QueryRow(ctx,
		`SELECT `+offspringColumns+` FROM offspring
		 WHERE address=$1 ORDER BY whale_id LIMIT 1`, address))
}

func (s *Store) ListOffspring(ctx context.Context, whaleID string) ([]*store.Offspring, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+offspringColumns+` FROM offspring
		 WHERE whale_id=$1 ORDER BY depth, address`, whaleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Offspring
	for rows.Next() {
		o, err := scanOffspring(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBundle(ctx context.Context, b *store.Bundle) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bundles (id, whale_id, members, window_start, detected_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (whale_id, id)
		DO UPDATE SET
			members = EXCLUDED.members,
			detected_at = EXCLUDED.detected_at
	`, b.ID, b.WhaleID, b.Members, b.WindowStart, b.DetectedAt)
	return err
}

func (s *Store) ListBundles(ctx context.Context, whaleID string) ([]*store.Bundle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, whale_id, members, window_start, detected_at
		FROM bundles WHERE whale_id=$1 ORDER BY window_start`, whaleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Bundle
	for rows.Next() {
		var b store.Bundle
		if err := rows.Scan(&b.ID, &b.WhaleID, &b.Members, &b.WindowStart, &b.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *Store) InsertAlert(ctx context.Context, a *store.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, whale_id, offspring, alert_type, token_mint, detected_at, raw)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.WhaleID, a.Offspring, string(a.Type), a.TokenMint, a.DetectedAt, a.Raw)
	return err
}

func (s *Store) ListAlerts(ctx context.Context, whaleID string, limit int) ([]*store.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, whale_id, offspring, alert_type, token_mint, detected_at, raw
		FROM alerts WHERE ($1 = '' OR whale_id = $1)
		ORDER BY detected_at DESC LIMIT $2`, whaleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Alert
	for rows.Next() {
		var (
			a store.Alert
			t string
		)
		if err := rows.Scan(&a.ID, &a.WhaleID, &a.Offspring, &t, &a.TokenMint, &a.DetectedAt, &a.Raw); err != nil {
			return nil, err
		}
		a.Type = store.AlertType(t)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) GetWatermark(ctx context.Context, whaleID string) (time.Time, error) {
	var ts *time.Time
	row := s.pool.QueryRow(ctx, `SELECT last_sync_at FROM whales WHERE id=$1`, whaleID)
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, store.ErrNotFound
		}
		return time.Time{}, err
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

func (s *Store) SetWatermark(ctx context.Context, whaleID string, ts time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE whales SET last_sync_at=$2 WHERE id=$1`, whaleID, ts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
