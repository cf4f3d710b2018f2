package bundle

import (
	"fmt"
	"sort"
	"time"

	"github.com/whaletrace/whaletrace/internal/discovery"
)

// ---------------------------------------------------------------------------
// Bundle Detector — time-window clustering of sibling funding events
// Three or more wallets funded inside one window suggest scripted creation.
// ---------------------------------------------------------------------------

// Config configures bundle detection.
type Config struct {
	Window  time.Duration `yaml:"window"`   // clustering window width
	MinSize int           `yaml:"min_size"` // minimum distinct wallets per bundle
}

// DefaultConfig returns the reference clustering parameters.
func DefaultConfig() Config {
	return Config{
		Window:  500 * time.Millisecond,
		MinSize: 3,
	}
}

// Bundle is a cluster of wallets funded within one window.
type Bundle struct {
	ID          string    `json:"id"`
	WindowStart time.Time `json:"window_start"`
	Members     []string  `json:"members"`
}

// Detector groups discovered wallets into funding bundles.
type Detector struct {
	config Config
}

// NewDetector creates a bundle detector.
func NewDetector(config Config) *Detector {
	if config.Window <= 0 {
		config.Window = 500 * time.Millisecond
	}
	if config.MinSize <= 0 {
		config.MinSize = 3
	}
	return &Detector{config: config}
}

// Detect buckets every funding timestamp into fixed-width windows and emits
// a bundle for each window holding MinSize or more distinct wallets. Bundle
// ids derive from the window key, so re-running detection over the same
// funding history yields the same ids. Membership is recomputed per pass,
// never accumulated across passes.
func (d *Detector) Detect(wallets []discovery.Wallet) []Bundle {
	windowMs := d.config.Window.Milliseconds()

	buckets := make(map[int64]map[string]struct{})
	for _, w := range wallets {
		if w.Depth == 0 || w.FundedAt.IsZero() {
			continue // the root was not funded by anyone we track
		}
		key := w.FundedAt.UnixMilli() / windowMs
		if buckets[key] == nil {
			buckets[key] = make(map[string]struct{})
		}
		buckets[key][w.Address] = struct{}{}
	}

	keys := make([]int64, 0, len(buckets))
	for key, members := range buckets {
		if len(members) >= d.config.MinSize {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	bundles := make([]Bundle, 0, len(keys))
	for _, key := range keys {
		members := make([]string, 0, len(buckets[key]))
		for addr := range buckets[key] {
			members = append(members, addr)
		}
		sort.Strings(members)

		bundles = append(bundles, Bundle{
			ID:          fmt.Sprintf("bundle-%d", key*windowMs),
			WindowStart: time.UnixMilli(key * windowMs),
			Members:     members,
		})
	}

	return bundles
}
