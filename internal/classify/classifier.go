package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/whaletrace/whaletrace/internal/ledger"
)

// ---------------------------------------------------------------------------
// Wallet Classifier — balance and mint probes over the discovered set
// ---------------------------------------------------------------------------

// Config holds the classification thresholds. These are tunables, not
// constants: operations teams adjust them per market regime.
type Config struct {
	DustBalanceSOL     float64 `yaml:"dust_balance_sol"`     // below this with no mints = dust
	MintableBalanceSOL float64 `yaml:"mintable_balance_sol"` // at or above, unminted, unbundled = mintable
	MintProbeMinSOL    float64 `yaml:"mint_probe_min_sol"`   // wallets below are never mint-probed
	BalanceBatchSize   int     `yaml:"balance_batch_size"`   // addresses per batched balance call
	MintLookback       int     `yaml:"mint_lookback"`        // recent transactions scanned for mints
}

// DefaultConfig returns the reference thresholds.
func DefaultConfig() Config {
	return Config{
		DustBalanceSOL:     0.01,
		MintableBalanceSOL: 0.05,
		MintProbeMinSOL:    0.01,
		BalanceBatchSize:   100,
		MintLookback:       25,
	}
}

// Classification is the probe result and flag assignment for one wallet.
type Classification struct {
	Address         string    `json:"address"`
	BalanceLamports uint64    `json:"balance_lamports"`
	BalanceProbed   bool      `json:"balance_probed"`
	ProbedAt        time.Time `json:"probed_at"`
	HasMinted       bool      `json:"has_minted"`
	IsDust          bool      `json:"is_dust"`
	IsMintable      bool      `json:"is_mintable"`
	IsBundled       bool      `json:"is_bundled"`
}

// Classifier probes wallets through the ledger client and assigns flags.
type Classifier struct {
	config Config
	client ledger.Client
}

// NewClassifier creates a classifier.
func NewClassifier(config Config, client ledger.Client) *Classifier {
	if config.BalanceBatchSize <= 0 {
		config.BalanceBatchSize = 100
	}
	return &Classifier{config: config, client: client}
}

// Classify probes every address in the set: a chunked batch balance probe,
// then a mint probe for wallets whose balance clears the probe floor
// (a zero-balance wallet cannot have paid mint-account rent, so skipping it
// loses nothing). bundled and knownMinted carry flags that stand on their
// own regardless of this pass's probes.
//
// Probe failures degrade that wallet's data and are reported as error
// strings; they never abort the pass.
func (c *Classifier) Classify(ctx context.Context, addresses []string, bundled, knownMinted map[string]bool) ([]Classification, []string) {
	dust := ledger.SOLToLamports(decimal.NewFromFloat(c.config.DustBalanceSOL))
	mintable := ledger.SOLToLamports(decimal.NewFromFloat(c.config.MintableBalanceSOL))
	probeFloor := ledger.SOLToLamports(decimal.NewFromFloat(c.config.MintProbeMinSOL))

	var errs []string

	// Balance probe, chunked to the provider batch limit.
	balances := make(map[string]uint64, len(addresses))
	probed := make(map[string]bool, len(addresses))
	for start := 0; start < len(addresses); start += c.config.BalanceBatchSize {
		end := start + c.config.BalanceBatchSize
		if end > len(addresses) {
			end = len(addresses)
		}
		chunk := addresses[start:end]

		batch, err := c.client.GetBalancesBatch(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return nil, append(errs, ctx.Err().Error())
			}
			errs = append(errs, fmt.Sprintf("balance batch [%d:%d]: %v", start, end, err))
			log.Warn().Err(err).Int("chunk_start", start).Msg("classify: balance batch failed")
			continue
		}
		for addr, lamports := range batch {
			balances[addr] = lamports
			probed[addr] = true
		}
	}

	now := time.Now()
	out := make([]Classification, 0, len(addresses))
	for _, addr := range addresses {
		cl := Classification{
			Address:         addr,
			BalanceLamports: balances[addr],
			BalanceProbed:   probed[addr],
			HasMinted:       knownMinted[addr],
			IsBundled:       bundled[addr],
		}
		if cl.BalanceProbed {
			cl.ProbedAt = now
		}

		// Mint probe. Already-known minters keep the flag without re-probing.
		if !cl.HasMinted && cl.BalanceProbed && cl.BalanceLamports >= probeFloor {
			minted, err := c.client.HasMintActivity(ctx, addr, c.config.MintLookback)
			if err != nil {
				if ctx.Err() != nil {
					return out, append(errs, ctx.Err().Error())
				}
				errs = append(errs, fmt.Sprintf("mint probe %s: %v", addr, err))
			} else {
				cl.HasMinted = minted
			}
		}

		// Flag rules, first match wins. An unprobed balance assigns neither
		// flag: stale data is better than a wrong dust verdict.
		if cl.BalanceProbed {
			switch {
			case cl.BalanceLamports < dust && !cl.HasMinted:
				cl.IsDust = true
			case cl.BalanceLamports >= mintable && !cl.HasMinted && !cl.IsBundled:
				cl.IsMintable = true
			}
		}

		out = append(out, cl)
	}

	return out, errs
}
