package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/whaletrace/whaletrace/internal/ledger"
)

// ---------------------------------------------------------------------------
// Graph Discovery Engine — bounded BFS over on-chain funding history
// Expands a root wallet into its funding tree via outgoing SOL transfers.
// ---------------------------------------------------------------------------

// Config configures a discovery pass.
type Config struct {
	MaxDepth         int           `yaml:"max_depth"`          // max hops from the root
	DustThresholdSOL float64       `yaml:"dust_threshold_sol"` // transfers at or below are ignored
	MaxWallets       int           `yaml:"max_wallets"`        // hard cap on visited addresses per pass
	PageSize         int           `yaml:"page_size"`          // max transfers fetched per address
	ExpandDelay      time.Duration `yaml:"expand_delay"`       // pause between address expansions
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:         5,
		DustThresholdSOL: 0.001,
		MaxWallets:       2_000,
		PageSize:         500,
		ExpandDelay:      100 * time.Millisecond,
	}
}

// Wallet is one address reached by the traversal.
// Parent is empty for the root (depth 0). FundingLamports accumulates every
// above-dust transfer observed into the address this pass, including
// transfers arriving after the address was first discovered; depth and
// parent are fixed by the first discovery (first-parent-wins).
type Wallet struct {
	Address         string    `json:"address"`
	Depth           int       `json:"depth"`
	Parent          string    `json:"parent"`
	FundingLamports uint64    `json:"funding_lamports"`
	FundedAt        time.Time `json:"funded_at"`
}

// Result is the output of one traversal pass.
type Result struct {
	Root       string   `json:"root"`
	Wallets    []Wallet `json:"wallets"` // BFS discovery order, root first
	Expanded   int      `json:"expanded"`
	CapReached bool     `json:"cap_reached"`
	Partial    bool     `json:"partial"` // at least one branch was abandoned
	Errors     []string `json:"errors"`
}

// Engine walks funding trees through a ledger client.
type Engine struct {
	config Config
	client ledger.Client
}

// NewEngine creates a discovery engine.
func NewEngine(config Config, client ledger.Client) *Engine {
	if config.MaxDepth <= 0 {
		config.MaxDepth = 5
	}
	if config.MaxWallets <= 0 {
		config.MaxWallets = 2_000
	}
	return &Engine{config: config, client: client}
}

type queueItem struct {
	address string
	depth   int
}

// Discover expands root breadth-first up to MaxDepth. A non-zero watermark
// restricts traversal to transfers after it (incremental mode).
//
// Failure semantics: a transient or permanent ledger failure on one address
// prunes that address's branch and is reported in Result.Errors; it never
// aborts the pass. Only context cancellation returns an error.
func (e *Engine) Discover(ctx context.Context, root string, watermark time.Time) (*Result, error) {
	dustLamports := ledger.SOLToLamports(decimal.NewFromFloat(e.config.DustThresholdSOL))

	result := &Result{Root: root}

	visited := make(map[string]*Wallet)
	rootWallet := &Wallet{Address: root, Depth: 0}
	visited[root] = rootWallet
	order := []string{root}

	queue := []queueItem{{address: root, depth: 0}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := queue[0]
		queue = queue[1:]

		if item.depth >= e.config.MaxDepth {
			continue
		}

		transfers, err := e.client.GetOutgoingTransfers(ctx, item.address, watermark, e.config.PageSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			var perm *ledger.PermanentError
			if errors.As(err, &perm) {
				log.Warn().Str("address", item.address).Err(err).
					Msg("discovery: permanent error, pruning branch")
			} else {
				result.Partial = true
				log.Warn().Str("address", item.address).Err(err).
					Msg("discovery: transient error exhausted retries, branch abandoned")
			}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", item.address, err))
			continue
		}

		result.Expanded++

		for _, tr := range transfers {
			if tr.Lamports <= dustLamports {
				continue
			}
			if tr.To == tr.From || tr.To == "" {
				continue
			}

			if existing, ok := visited[tr.To]; ok {
				// Extra funding evidence for an already-discovered address.
				// First-parent-wins: depth and parent stay fixed.
				existing.FundingLamports += tr.Lamports
				continue
			}

			if len(visited) >= e.config.MaxWallets {
				result.CapReached = true
				continue
			}

			child := &Wallet{
				Address:         tr.To,
				Depth:           item.depth + 1,
				Parent:          item.address,
				FundingLamports: tr.Lamports,
				FundedAt:        tr.Timestamp,
			}
			visited[tr.To] = child
			order = append(order, tr.To)
			queue = append(queue, queueItem{address: tr.To, depth: item.depth + 1})
		}

		if e.config.ExpandDelay > 0 && len(queue) > 0 {
			select {
			case <-time.After(e.config.ExpandDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	result.Wallets = make([]Wallet, 0, len(order))
	for _, addr := range order {
		result.Wallets = append(result.Wallets, *visited[addr])
	}

	log.Debug().
		Str("root", root).
		Int("wallets", len(result.Wallets)).
		Int("expanded", result.Expanded).
		Bool("partial", result.Partial).
		Bool("cap_reached", result.CapReached).
		Msg("discovery: pass complete")

	return result, nil
}
