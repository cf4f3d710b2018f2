package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Ledger Client Interface
// ---------------------------------------------------------------------------

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Transfer is a single outgoing SOL transfer observed on-chain.
type Transfer struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Lamports  uint64    `json:"lamports"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

// SOL returns the transfer amount in SOL.
func (t Transfer) SOL() decimal.Decimal {
	return LamportsToSOL(t.Lamports)
}

// LamportsToSOL converts a lamport amount to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.New(int64(lamports), 0).Div(decimal.NewFromInt(LamportsPerSOL))
}

// SOLToLamports converts a SOL amount to lamports, truncating sub-lamport dust.
func SOLToLamports(sol decimal.Decimal) uint64 {
	return uint64(sol.Mul(decimal.NewFromInt(LamportsPerSOL)).IntPart())
}

// Client is the interface for chain-data providers.
// Implementations: HeliusClient (live), StubClient (testing).
type Client interface {
	// GetOutgoingTransfers returns outgoing SOL transfers from an address,
	// newest first. A non-zero since timestamp prunes older history.
	GetOutgoingTransfers(ctx context.Context, address string, since time.Time, pageSize int) ([]Transfer, error)

	// GetBalance returns the current SOL balance of an address in lamports.
	GetBalance(ctx context.Context, address string) (uint64, error)

	// GetBalancesBatch returns balances for up to the provider's batch limit
	// of addresses in a single call.
	GetBalancesBatch(ctx context.Context, addresses []string) (map[string]uint64, error)

	// HasMintActivity reports whether the address created a token mint within
	// its most recent lookback transactions.
	HasMintActivity(ctx context.Context, address string, lookback int) (bool, error)
}

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// TransientError marks a retryable provider failure (network, 5xx, 429).
// The live client retries these internally; if one escapes, the caller
// abandons the current branch and continues.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ledger: transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-retryable failure scoped to one address
// (malformed address, provider rejection). It prunes that address's branch
// only, never the whole traversal.
type PermanentError struct {
	Address string
	Err     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("ledger: permanent: %s: %v", e.Address, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Stub Client (for testing and development)
// ---------------------------------------------------------------------------

// StubClient is an in-memory ledger client for tests and stub mode.
type StubClient struct {
	mu        sync.RWMutex
	transfers map[string][]Transfer
	balances  map[string]uint64
	minted    map[string]bool

	transientFor map[string]int // address -> remaining transient failures
	permanentFor map[string]bool

	transferCalls int
	balanceCalls  int
	mintCalls     int
}

// NewStubClient creates an empty stub ledger client.
func NewStubClient() *StubClient {
	return &StubClient{
		transfers:    make(map[string][]Transfer),
		balances:     make(map[string]uint64),
		minted:       make(map[string]bool),
		transientFor: make(map[string]int),
		permanentFor: make(map[string]bool),
	}
}

// AddTransfer registers an outgoing transfer from an address.
func (s *StubClient) AddTransfer(from, to string, lamports uint64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[from] = append(s.transfers[from], Transfer{
		From:      from,
		To:        to,
		Lamports:  lamports,
		Timestamp: at,
		Signature: fmt.Sprintf("stub-%s-%s-%d", from, to, at.UnixNano()),
	})
}

// SetBalance sets the stub balance for an address.
func (s *StubClient) SetBalance(address string, lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] = lamports
}

// SetMinted marks an address as having mint activity.
func (s *StubClient) SetMinted(address string, minted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minted[address] = minted
}

// FailTransient makes the next n calls touching the address fail transiently.
func (s *StubClient) FailTransient(address string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientFor[address] = n
}

// FailPermanent makes all calls touching the address fail permanently.
func (s *StubClient) FailPermanent(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permanentFor[address] = true
}

// TransferCalls returns how many GetOutgoingTransfers calls were made.
func (s *StubClient) TransferCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transferCalls
}

func (s *StubClient) failureFor(address, op string) error {
	if s.permanentFor[address] {
		return &PermanentError{Address: address, Err: fmt.Errorf("stub: injected permanent failure")}
	}
	if s.transientFor[address] > 0 {
		s.transientFor[address]--
		return &TransientError{Op: op, Err: fmt.Errorf("stub: injected transient failure")}
	}
	return nil
}

func (s *StubClient) GetOutgoingTransfers(_ context.Context, address string, since time.Time, pageSize int) ([]Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferCalls++

	if err := s.failureFor(address, "getOutgoingTransfers"); err != nil {
		return nil, err
	}

	var out []Transfer
	for _, tr := range s.transfers[address] {
		if !since.IsZero() && !tr.Timestamp.After(since) {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if pageSize > 0 && len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

func (s *StubClient) GetBalance(_ context.Context, address string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceCalls++

	if err := s.failureFor(address, "getBalance"); err != nil {
		return 0, err
	}
	return s.balances[address], nil
}

func (s *StubClient) GetBalancesBatch(_ context.Context, addresses []string) (map[string]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceCalls++

	out := make(map[string]uint64, len(addresses))
	for _, addr := range addresses {
		if err := s.failureFor(addr, "getBalancesBatch"); err != nil {
			return nil, err
		}
		out[addr] = s.balances[addr]
	}
	return out, nil
}

func (s *StubClient) HasMintActivity(_ context.Context, address string, _ int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mintCalls++

	if err := s.failureFor(address, "hasMintActivity"); err != nil {
		return false, err
	}
	return s.minted[address], nil
}
