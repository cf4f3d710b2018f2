package alert

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whaletrace/whaletrace/internal/store"
)

// ---------------------------------------------------------------------------
// Alert Emitter — async ingress for provider-pushed transaction events
// Classifies events for tracked offspring and records append-only alerts.
// ---------------------------------------------------------------------------

// EventKind is a closed set of event classifications.
type EventKind string

const (
	KindMint    EventKind = "MINT"
	KindSell    EventKind = "SELL"
	KindBuy     EventKind = "BUY"
	KindUnknown EventKind = "UNKNOWN"
)

// Event is one normalized transaction event from the webhook provider or
// the live feed.
type Event struct {
	Signature   string    `json:"signature"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"` // provider transaction type
	TokenMint   string    `json:"token_mint"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Raw         string    `json:"raw"`
}

// Classify maps an event to a kind for the given tracked address. Predicate
// order is fixed: mint marker first, then transfer direction. Anything else
// is Unknown, never a guessed buy or sell.
func Classify(ev Event, tracked string) EventKind {
	switch {
	case ev.Type == "TOKEN_MINT" || ev.Type == "CREATE":
		return KindMint
	case ev.TokenMint != "" && ev.Source == tracked:
		return KindSell
	case ev.TokenMint != "" && ev.Destination == tracked:
		return KindBuy
	default:
		return KindUnknown
	}
}

// Emitter consumes events asynchronously so the ingress endpoint can respond
// before the provider times out and retries.
type Emitter struct {
	store store.Store
	queue chan Event

	// Stats.
	received  atomic.Int64
	dropped   atomic.Int64
	discarded atomic.Int64 // events for untracked addresses
	emitted   atomic.Int64
}

// NewEmitter creates an emitter with the given queue depth.
func NewEmitter(st store.Store, queueDepth int) *Emitter {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Emitter{
		store: st,
		queue: make(chan Event, queueDepth),
	}
}

// Submit enqueues an event for processing. Never blocks; drops with a warning
// when the queue is full.
func (e *Emitter) Submit(ev Event) {
	e.received.Add(1)
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
		log.Warn().Str("sig", ev.Signature).Msg("alert: queue full, dropping event")
	}
}

// Run processes queued events until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.queue:
			e.process(ctx, ev)
		}
	}
}

// process resolves the event against tracked offspring. This path depends
// only on the persisted offspring set: it stays correct even if a full sync
// has never completed, as long as the address is already tracked.
func (e *Emitter) process(ctx context.Context, ev Event) {
	for _, addr := range []string{ev.Source, ev.Destination} {
		if addr == "" {
			continue
		}
		offspring, err := e.store.GetOffspringByAddress(ctx, addr)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Error().Err(err).Str("address", addr).Msg("alert: offspring lookup failed")
			}
			continue
		}

		kind := Classify(ev, addr)
		if kind == KindUnknown {
			e.discarded.Add(1)
			log.Debug().Str("sig", ev.Signature).Str("address", addr).
				Msg("alert: unclassifiable event discarded")
			continue
		}

		rec := &store.Alert{
			ID:         uuid.New().String()[:12],
			WhaleID:    offspring.WhaleID,
			Offspring:  offspring.Address,
			Type:       store.AlertType(kind),
			TokenMint:  ev.TokenMint,
			DetectedAt: time.Now(),
			Raw:        ev.Raw,
		}
		if err := e.store.InsertAlert(ctx, rec); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("alert: insert failed")
			continue
		}

		offspring.IsActiveTrader = true
		offspring.LastActivityAt = ev.Timestamp
		if offspring.LastActivityAt.IsZero() {
			offspring.LastActivityAt = time.Now()
		}
		if err := e.store.UpsertOffspring(ctx, offspring); err != nil {
			log.Error().Err(err).Str("address", addr).Msg("alert: mark active trader failed")
		}

		e.emitted.Add(1)
		log.Info().
			Str("whale", offspring.WhaleID).
			Str("address", addr).
			Str("kind", string(kind)).
			Str("token", ev.TokenMint).
			Msg("alert: recorded")
	}
}

// ParsePayload normalizes a provider webhook push (an array of enhanced
// transactions) into events. Unparseable entries are skipped.
func ParsePayload(body []byte) []Event {
	var txs []json.RawMessage
	if err := json.Unmarshal(body, &txs); err != nil {
		return nil
	}

	var events []Event
	for _, raw := range txs {
		var tx struct {
			Signature      string `json:"signature"`
			Timestamp      int64  `json:"timestamp"`
			Type           string `json:"type"`
			TokenTransfers []struct {
				Mint            string  `json:"mint"`
				FromUserAccount string  `json:"fromUserAccount"`
				ToUserAccount   string  `json:"toUserAccount"`
				TokenAmount     float64 `json:"tokenAmount"`
			} `json:"tokenTransfers"`
			NativeTransfers []struct {
				FromUserAccount string `json:"fromUserAccount"`
				ToUserAccount   string `json:"toUserAccount"`
				Amount          int64  `json:"amount"`
			} `json:"nativeTransfers"`
		}
		if json.Unmarshal(raw, &tx) != nil {
			continue
		}

		ts := time.Unix(tx.Timestamp, 0)

		if len(tx.TokenTransfers) == 0 && len(tx.NativeTransfers) == 0 {
			events = append(events, Event{
				Signature: tx.Signature, Timestamp: ts, Type: tx.Type, Raw: string(raw),
			})
			continue
		}
		for _, tt := range tx.TokenTransfers {
			events = append(events, Event{
				Signature:   tx.Signature,
				Timestamp:   ts,
				Type:        tx.Type,
				TokenMint:   tt.Mint,
				Source:      tt.FromUserAccount,
				Destination: tt.ToUserAccount,
				Raw:         string(raw),
			})
		}
		for _, nt := range tx.NativeTransfers {
			events = append(events, Event{
				Signature:   tx.Signature,
				Timestamp:   ts,
				Type:        tx.Type,
				Source:      nt.FromUserAccount,
				Destination: nt.ToUserAccount,
				Raw:         string(raw),
			})
		}
	}
	return events
}

// Stats returns emitter counters.
type Stats struct {
	Received  int64 `json:"received"`
	Dropped   int64 `json:"dropped"`
	Discarded int64 `json:"discarded"`
	Emitted   int64 `json:"emitted"`
}

func (e *Emitter) Stats() Stats {
	return Stats{
		Received:  e.received.Load(),
		Dropped:   e.dropped.Load(),
		Discarded: e.discarded.Load(),
		Emitted:   e.emitted.Load(),
	}
}
