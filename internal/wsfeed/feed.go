package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/whaletrace/whaletrace/internal/alert"
)

// ---------------------------------------------------------------------------
// Live Activity Feed — low-latency mint detection via logsSubscribe
// Secondary ingress: the webhook push is authoritative; this feed shaves the
// provider's webhook delivery delay off mint alerts for tracked wallets.
// ---------------------------------------------------------------------------

// Config configures the WebSocket feed.
type Config struct {
	WSEndpoint       string `yaml:"ws_endpoint"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	PingIntervalS    int    `yaml:"ping_interval_s"`
	MaxReconnects    int    `yaml:"max_reconnects"` // 0 = unlimited
}

// DefaultConfig returns mainnet defaults.
func DefaultConfig() Config {
	return Config{
		WSEndpoint:       "wss://mainnet.helius-rpc.com",
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
		MaxReconnects:    0,
	}
}

// Feed watches tracked addresses over a log subscription and emits events
// into the given sink (normally the alert emitter's Submit).
type Feed struct {
	config Config
	sink   func(alert.Event)

	mu        sync.RWMutex
	conn      *websocket.Conn
	addresses map[string]bool
	pending   map[int64]string // request id -> address awaiting confirmation
	subs      map[int64]string // server subscription id -> address

	nextSubID atomic.Int64

	// Stats.
	messagesRecv atomic.Int64
	mintsEmitted atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewFeed creates a feed delivering events to sink.
func NewFeed(config Config, sink func(alert.Event)) *Feed {
	return &Feed{
		config:    config,
		sink:      sink,
		addresses: make(map[string]bool),
		pending:   make(map[int64]string),
		subs:      make(map[int64]string),
	}
}

// SetAddresses replaces the tracked address set. New addresses are
// subscribed on the live connection; removed ones lapse on the next
// reconnect.
func (f *Feed) SetAddresses(addrs []string) {
	f.mu.Lock()
	next := make(map[string]bool, len(addrs))
	var added []string
	for _, a := range addrs {
		next[a] = true
		if !f.addresses[a] {
			added = append(added, a)
		}
	}
	f.addresses = next
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return
	}
	for _, a := range added {
		if err := f.subscribe(a); err != nil {
			log.Warn().Err(err).Str("address", a).Msg("wsfeed: subscribe failed")
		}
	}
}

// Run connects and monitors until ctx is cancelled, reconnecting with
// exponential backoff.
func (f *Feed) Run(ctx context.Context) {
	reconnectDelay := time.Duration(f.config.ReconnectDelayMs) * time.Millisecond
	reconnectCount := 0
	const maxDelay = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			f.disconnect()
			return
		default:
		}

		if f.config.MaxReconnects > 0 && reconnectCount >= f.config.MaxReconnects {
			log.Error().Int("max", f.config.MaxReconnects).
				Msg("wsfeed: max reconnects reached, cooling down")
			select {
			case <-time.After(60 * time.Second):
				reconnectCount = 0
				continue
			case <-ctx.Done():
				f.disconnect()
				return
			}
		}

		if err := f.connect(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", reconnectCount).Msg("wsfeed: connection failed")
			reconnectCount++
			f.reconnects.Add(1)

			select {
			case <-time.After(reconnectDelay):
				reconnectDelay *= 2
				if reconnectDelay > maxDelay {
					reconnectDelay = maxDelay
				}
			case <-ctx.Done():
				return
			}
			continue
		}

		reconnectCount = 0
		reconnectDelay = time.Duration(f.config.ReconnectDelayMs) * time.Millisecond

		f.mu.RLock()
		addrs := make([]string, 0, len(f.addresses))
		for a := range f.addresses {
			addrs = append(addrs, a)
		}
		f.mu.RUnlock()
		for _, a := range addrs {
			if err := f.subscribe(a); err != nil {
				log.Warn().Err(err).Str("address", a).Msg("wsfeed: subscribe failed")
			}
		}

		f.readLoop(ctx)
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.config.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("wsfeed: dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.pending = make(map[int64]string)
	f.subs = make(map[int64]string)
	f.mu.Unlock()
	f.connected.Store(true)

	log.Info().Str("endpoint", f.config.WSEndpoint).Msg("wsfeed: connected")
	return nil
}

func (f *Feed) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connected.Store(false)
}

func (f *Feed) subscribe(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("wsfeed: not connected")
	}

	reqID := f.nextSubID.Add(1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{address}},
			map[string]any{"commitment": "confirmed"},
		},
	}
	if err := f.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("wsfeed: write subscribe: %w", err)
	}
	// Attribution waits for the confirmation carrying the server-assigned
	// subscription id; notifications reference that id, not ours.
	f.pending[reqID] = address
	return nil
}

func (f *Feed) readLoop(ctx context.Context) {
	pingInterval := time.Duration(f.config.PingIntervalS) * time.Second
	if pingInterval == 0 {
		pingInterval = 30 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			f.mu.RLock()
			conn := f.conn
			f.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("wsfeed: ping failed")
					return
				}
			}
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("wsfeed: connection closed")
			} else {
				log.Warn().Err(err).Msg("wsfeed: read error, reconnecting")
			}
			f.connected.Store(false)
			return
		}

		f.messagesRecv.Add(1)
		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Value struct {
					Signature string   `json:"signature"`
					Logs      []string `json:"logs"`
				} `json:"value"`
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
			} `json:"result"`
			Subscription int64 `json:"subscription"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil {
		return
	}
	if notification.Method != "logsNotification" {
		// Could be a subscription confirmation response.
		var subResp struct {
			ID     int64 `json:"id"`
			Result int64 `json:"result"`
		}
		if json.Unmarshal(data, &subResp) == nil && subResp.Result > 0 {
			f.mu.Lock()
			if addr, ok := f.pending[subResp.ID]; ok {
				delete(f.pending, subResp.ID)
				f.subs[subResp.Result] = addr
				log.Debug().Int64("sub_id", subResp.Result).Str("address", addr).
					Msg("wsfeed: subscription confirmed")
			}
			f.mu.Unlock()
		}
		return
	}

	logs := notification.Params.Result.Value.Logs
	if !hasMintMarker(logs) {
		return
	}

	f.mu.RLock()
	address := f.subs[notification.Params.Subscription]
	f.mu.RUnlock()
	if address == "" {
		return
	}

	f.mintsEmitted.Add(1)
	f.sink(alert.Event{
		Signature: notification.Params.Result.Value.Signature,
		Timestamp: time.Now(),
		Type:      "TOKEN_MINT",
		Source:    address,
		Raw:       string(data),
	})
}

// hasMintMarker checks transaction logs for token mint creation.
func hasMintMarker(logs []string) bool {
	for _, l := range logs {
		if strings.Contains(l, "InitializeMint") || strings.Contains(l, "InitializeMint2") {
			return true
		}
	}
	return false
}

// Stats returns feed statistics.
type Stats struct {
	Connected    bool  `json:"connected"`
	MessagesRecv int64 `json:"messages_recv"`
	MintsEmitted int64 `json:"mints_emitted"`
	Reconnects   int64 `json:"reconnects"`
}

func (f *Feed) Stats() Stats {
	return Stats{
		Connected:    f.connected.Load(),
		MessagesRecv: f.messagesRecv.Load(),
		MintsEmitted: f.mintsEmitted.Load(),
		Reconnects:   f.reconnects.Load(),
	}
}
