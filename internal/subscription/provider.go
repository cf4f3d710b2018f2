package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Webhook provider — one externally registered subscription per whale
// ---------------------------------------------------------------------------

// Error marks a subscription-provider failure. The reconciler logs it,
// leaves the previous subscription in place, and retries on the next sync.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("subscription: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Provider manages address-set subscriptions with the webhook service.
type Provider interface {
	// Register creates a subscription covering addresses and returns its id.
	Register(ctx context.Context, addresses []string, callbackURL string) (string, error)

	// Addresses returns the address list currently covered by a subscription.
	Addresses(ctx context.Context, subscriptionID string) ([]string, error)

	// Deregister removes a subscription.
	Deregister(ctx context.Context, subscriptionID string) error
}

// ---------------------------------------------------------------------------
// Helius webhook provider
// ---------------------------------------------------------------------------

// HeliusProviderConfig configures the live webhook provider.
type HeliusProviderConfig struct {
	APIBase string        `yaml:"api_base"` // e.g. https://api.helius.xyz
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// HeliusProvider manages webhooks through the Helius v0 webhook API.
type HeliusProvider struct {
	config     HeliusProviderConfig
	httpClient *http.Client
}

// NewHeliusProvider creates a live webhook provider.
func NewHeliusProvider(config HeliusProviderConfig) *HeliusProvider {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &HeliusProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type heliusWebhook struct {
	WebhookID        string   `json:"webhookID"`
	WebhookURL       string   `json:"webhookURL"`
	AccountAddresses []string `json:"accountAddresses"`
	TransactionTypes []string `json:"transactionTypes"`
	WebhookType      string   `json:"webhookType"`
}

func (p *HeliusProvider) endpoint(path string) string {
	return fmt.Sprintf("%s/v0/webhooks%s?api-key=%s",
		p.config.APIBase, path, url.QueryEscape(p.config.APIKey))
}

func (p *HeliusProvider) call(ctx context.Context, method, target string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &Error{Op: method + " marshal", Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Op: method, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &Error{Op: method, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Op: method, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: method, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &Error{Op: method + " parse", Err: err}
		}
	}
	return nil
}

func (p *HeliusProvider) Register(ctx context.Context, addresses []string, callbackURL string) (string, error) {
	payload := heliusWebhook{
		WebhookURL:       callbackURL,
		AccountAddresses: addresses,
		TransactionTypes: []string{"TRANSFER", "SWAP", "TOKEN_MINT"},
		WebhookType:      "enhanced",
	}
	var created heliusWebhook
	if err := p.call(ctx, http.MethodPost, p.endpoint(""), payload, &created); err != nil {
		return "", err
	}
	if created.WebhookID == "" {
		return "", &Error{Op: "register", Err: fmt.Errorf("provider returned empty webhook id")}
	}
	return created.WebhookID, nil
}

func (p *HeliusProvider) Addresses(ctx context.Context, subscriptionID string) ([]string, error) {
	var hook heliusWebhook
	if err := p.call(ctx, http.MethodGet, p.endpoint("/"+subscriptionID), nil, &hook); err != nil {
		return nil, err
	}
	return hook.AccountAddresses, nil
}

func (p *HeliusProvider) Deregister(ctx context.Context, subscriptionID string) error {
	return p.call(ctx, http.MethodDelete, p.endpoint("/"+subscriptionID), nil, nil)
}

// ---------------------------------------------------------------------------
// Stub provider (for testing and development)
// ---------------------------------------------------------------------------

// StubProvider is an in-memory webhook provider for tests and stub mode.
type StubProvider struct {
	mu       sync.Mutex
	nextID   int
	hooks    map[string][]string
	failNext bool

	registerCalls   int
	deregisterCalls int
}

// NewStubProvider creates an empty stub provider.
func NewStubProvider() *StubProvider {
	return &StubProvider{hooks: make(map[string][]string)}
}

// SetFailNext makes the next provider call fail.
func (p *StubProvider) SetFailNext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = true
}

// RegisterCalls returns how many registrations were made.
func (p *StubProvider) RegisterCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registerCalls
}

// DeregisterCalls returns how many deregistrations were made.
func (p *StubProvider) DeregisterCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deregisterCalls
}

// Active returns the ids of currently registered subscriptions.
func (p *StubProvider) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.hooks))
	for id := range p.hooks {
		out = append(out, id)
	}
	return out
}

func (p *StubProvider) shouldFail(op string) error {
	if p.failNext {
		p.failNext = false
		return &Error{Op: op, Err: fmt.Errorf("stub: injected failure")}
	}
	return nil
}

func (p *StubProvider) Register(_ context.Context, addresses []string, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.shouldFail("register"); err != nil {
		return "", err
	}
	p.registerCalls++
	p.nextID++
	id := fmt.Sprintf("sub-%d", p.nextID)
	p.hooks[id] = append([]string(nil), addresses...)
	return id, nil
}

func (p *StubProvider) Addresses(_ context.Context, subscriptionID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.shouldFail("addresses"); err != nil {
		return nil, err
	}
	addrs, ok := p.hooks[subscriptionID]
	if !ok {
		return nil, &Error{Op: "addresses", Err: fmt.Errorf("stub: unknown subscription %s", subscriptionID)}
	}
	return append([]string(nil), addrs...), nil
}

func (p *StubProvider) Deregister(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.shouldFail("deregister"); err != nil {
		return err
	}
	p.deregisterCalls++
	delete(p.hooks, subscriptionID)
	return nil
}
