package payment

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// InitiateRequest carries everything a gateway needs to start a charge.
type InitiateRequest struct {
	Reference     string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Email         string
}

// InitiateResult is what the gateway hands back for the client to
// complete the charge.
type InitiateResult struct {
	ProviderReference string
	AuthorizationURL  string
	ClientSecret      string
}

// Event is a normalized gateway outcome, from a webhook or a verify
// poll. Reference is always our reference, never the provider's.
type Event struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Succeeded     bool
	Channel       string
	FailureReason string
	PaidAt        time.Time
}

// Provider is one payment gateway integration.
//
// VerifySignature must authenticate the raw body before anything in it
// is trusted; ParseWebhook may return (nil, nil) for event types the
// reconciler does not care about.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, reference string) (*Event, error)
	VerifySignature(body []byte, headers http.Header) error
	ParseWebhook(body []byte) (*Event, error)
}

// Registry holds the configured providers by gateway name. It is built
// once at startup and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownGateway
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
