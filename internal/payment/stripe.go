package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/shopspring/decimal"
)

const GatewayStripe = "stripe"

// StripeProvider charges through Stripe Checkout. Our reference rides
// in the session's client_reference_id so webhook events map back to
// the payment without a provider-side lookup.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripeProvider(secretKey, webhookSecret, successURL, cancelURL string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{
		api:           api,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

func (p *StripeProvider) Name() string { return GatewayStripe }

func (p *StripeProvider) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Reference),
		CustomerEmail:     stripe.String(req.Email),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(toMinorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Escrow funding " + req.TransactionID),
				},
			},
		}},
	}
	params.Context = ctx
	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}
	return &InitiateResult{
		ProviderReference: sess.ID,
		AuthorizationURL:  sess.URL,
	}, nil
}

func (p *StripeProvider) Verify(ctx context.Context, reference string) (*Event, error) {
	params := &stripe.CheckoutSessionListParams{}
	params.Context = ctx
	params.Filters.AddFilter("client_reference_id", "", reference)
	iter := p.api.CheckoutSessions.List(params)
	for iter.Next() {
		sess := iter.CheckoutSession()
		if sess.ClientReferenceID != reference {
			continue
		}
		return sessionEvent(sess), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe verify: %w", err)
	}
	return nil, ErrPaymentNotFound
}

// VerifySignature checks the Stripe-Signature header against the raw
// body. Never parse the body before this passes.
func (p *StripeProvider) VerifySignature(body []byte, headers http.Header) error {
	_, err := webhook.ConstructEvent(body, headers.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (p *StripeProvider) ParseWebhook(body []byte) (*Event, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse stripe event: %w", err)
	}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
	default:
		return nil, nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("parse checkout session: %w", err)
	}
	if sess.ClientReferenceID == "" {
		return nil, nil
	}
	ev := sessionEvent(&sess)
	if event.Type == "checkout.session.expired" {
		ev.Succeeded = false
		ev.FailureReason = "checkout session expired"
	}
	return ev, nil
}

func sessionEvent(sess *stripe.CheckoutSession) *Event {
	return &Event{
		Reference: sess.ClientReferenceID,
		Amount:    fromMinorUnits(sess.AmountTotal),
		Currency:  strings.ToUpper(string(sess.Currency)),
		Succeeded: sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Channel:   "card",
		PaidAt:    time.Now(),
	}
}

func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}
