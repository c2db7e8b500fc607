package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const GatewayPaystack = "paystack"

// PaystackProvider charges through Paystack. Amounts go over the wire
// in the currency's minor unit; webhooks are authenticated with an
// HMAC-SHA512 of the raw body under the secret key.
type PaystackProvider struct {
	secretKey string
	baseURL   string
	http      *http.Client
}

func NewPaystackProvider(secretKey, baseURL string) *PaystackProvider {
	return &PaystackProvider{
		secretKey: secretKey,
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PaystackProvider) Name() string { return GatewayPaystack }

type paystackInitRequest struct {
	Email     string `json:"email"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type paystackInitResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

func (p *PaystackProvider) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	body, err := json.Marshal(paystackInitRequest{
		Email:     req.Email,
		Amount:    toMinorUnits(req.Amount),
		Currency:  req.Currency,
		Reference: req.Reference,
	})
	if err != nil {
		return nil, err
	}
	var resp paystackInitResponse
	if err := p.do(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("paystack initialize: %s", resp.Message)
	}
	return &InitiateResult{
		ProviderReference: resp.Data.Reference,
		AuthorizationURL:  resp.Data.AuthorizationURL,
	}, nil
}

type paystackChargeData struct {
	Reference      string `json:"reference"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	Channel        string `json:"channel"`
	GatewayMessage string `json:"gateway_response"`
	PaidAt         string `json:"paid_at"`
}

func (p *PaystackProvider) Verify(ctx context.Context, reference string) (*Event, error) {
	var resp struct {
		Status  bool               `json:"status"`
		Message string             `json:"message"`
		Data    paystackChargeData `json:"data"`
	}
	if err := p.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, fmt.Errorf("paystack verify: %s", resp.Message)
	}
	return chargeEvent(resp.Data), nil
}

// VerifySignature checks x-paystack-signature, an HMAC-SHA512 of the
// exact raw body. Comparison is constant time.
func (p *PaystackProvider) VerifySignature(body []byte, headers http.Header) error {
	sig := headers.Get("x-paystack-signature")
	if sig == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (p *PaystackProvider) ParseWebhook(body []byte) (*Event, error) {
	var event struct {
		Event string             `json:"event"`
		Data  paystackChargeData `json:"data"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse paystack event: %w", err)
	}
	switch event.Event {
	case "charge.success", "charge.failed":
	default:
		return nil, nil
	}
	return chargeEvent(event.Data), nil
}

func chargeEvent(d paystackChargeData) *Event {
	paidAt, err := time.Parse(time.RFC3339, d.PaidAt)
	if err != nil {
		paidAt = time.Now()
	}
	reason := ""
	if d.Status != "success" {
		reason = d.GatewayMessage
		if reason == "" {
			reason = "charge " + d.Status
		}
	}
	return &Event{
		Reference:     d.Reference,
		Amount:        fromMinorUnits(d.Amount),
		Currency:      d.Currency,
		Succeeded:     d.Status == "success",
		Channel:       d.Channel,
		FailureReason: reason,
		PaidAt:        paidAt,
	}
}

func (p *PaystackProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("paystack request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("paystack request: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("paystack response: %w", err)
	}
	return nil
}
