package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signPaystack(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaystackVerifySignature(t *testing.T) {
	p := NewPaystackProvider("sk_test_secret", "https://api.paystack.example")
	body := []byte(`{"event":"charge.success","data":{"reference":"pay_1"}}`)

	headers := http.Header{}
	headers.Set("x-paystack-signature", signPaystack("sk_test_secret", body))
	assert.NoError(t, p.VerifySignature(body, headers))
}

func TestPaystackVerifySignatureRejectsTamperedBody(t *testing.T) {
	p := NewPaystackProvider("sk_test_secret", "https://api.paystack.example")
	body := []byte(`{"event":"charge.success","data":{"reference":"pay_1","amount":10000}}`)

	headers := http.Header{}
	headers.Set("x-paystack-signature", signPaystack("sk_test_secret", body))

	tampered := []byte(`{"event":"charge.success","data":{"reference":"pay_1","amount":99999}}`)
	assert.ErrorIs(t, p.VerifySignature(tampered, headers), ErrInvalidSignature)
}

func TestPaystackVerifySignatureWrongKey(t *testing.T) {
	p := NewPaystackProvider("sk_test_secret", "https://api.paystack.example")
	body := []byte(`{}`)

	headers := http.Header{}
	headers.Set("x-paystack-signature", signPaystack("some_other_key", body))
	assert.ErrorIs(t, p.VerifySignature(body, headers), ErrInvalidSignature)
}

func TestPaystackVerifySignatureMissingHeader(t *testing.T) {
	p := NewPaystackProvider("sk_test_secret", "https://api.paystack.example")
	assert.ErrorIs(t, p.VerifySignature([]byte(`{}`), http.Header{}), ErrInvalidSignature)
}

func TestPaystackParseWebhookSuccess(t *testing.T) {
	p := NewPaystackProvider("sk", "https://api.paystack.example")
	body := []byte(`{
		"event": "charge.success",
		"data": {
			"reference": "pay_abc",
			"amount": 10250,
			"currency": "USD",
			"status": "success",
			"channel": "card",
			"paid_at": "2026-08-30T10:00:00Z"
		}
	}`)

	ev, err := p.ParseWebhook(body)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "pay_abc", ev.Reference)
	assert.True(t, ev.Amount.Equal(dec("102.50")), "minor units converted")
	assert.True(t, ev.Succeeded)
	assert.Equal(t, "card", ev.Channel)
}

func TestPaystackParseWebhookFailure(t *testing.T) {
	p := NewPaystackProvider("sk", "https://api.paystack.example")
	body := []byte(`{
		"event": "charge.failed",
		"data": {
			"reference": "pay_abc",
			"amount": 10250,
			"status": "failed",
			"gateway_response": "Insufficient funds"
		}
	}`)

	ev, err := p.ParseWebhook(body)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.False(t, ev.Succeeded)
	assert.Equal(t, "Insufficient funds", ev.FailureReason)
}

func TestPaystackParseWebhookIgnoresOtherEvents(t *testing.T) {
	p := NewPaystackProvider("sk", "https://api.paystack.example")
	ev, err := p.ParseWebhook([]byte(`{"event":"transfer.success","data":{}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}
