package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/payout"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/ride-dispatch/internal/errs"
)

// Processor starts money movements. Confirmation arrives later through a
// webhook carrying the same reference.
type Processor interface {
	InitiateCharge(ctx context.Context, reference string, amount float64, currency string) (string, error)
	InitiatePayout(ctx context.Context, reference string, amount float64, currency string) (string, error)
}

// WebhookEvent is a gateway confirmation reduced to what the ledger needs.
type WebhookEvent struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	GatewayID string `json:"gatewayId,omitempty"`
}

// StripeClient is a thin wrapper around stripe-go. The ledger reference is
// sent both as metadata and as the idempotency key.
type StripeClient struct {
	webhookSecret string
}

func NewStripeClient(apiKey, webhookSecret string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{webhookSecret: webhookSecret}
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// InitiateCharge creates a PaymentIntent and returns its id.
func (s *StripeClient) InitiateCharge(ctx context.Context, reference string, amount float64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.Context = ctx
	params.AddMetadata("reference", reference)
	params.SetIdempotencyKey("charge-" + reference)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", errs.Wrap(errs.UpstreamService, err, "stripe payment intent")
	}
	return pi.ID, nil
}

// InitiatePayout sends funds from the platform balance.
func (s *StripeClient) InitiatePayout(ctx context.Context, reference string, amount float64, currency string) (string, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(toMinorUnits(amount)),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.Context = ctx
	params.AddMetadata("reference", reference)
	params.SetIdempotencyKey("payout-" + reference)
	po, err := payout.New(params)
	if err != nil {
		return "", errs.Wrap(errs.UpstreamService, err, "stripe payout")
	}
	return po.ID, nil
}

// ParseStripeEvent verifies the signature and maps the event onto a
// WebhookEvent. ok is false for event types the ledger does not track.
func (s *StripeClient) ParseStripeEvent(payload []byte, signature string) (WebhookEvent, bool, error) {
	ev, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return WebhookEvent{}, false, errs.Wrap(errs.Validation, err, "invalid stripe signature")
	}
	status, ok := stripeStatus(string(ev.Type))
	if !ok {
		return WebhookEvent{}, false, nil
	}
	var obj struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return WebhookEvent{}, false, errs.Wrap(errs.Validation, err, "decode stripe object")
	}
	ref := obj.Metadata["reference"]
	if ref == "" {
		return WebhookEvent{}, false, errs.New(errs.Validation, "stripe %s %s has no reference", ev.Type, obj.ID)
	}
	return WebhookEvent{Reference: ref, Status: status, GatewayID: obj.ID}, true, nil
}

func stripeStatus(eventType string) (string, bool) {
	switch eventType {
	case "payment_intent.succeeded":
		return "SUCCESS", true
	case "payout.paid":
		return "PAID", true
	case "payment_intent.payment_failed", "payout.failed":
		return "FAILED", true
	case "payment_intent.canceled", "payout.canceled":
		return "CANCELLED", true
	default:
		return "", false
	}
}

// String is used in logs.
func (w WebhookEvent) String() string {
	return fmt.Sprintf("%s:%s", w.Reference, w.Status)
}
