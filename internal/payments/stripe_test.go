package payments

import "testing"

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{10, 1000},
		{12.34, 1234},
		{0.1 + 0.2, 30},
	}
	for _, tt := range tests {
		if got := toMinorUnits(tt.in); got != tt.want {
			t.Fatalf("toMinorUnits(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStripeStatus(t *testing.T) {
	if s, ok := stripeStatus("payment_intent.succeeded"); !ok || s != "SUCCESS" {
		t.Fatalf("unexpected %q %v", s, ok)
	}
	if s, ok := stripeStatus("payout.failed"); !ok || s != "FAILED" {
		t.Fatalf("unexpected %q %v", s, ok)
	}
	if _, ok := stripeStatus("customer.created"); ok {
		t.Fatal("untracked event should be ignored")
	}
}

func TestParseStripeEventRejectsBadSignature(t *testing.T) {
	c := &StripeClient{webhookSecret: "whsec_test"}
	if _, _, err := c.ParseStripeEvent([]byte(`{}`), "t=1,v1=bad"); err == nil {
		t.Fatal("expected signature error")
	}
}
