package domain

import "testing"

func TestCanTransitionCheckoutSession(t *testing.T) {
	tests := []struct {
		from CheckoutSessionStatus
		to   CheckoutSessionStatus
		want bool
	}{
		{from: "", to: CheckoutSessionStatusOpen, want: true},
		{from: "", to: CheckoutSessionStatusRecoveryVerificationPending, want: true},
		{from: CheckoutSessionStatusOpen, to: CheckoutSessionStatusOpen, want: true},
		{from: CheckoutSessionStatusOpen, to: CheckoutSessionStatusCompletedPendingSubscription, want: true},
		{from: CheckoutSessionStatusOpen, to: CheckoutSessionStatusRecoveryVerificationPending, want: false},
		{from: CheckoutSessionStatusRecoveryVerificationPending, to: CheckoutSessionStatusOpen, want: true},
		{from: CheckoutSessionStatusRecoveryVerificationPending, to: CheckoutSessionStatusAbandoned, want: true},
		{from: CheckoutSessionStatusCompletedPendingSubscription, to: CheckoutSessionStatusOpen, want: false},
		{from: CheckoutSessionStatusCompletedPendingSubscription, to: CheckoutSessionStatusExpired, want: false},
		{from: CheckoutSessionStatusCompletedPendingSubscription, to: CheckoutSessionStatusCompletedReconciled, want: true},
		{from: CheckoutSessionStatusCompletedReconciled, to: CheckoutSessionStatusOpen, want: false},
		{from: CheckoutSessionStatusExpired, to: CheckoutSessionStatusOpen, want: false},
		{from: CheckoutSessionStatusAbandoned, to: CheckoutSessionStatusAbandoned, want: false},
		{from: CheckoutSessionStatusOpen, to: CheckoutSessionStatus("unknown"), want: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransitionCheckoutSession(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransitionCheckoutSession(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCheckoutSessionFlowFromMetadata(t *testing.T) {
	session := CheckoutSession{MetadataJSON: MergeMetadata(nil, map[string]string{MetadataKeyCheckoutFlow: "one_off"})}
	if session.Flow() != CheckoutFlowOneOff {
		t.Fatalf("expected one_off flow, got %s", session.Flow())
	}

	session.MetadataJSON = []byte("{broken")
	if session.Flow() != CheckoutFlowSubscription {
		t.Fatalf("broken metadata must default to subscription, got %s", session.Flow())
	}
}

func TestMergeMetadataOverridesKeys(t *testing.T) {
	merged := MergeMetadata([]byte(`{"a":"1","b":"2"}`), map[string]string{"b": "3", "c": "4"})
	got := CheckoutSession{MetadataJSON: merged}.Metadata()

	if got["a"] != "1" || got["b"] != "3" || got["c"] != "4" {
		t.Fatalf("unexpected merged metadata: %#v", got)
	}
}
