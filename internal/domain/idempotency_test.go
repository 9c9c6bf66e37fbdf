package domain

import (
	"testing"
	"time"
)

func TestIdempotencyStatusValid(t *testing.T) {
	tests := []struct {
		name     string
		status   IdempotencyStatus
		want     bool
		terminal bool
	}{
		{name: "pending", status: IdempotencyStatusPending, want: true},
		{name: "succeeded", status: IdempotencyStatusSucceeded, want: true, terminal: true},
		{name: "failed", status: IdempotencyStatusFailed, want: true, terminal: true},
		{name: "expired", status: IdempotencyStatusExpired, want: true, terminal: true},
		{name: "invalid", status: IdempotencyStatus("broken"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.want {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.want)
			}
			if got := tc.status.Terminal(); got != tc.terminal {
				t.Fatalf("status %q terminal=%v, want %v", tc.status, got, tc.terminal)
			}
		})
	}
}

func TestIdempotencyRecordLeaseStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := IdempotencyRecord{Status: IdempotencyStatusPending, LeaseExpiresAt: now.Add(time.Minute)}

	if rec.LeaseStale(now) {
		t.Fatal("lease should be fresh before expiry")
	}
	if !rec.LeaseStale(now.Add(time.Minute)) {
		t.Fatal("lease should be stale at expiry")
	}

	rec.Status = IdempotencyStatusSucceeded
	if rec.LeaseStale(now.Add(time.Hour)) {
		t.Fatal("terminal record is never stale")
	}
}
