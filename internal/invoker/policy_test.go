package invoker

import (
	"testing"
	"time"

	"github.com/pitabwire/ordersaga/internal/config"
)

func TestDefaultPolicies_table(t *testing.T) {
	policies := DefaultPolicies()

	tests := []struct {
		class       Class
		timeout     time.Duration
		maxAttempts int
	}{
		{ClassStandard, 30 * time.Second, 3},
		{ClassPayment, 60 * time.Second, 3},
		{ClassDeliveryAssignment, 60 * time.Second, 3},
		{ClassTracking, 300 * time.Second, 3},
		{ClassNotification, 30 * time.Second, 5},
		{ClassPayout, 60 * time.Second, 3},
	}
	for _, tt := range tests {
		p, ok := policies[tt.class]
		if !ok {
			t.Errorf("policy %q missing", tt.class)
			continue
		}
		if p.Timeout != tt.timeout {
			t.Errorf("%s timeout = %v, want %v", tt.class, p.Timeout, tt.timeout)
		}
		if p.MaxAttempts != tt.maxAttempts {
			t.Errorf("%s max attempts = %d, want %d", tt.class, p.MaxAttempts, tt.maxAttempts)
		}
	}
}

func TestPolicy_Backoff_exponentialCapped(t *testing.T) {
	p := DefaultPolicies()[ClassStandard]

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPolicy_Backoff_notificationIsFixed(t *testing.T) {
	p := DefaultPolicies()[ClassNotification]
	for failed := 1; failed <= 4; failed++ {
		if got := p.Backoff(failed); got != 5*time.Second {
			t.Errorf("Backoff(%d) = %v, want 5s", failed, got)
		}
	}
}

func TestPolicy_Backoff_zero(t *testing.T) {
	if got := (Policy{}).Backoff(3); got != 0 {
		t.Errorf("Backoff with no initial delay = %v, want 0", got)
	}
	if got := DefaultPolicies()[ClassStandard].Backoff(0); got != 0 {
		t.Errorf("Backoff(0) = %v, want 0", got)
	}
}

func TestPolicies_overrides(t *testing.T) {
	policies := Policies(map[string]config.ActivityPolicyConfig{
		"payment": {MaxAttempts: 5, BackoffMax: 10 * time.Second},
		"unknown": {MaxAttempts: 9},
	})

	p := policies[ClassPayment]
	if p.MaxAttempts != 5 {
		t.Errorf("payment max attempts = %d, want 5", p.MaxAttempts)
	}
	if p.BackoffMax != 10*time.Second {
		t.Errorf("payment backoff max = %v, want 10s", p.BackoffMax)
	}
	if p.Timeout != 60*time.Second {
		t.Errorf("payment timeout = %v, want default 60s", p.Timeout)
	}
	if _, ok := policies["unknown"]; ok {
		t.Error("unknown class should be ignored")
	}
}
