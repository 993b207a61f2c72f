package dispatch

import (
	"testing"
	"time"

	"postrelay/internal/delivery"
)

func TestPolicyDecide(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	tests := []struct {
		name    string
		outcome delivery.Outcome
		attempt int
		want    Decision
	}{
		{name: "delivered", outcome: delivery.Delivered{RemoteID: "1"}, attempt: 1, want: Decision{Action: Continue}},
		{name: "oauth aborts", outcome: delivery.Rejected{Code: 190}, attempt: 1, want: Decision{Action: Abort}},
		{name: "code 102 aborts", outcome: delivery.Rejected{Code: 102}, attempt: 2, want: Decision{Action: Abort}},
		{name: "code 4 aborts on last attempt", outcome: delivery.Rejected{Code: 4}, attempt: 3, want: Decision{Action: Abort}},
		{name: "other rejection retries", outcome: delivery.Rejected{Code: 100}, attempt: 1, want: Decision{Action: Retry, Wait: time.Second}},
		{name: "unreachable retries doubled", outcome: delivery.Unreachable{Detail: "timeout"}, attempt: 2, want: Decision{Action: Retry, Wait: 2 * time.Second}},
		{name: "malformed exhausted", outcome: delivery.Malformed{Detail: "x"}, attempt: 3, want: Decision{Action: Continue, Exhausted: true}},
		{name: "beyond max still exhausted", outcome: delivery.Unreachable{}, attempt: 7, want: Decision{Action: Continue, Exhausted: true}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := p.Decide(tt.outcome, tt.attempt); got != tt.want {
				t.Fatalf("Decide = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewPolicyDefaults(t *testing.T) {
	t.Parallel()
	p := NewPolicy(0, 0, nil)
	if p.MaxAttempts != 3 || p.BaseDelay != time.Second {
		t.Fatalf("policy = %+v", p)
	}
	for _, c := range []int{190, 102, 4} {
		if !p.AbortCodes[c] {
			t.Fatalf("code %d should abort", c)
		}
	}

	custom := NewPolicy(5, 10*time.Millisecond, []int{368})
	if custom.AbortCodes[190] || !custom.AbortCodes[368] {
		t.Fatalf("abort codes = %v", custom.AbortCodes)
	}
	if got := custom.Decide(delivery.Unreachable{}, 4); got.Action != Retry || got.Wait != 80*time.Millisecond {
		t.Fatalf("Decide = %+v", got)
	}
}

func TestBackoffDoesNotOverflow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "small base many attempts", base: time.Millisecond, attempt: 500, want: maxBackoff},
		{name: "hour base", base: time.Hour, attempt: 23, want: maxBackoff},
		{name: "hour base just under cap", base: time.Hour, attempt: 5, want: 16 * time.Hour},
		{name: "huge base", base: 1 << 62, attempt: 2, want: maxBackoff},
		{name: "max shift", base: time.Second, attempt: maxBackoffShift + 10, want: maxBackoff},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Policy{MaxAttempts: 1000, BaseDelay: tt.base}
			if got := p.backoff(tt.attempt); got != tt.want {
				t.Fatalf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}
