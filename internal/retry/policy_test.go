package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestDefaultPolicy_DelaySchedule(t *testing.T) {
	p := DefaultPolicy()
	o := Outcome{Status: 503}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		attempt := i + 1
		d := p.Decide(o, attempt)
		if d.Action != Retry {
			t.Fatalf("attempt %d: Action = %v, want retry", attempt, d.Action)
		}
		if d.Delay != w {
			t.Errorf("attempt %d: Delay = %v, want %v", attempt, d.Delay, w)
		}
	}

	if d := p.Decide(o, 4); d.Action != GiveUp {
		t.Errorf("attempt 4: Action = %v, want give_up", d.Action)
	}
}

func TestDecide_Statuses(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		status int
		want   Action
	}{
		{500, Retry},
		{502, Retry},
		{503, Retry},
		{504, Retry},
		{501, GiveUp},
		{400, GiveUp},
		{401, GiveUp},
		{403, GiveUp},
		{404, GiveUp},
		{409, GiveUp},
		{429, GiveUp},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			d := p.Decide(Outcome{Status: tt.status}, 1)
			if d.Action != tt.want {
				t.Errorf("Decide(%d) = %v, want %v", tt.status, d.Action, tt.want)
			}
			if d.Action == GiveUp && d.Delay != 0 {
				t.Errorf("give_up carries delay %v", d.Delay)
			}
		})
	}
}

func TestDecide_TransportErrors(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"deadline exceeded", context.DeadlineExceeded, Retry},
		{"wrapped deadline", fmt.Errorf("do request: %w", context.DeadlineExceeded), Retry},
		{"net timeout", &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, Retry},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, GiveUp},
		{"canceled", context.Canceled, GiveUp},
		{"plain", errors.New("boom"), GiveUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(Outcome{Err: tt.err}, 1)
			if d.Action != tt.want {
				t.Errorf("Decide(%v) = %v, want %v", tt.err, d.Action, tt.want)
			}
		})
	}
}

func TestDecide_InvalidAttempt(t *testing.T) {
	p := DefaultPolicy()
	if d := p.Decide(Outcome{Status: 500}, 0); d.Action != GiveUp {
		t.Errorf("attempt 0: Action = %v, want give_up", d.Action)
	}
}

func TestDecide_ZeroRetries(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRetries = 0
	if d := p.Decide(Outcome{Status: 500}, 1); d.Action != GiveUp {
		t.Errorf("Action = %v, want give_up with no retry budget", d.Action)
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"first", Policy{BaseDelay: time.Second, Multiplier: 2}, 1, time.Second},
		{"fifth", Policy{BaseDelay: time.Second, Multiplier: 2}, 5, 16 * time.Second},
		{"triple", Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 3}, 3, 900 * time.Millisecond},
		{"flat", Policy{BaseDelay: time.Second, Multiplier: 1}, 4, time.Second},
		{"below one clamps", Policy{BaseDelay: time.Second, Multiplier: 0}, 3, time.Second},
		{"attempt zero clamps", Policy{BaseDelay: time.Second, Multiplier: 2}, 0, time.Second},
		{"overflow saturates", Policy{BaseDelay: time.Hour, Multiplier: 10}, 40, time.Duration(1<<63 - 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if IsTimeout(nil) {
		t.Error("IsTimeout(nil) = true")
	}
	if !IsTimeout(timeoutErr{}) {
		t.Error("IsTimeout(timeoutErr) = false")
	}
	if IsTimeout(context.Canceled) {
		t.Error("IsTimeout(Canceled) = true")
	}
}
