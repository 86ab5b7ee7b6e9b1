package store

import (
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Base: 250 * time.Millisecond, Max: 4 * time.Second}
	cases := []struct {
		failed int
		want   time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{10, 4 * time.Second},
		{64, 4 * time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.failed); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.failed, got, c.want)
		}
	}
	if got := (RetryPolicy{}).Delay(2); got != 0 {
		t.Errorf("zero policy Delay = %v, want 0", got)
	}
}

func TestExpiryRetryPolicy_FitsRequestWindow(t *testing.T) {
	var total time.Duration
	for i := 0; i < DefaultJobMaxAttempts; i++ {
		total += ExpiryRetryPolicy.Delay(i)
	}
	if total >= 30*time.Second {
		t.Errorf("expiry retries span %v, want well under the 30s window", total)
	}
}
