package commission

import "testing"

func TestNewRatePolicy_RejectsBadRates(t *testing.T) {
	for _, rate := range []string{"", "abc", "-0.1", "1.5"} {
		if _, err := NewRatePolicy(rate); err == nil {
			t.Fatalf("NewRatePolicy(%q): expected error", rate)
		}
	}
}

func TestRatePolicy_Calculate(t *testing.T) {
	policy, err := NewRatePolicy("0.05")
	if err != nil {
		t.Fatalf("NewRatePolicy: %v", err)
	}

	tests := []struct {
		name   string
		amount int64
		want   int64
	}{
		{"5% of 200.00", 20000, 1000},
		{"rounds down to kopeck", 999, 49},
		{"zero amount", 0, 0},
		{"negative amount", -100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.Calculate(tt.amount); got != tt.want {
				t.Fatalf("Calculate(%d) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}

func TestRatePolicy_ZeroRate(t *testing.T) {
	policy, err := NewRatePolicy("0")
	if err != nil {
		t.Fatalf("NewRatePolicy: %v", err)
	}
	if got := policy.Calculate(20000); got != 0 {
		t.Fatalf("Calculate(20000) = %d, want 0", got)
	}
}
