package validation

import (
	"math"
	"testing"
	"time"
)

func TestIsValidAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		want   bool
	}{
		{"positive", 150.5, true},
		{"zero", 0, false},
		{"negative", -10, false},
		{"nan", math.NaN(), false},
		{"positive infinity", math.Inf(1), false},
		{"negative infinity", math.Inf(-1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidAmount(tt.amount); got != tt.want {
				t.Fatalf("IsValidAmount(%v) = %v, want %v", tt.amount, got, tt.want)
			}
		})
	}
}

func TestIsValidWindow(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  bool
	}{
		{"future window", now.Add(time.Hour), now.Add(2 * time.Hour), true},
		{"starts now", now, now.Add(time.Hour), true},
		{"start in past", now.Add(-time.Minute), now.Add(time.Hour), false},
		{"inverted", now.Add(2 * time.Hour), now.Add(time.Hour), false},
		{"equal bounds", now.Add(time.Hour), now.Add(time.Hour), false},
		{"zero start", time.Time{}, now.Add(time.Hour), false},
		{"zero end", now.Add(time.Hour), time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidWindow(tt.start, tt.end, now); got != tt.want {
				t.Fatalf("IsValidWindow(%v, %v) = %v, want %v", tt.start, tt.end, got, tt.want)
			}
		})
	}
}
