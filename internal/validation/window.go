// Package validation содержит функции валидации входных данных.
package validation

import (
	"math"
	"time"
)

// IsValidAmount проверяет, что сумма ставки — конечное положительное число.
func IsValidAmount(amount float64) bool {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return false
	}
	return amount > 0
}

// IsValidWindow проверяет окно аукциона: начало не в прошлом и строго раньше конца.
func IsValidWindow(start, end, now time.Time) bool {
	if start.IsZero() || end.IsZero() {
		return false
	}
	if start.Before(now) {
		return false
	}
	return start.Before(end)
}
