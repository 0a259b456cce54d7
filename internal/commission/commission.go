// Package commission содержит политику расчёта комиссии площадки.
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Policy вычисляет комиссию площадки по сумме выигравшей ставки.
type Policy interface {
	Calculate(amount int64) int64
}

// RatePolicy начисляет комиссию как фиксированную долю от выигравшей ставки.
type RatePolicy struct {
	rate decimal.Decimal
}

// NewRatePolicy создаёт политику по строковой ставке вида "0.05".
func NewRatePolicy(rate string) (*RatePolicy, error) {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse commission rate: %w", err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("commission rate %s out of range [0, 1]", rate)
	}
	return &RatePolicy{rate: d}, nil
}

// Calculate возвращает комиссию в копейках, округлённую вниз до копейки.
func (p *RatePolicy) Calculate(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(p.rate).Floor().IntPart()
}
