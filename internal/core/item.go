package core

import (
	"errors"
	"math"
)

var ErrInvalidAmount = errors.New("item amount must be a finite non-negative number")

// Total returns amount × quantity. A zero quantity counts as one.
func (i Item) Total() (float64, error) {
	quantity := i.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 0 {
		return 0, ErrInvalidAmount
	}

	total := i.Amount * float64(quantity)
	if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 {
		return 0, ErrInvalidAmount
	}

	return total, nil
}
