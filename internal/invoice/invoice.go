// Package invoice turns an invoice item selection into priced lines and the
// printed forms of its total.
package invoice

import (
	"errors"
	"fmt"
	"math"

	"github.com/matt-riley/formz/internal/core"
)

// ErrMixedCurrency guards hand-assembled multi-item selections. SelectItems
// resolves a single linked item, so its selections never trip it.
var ErrMixedCurrency = errors.New("invoice lines use different currencies")

type Line struct {
	ItemID     string  `json:"itemId"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	UnitAmount float64 `json:"unitAmount"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

type Invoice struct {
	RuleID       string  `json:"ruleId,omitempty"`
	Type         string  `json:"type"`
	Category     string  `json:"category"`
	Package      string  `json:"package"`
	Lines        []Line  `json:"lines"`
	Total        float64 `json:"total"`
	Currency     string  `json:"currency"`
	TotalInWords string  `json:"totalInWords"`
}

// Build prices the items of selection. A positive quantity overrides the
// quantity stored on every item. A selection without items yields an invoice
// with no lines whose total is the selection amount.
func Build(selection core.Selection, quantity int) (Invoice, error) {
	inv := Invoice{
		RuleID:   selection.RuleID,
		Type:     selection.Type,
		Category: selection.Category,
		Package:  selection.Package,
		Lines:    make([]Line, 0, len(selection.Items)),
		Total:    selection.Amount,
		Currency: selection.Currency,
	}

	if len(selection.Items) > 0 {
		inv.Total = 0
	}
	for _, item := range selection.Items {
		if quantity > 0 {
			item.Quantity = quantity
		}
		amount, err := item.Total()
		if err != nil {
			return Invoice{}, fmt.Errorf("price item %q: %w", item.ID, err)
		}

		currency := item.Currency
		if currency == "" {
			currency = core.FallbackCurrency
		}
		if len(inv.Lines) == 0 {
			inv.Currency = currency
		} else if currency != inv.Currency {
			return Invoice{}, fmt.Errorf("item %q in %s: %w", item.ID, currency, ErrMixedCurrency)
		}

		lineQuantity := item.Quantity
		if lineQuantity == 0 {
			lineQuantity = 1
		}
		inv.Lines = append(inv.Lines, Line{
			ItemID:     item.ID,
			Name:       item.Name,
			Quantity:   lineQuantity,
			UnitAmount: item.Amount,
			Amount:     amount,
			Currency:   currency,
		})
		inv.Total += amount
	}

	if math.IsInf(inv.Total, 0) || math.IsNaN(inv.Total) || inv.Total < 0 {
		return Invoice{}, core.ErrInvalidAmount
	}

	words, err := AmountInWords(inv.Total, inv.Currency)
	switch {
	case errors.Is(err, ErrAmountTooLarge):
		// Too large to spell: print the figure instead of losing the invoice.
		words = fmt.Sprintf("%.2f %s", inv.Total, inv.Currency)
	case err != nil:
		return Invoice{}, err
	}
	inv.TotalInWords = words

	return inv, nil
}
