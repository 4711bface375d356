package invoice

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// FormatAmount renders amount with the currency symbol for the given
// language, e.g. "$ 12.50" or "₽ 1200.00".
func FormatAmount(amount float64, code string, lang language.Tag) (string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", fmt.Errorf("parse currency %q: %w", code, err)
	}

	printer := message.NewPrinter(lang)
	return printer.Sprint(currency.Symbol(unit.Amount(amount))), nil
}
