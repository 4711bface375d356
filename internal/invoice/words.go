package invoice

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/matt-riley/formz/internal/core"
)

type gender int

const (
	masculine gender = iota
	feminine
)

// forms holds the singular, paucal (2-4) and plural forms of a noun.
type forms [3]string

var (
	rubleForms    = forms{"рубль", "рубля", "рублей"}
	kopeckForms   = forms{"копейка", "копейки", "копеек"}
	thousandForms = forms{"тысяча", "тысячи", "тысяч"}
	millionForms  = forms{"миллион", "миллиона", "миллионов"}
	billionForms  = forms{"миллиард", "миллиарда", "миллиардов"}
)

var (
	unitsMasculine = [...]string{"", "один", "два", "три", "четыре", "пять", "шесть", "семь", "восемь", "девять"}
	unitsFeminine  = [...]string{"", "одна", "две", "три", "четыре", "пять", "шесть", "семь", "восемь", "девять"}
	teens          = [...]string{"десять", "одиннадцать", "двенадцать", "тринадцать", "четырнадцать", "пятнадцать", "шестнадцать", "семнадцать", "восемнадцать", "девятнадцать"}
	tens           = [...]string{"", "", "двадцать", "тридцать", "сорок", "пятьдесят", "шестьдесят", "семьдесят", "восемьдесят", "девяносто"}
	hundreds       = [...]string{"", "сто", "двести", "триста", "четыреста", "пятьсот", "шестьсот", "семьсот", "восемьсот", "девятьсот"}
)

// maxWordsAmount bounds the integer part AmountInWords can spell.
const maxWordsAmount = 999_999_999_999

// WordsLimit is the exclusive upper bound of amounts AmountInWords accepts.
const WordsLimit = maxWordsAmount + 1

// ErrAmountTooLarge is returned for amounts of WordsLimit or more.
var ErrAmountTooLarge = errors.New("amount too large to spell")

// AmountInWords spells amount in Russian. Rouble amounts read
// "<words> рубль|рубля|рублей NN копейка|копейки|копеек"; any other currency
// reads "<words> <ISO>" followed by the minor units as "NN/100" when non-zero.
func AmountInWords(amount float64, currency string) (string, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return "", core.ErrInvalidAmount
	}

	// Checked in float64: the int64 conversion below overflows near 9.2e16.
	if amount >= WordsLimit {
		return "", fmt.Errorf("amount %.2f: %w", amount, ErrAmountTooLarge)
	}

	minor := int64(math.Round(amount * 100))
	whole, fraction := minor/100, minor%100
	if whole > maxWordsAmount {
		return "", fmt.Errorf("amount %.2f: %w", amount, ErrAmountTooLarge)
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = core.FallbackCurrency
	}

	words := spell(whole, masculine)
	if currency == "RUB" {
		return fmt.Sprintf("%s %s %02d %s", words, rubleForms.pick(whole), fraction, kopeckForms.pick(fraction)), nil
	}
	if fraction == 0 {
		return fmt.Sprintf("%s %s", words, currency), nil
	}
	return fmt.Sprintf("%s %s %02d/100", words, currency, fraction), nil
}

func (f forms) pick(n int64) string {
	n %= 100
	if n >= 11 && n <= 14 {
		return f[2]
	}
	switch n % 10 {
	case 1:
		return f[0]
	case 2, 3, 4:
		return f[1]
	default:
		return f[2]
	}
}

func spell(n int64, g gender) string {
	if n == 0 {
		return "ноль"
	}

	scales := []struct {
		size  int64
		forms forms
		g     gender
	}{
		{1_000_000_000, billionForms, masculine},
		{1_000_000, millionForms, masculine},
		{1_000, thousandForms, feminine},
	}

	var words []string
	for _, scale := range scales {
		group := n / scale.size
		n %= scale.size
		if group == 0 {
			continue
		}
		words = append(words, spellTriad(group, scale.g)...)
		words = append(words, scale.forms.pick(group))
	}
	words = append(words, spellTriad(n, g)...)

	return strings.Join(words, " ")
}

func spellTriad(n int64, g gender) []string {
	var words []string
	if h := n / 100; h > 0 {
		words = append(words, hundreds[h])
	}

	rest := n % 100
	switch {
	case rest >= 10 && rest < 20:
		words = append(words, teens[rest-10])
	default:
		if t := rest / 10; t > 1 {
			words = append(words, tens[t])
		}
		if u := rest % 10; u > 0 {
			if g == feminine {
				words = append(words, unitsFeminine[u])
			} else {
				words = append(words, unitsMasculine[u])
			}
		}
	}

	return words
}
