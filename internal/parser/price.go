package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
)

var priceStrip = regexp.MustCompile(`[^0-9.,]`)

// commaDecimal lists base languages whose locales write 1.234,56.
var commaDecimal = map[string]bool{
	"de": true, "fr": true, "es": true, "it": true, "nl": true, "pt": true,
	"pl": true, "ru": true, "sv": true, "da": true, "fi": true, "nb": true,
	"cs": true, "tr": true, "id": true, "vi": true, "el": true, "hu": true,
}

// UsesDecimalComma reports whether a locale such as "de_DE" or "fr-CA" uses
// a comma as decimal separator.
func UsesDecimalComma(locale string) bool {
	if locale == "" {
		return false
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return false
	}
	base, _ := tag.Base()
	return commaDecimal[base.String()]
}

// ParsePrice reads a price out of free text such as "$1,299.00" or
// "1.299,00 €". locale breaks ties for a single separator followed by three
// digits. ok is false when no positive number is present.
func ParsePrice(text, locale string) (float64, bool) {
	numeric := priceStrip.ReplaceAllString(text, "")
	numeric = strings.Trim(numeric, ".,")
	if numeric == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(numeric, ",")
	lastDot := strings.LastIndex(numeric, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// European: 1.234,56
			numeric = strings.ReplaceAll(numeric, ".", "")
			numeric = strings.Replace(numeric, ",", ".", 1)
		} else {
			// US: 1,234.56
			numeric = strings.ReplaceAll(numeric, ",", "")
		}
	case lastComma >= 0:
		numeric = resolveSingle(numeric, ",", UsesDecimalComma(locale))
	case lastDot >= 0:
		numeric = resolveSingle(numeric, ".", !UsesDecimalComma(locale))
	}

	v, err := strconv.ParseFloat(numeric, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// resolveSingle handles numbers containing only one kind of separator.
// sepIsDecimal is the locale's opinion for the ambiguous "1.234" case.
func resolveSingle(numeric, sep string, sepIsDecimal bool) string {
	parts := strings.Split(numeric, sep)
	if len(parts) > 2 {
		return strings.Join(parts, "")
	}
	frac := parts[1]
	if len(frac) == 3 && !sepIsDecimal {
		return parts[0] + frac
	}
	return parts[0] + "." + frac
}

// RoundToCurrency rounds v to the standard scale of an ISO currency code.
// Unknown codes round to two decimals.
func RoundToCurrency(v float64, code string) float64 {
	scale := 2
	if unit, err := currency.ParseISO(code); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}
	pow := math.Pow(10, float64(scale))
	return math.Round(v*pow) / pow
}
