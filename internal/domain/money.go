package domain

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// FormatAmount renders a minor-unit amount as a localized, symbol-prefixed
// string (e.g. "¥ 3,300", "$ 12.50") for user-facing messages. The amount is
// split into major and fractional parts with integer arithmetic, so totals
// past the 2^53 float mantissa still render exactly. Unknown currency codes
// fall back to a plain "<amount> <code>" rendering.
func FormatAmount(code string, minor int64) string {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(trimmed)
	if err != nil {
		return fmt.Sprintf("%d %s", minor, trimmed)
	}

	scale, _ := currency.Cash.Rounding(unit)
	pow := int64(1)
	for i := 0; i < scale; i++ {
		pow *= 10
	}

	major := minor / pow
	rem := minor % pow
	sign := ""
	if minor < 0 {
		sign = "-"
		major = -major
		rem = -rem
	}

	printer := message.NewPrinter(language.English)
	symbol := printer.Sprint(currency.Symbol(unit))
	if scale == 0 {
		return fmt.Sprintf("%s%s %s", sign, symbol, printer.Sprint(number.Decimal(major)))
	}
	return fmt.Sprintf("%s%s %s.%0*d", sign, symbol, printer.Sprint(number.Decimal(major)), scale, rem)
}
