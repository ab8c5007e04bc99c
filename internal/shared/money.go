package shared

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moneyPrinter = message.NewPrinter(language.English)

// FormatAmount renders a monetary amount with grouping separators for audit
// notes and API payloads, e.g. 12345.6 -> "12,345.60".
func FormatAmount(v float64) string {
	return moneyPrinter.Sprintf("%.2f", v)
}
