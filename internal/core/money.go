package core

import "fmt"

// currencyNames maps the ISO-4217 numeric codes the provider actually
// sends to display names. Unknown codes render as the bare number.
var currencyNames = map[int]string{
	980: "UAH",
	840: "USD",
	978: "EUR",
	985: "PLN",
	826: "GBP",
}

// CurrencyName returns the alphabetic name for a numeric currency code,
// or its decimal form when the code is unknown.
func CurrencyName(code int) string {
	if name, ok := currencyNames[code]; ok {
		return name
	}
	return fmt.Sprintf("%d", code)
}

// Format renders the amount in major units with the currency name,
// e.g. "-125.50 UAH".
func (m Money) Format(currencyCode int) string {
	return fmt.Sprintf("%.2f %s", float64(m.Cents)/100, CurrencyName(currencyCode))
}
