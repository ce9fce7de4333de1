package httpapi

import (
	"github.com/valdrix-ai/ecp/pkg/money"
)

// parseMoney treats an empty string as zero rather than an error, since
// several request bodies in §6 only populate one of a monthly/hourly pair.
func parseMoney(s string) (money.Amount, error) {
	if s == "" {
		return money.Zero(), nil
	}
	return money.Parse(s)
}
