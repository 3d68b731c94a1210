package checkout

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var ErrPromotionRejected = errors.New("promotion rejected")

// FixedCodes is a static table of codes to flat discounts in minor units.
// It stands in for the promotions service in local setups.
type FixedCodes map[string]int64

func (f FixedCodes) Discount(_ context.Context, _ string, code string, _ int64) (int64, error) {
	d, ok := f[strings.ToUpper(code)]
	if !ok {
		return 0, ErrPromotionRejected
	}
	return d, nil
}

// ParseFixedCodes reads "CODE=amount,CODE2=amount".
func ParseFixedCodes(s string) FixedCodes {
	out := FixedCodes{}
	for _, part := range strings.Split(s, ",") {
		code, amt, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || code == "" {
			continue
		}
		n, err := strconv.ParseInt(amt, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		out[strings.ToUpper(code)] = n
	}
	return out
}
