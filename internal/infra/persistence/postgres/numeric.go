package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// numericText renders a decimal for a NUMERIC parameter.
func numericText(value decimal.Decimal) string {
	return value.String()
}

// parseNumeric converts a NUMERIC column selected as ::text.
func parseNumeric(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return d, nil
}

type numericField struct {
	dst *decimal.Decimal
	raw string
}

func parseNumerics(fields ...numericField) error {
	for _, f := range fields {
		d, err := parseNumeric(f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}
