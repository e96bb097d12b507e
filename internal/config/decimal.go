package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal is a YAML-aware fixed-point number. Monetary and percent knobs
// decode through it so config values never pass through IEEE-754 floats.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal builds a Decimal from a literal. It panics on malformed input
// and is intended for compile-time defaults only.
func NewDecimal(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}

// UnmarshalYAML decodes a scalar node from its raw text, accepting plain
// and scientific notation (1e-8).
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("cannot decode %v node into decimal", value.Kind)
	}
	if value.Value == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", value.Value, err)
	}
	d.Decimal = dec
	return nil
}

// MarshalYAML emits the value as a string to preserve precision.
func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
