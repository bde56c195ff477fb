package domain

import (
	"fmt"
	"math"
)

// MigrationParams are the coefficients controlling how far each event
// category moves the evidence masses, plus the cap on their sum.
//
// C0/Xi0 apply to origination, C1/Xi1 to repayment credit and C2/Xi2 to
// liquidation. Values are shared read-only by every obligor scored with them.
type MigrationParams struct {
	C0  float64 `toml:"c0" json:"c0"`
	Xi0 float64 `toml:"xi0" json:"xi0"`
	C1  float64 `toml:"c1" json:"c1"`
	Xi1 float64 `toml:"xi1" json:"xi1"`
	C2  float64 `toml:"c2" json:"c2"`
	Xi2 float64 `toml:"xi2" json:"xi2"`
	Cap float64 `toml:"cap" json:"cap"`
}

// DefaultMigrationParams returns the calibrated coefficient set.
func DefaultMigrationParams() MigrationParams {
	return MigrationParams{
		C0:  0.24681373,
		Xi0: 124.3596776,
		C1:  0.63754091,
		Xi1: 154.91467195,
		C2:  0.31491661,
		Xi2: 42.90329494,
		Cap: 200,
	}
}

// Validate checks every coefficient is a finite positive number.
func (p MigrationParams) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"c0", p.C0}, {"xi0", p.Xi0},
		{"c1", p.C1}, {"xi1", p.Xi1},
		{"c2", p.C2}, {"xi2", p.Xi2},
		{"cap", p.Cap},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParams, f.name, f.v)
		}
	}
	return nil
}
