// Package money implements the fixed-point USD amount used for every
// monetary field in the enforcement control plane (§3, §4.A: "all monetary
// fields are fixed-point decimals with 6 fractional digits"). Floating point
// is never used for money: policy-document hashes and ledger amounts must be
// stable across platforms.
package money

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"regexp"
)

// Scale is the number of fractional digits carried by every Amount.
const Scale = 6

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

var decimalPattern = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]{1,6})?$`)

// Amount is a fixed-point decimal with exactly Scale fractional digits,
// stored as an integer count of micro-dollars (amount * 10^6). It marshals
// to/from JSON as a canonical decimal string so it participates correctly
// in JCS canonicalization (no float64 ambiguity).
type Amount struct {
	micros *big.Int
}

// Zero is the additive identity.
func Zero() Amount { return Amount{micros: big.NewInt(0)} }

// FromMicros constructs an Amount directly from micro-dollar units.
func FromMicros(micros int64) Amount {
	return Amount{micros: big.NewInt(micros)}
}

// Parse parses a decimal string with at most 6 fractional digits.
func Parse(s string) (Amount, error) {
	if s == "" {
		return Zero(), nil
	}
	if !decimalPattern.MatchString(s) {
		return Amount{}, fmt.Errorf("money: invalid decimal %q (expected [+-]?digits(.up to 6 digits))", s)
	}
	rat, ok := new(big.Rat).SetString(s)
	if !ok {
		return Amount{}, fmt.Errorf("money: could not parse %q", s)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scaleFactor))
	if !scaled.IsInt() {
		return Amount{}, fmt.Errorf("money: %q exceeds 6 fractional digits", s)
	}
	return Amount{micros: scaled.Num()}, nil
}

// MustParse panics on parse failure; used only for compile-time constants in
// tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) ensure() *big.Int {
	if a.micros == nil {
		return big.NewInt(0)
	}
	return a.micros
}

// String renders the canonical decimal form, always with exactly 6
// fractional digits, matching §4.A's canonicalization requirement.
func (a Amount) String() string {
	v := new(big.Int).Set(a.ensure())
	sign := ""
	if v.Sign() < 0 {
		sign = "-"
		v.Abs(v)
	}
	intPart := new(big.Int).Div(v, scaleFactor)
	frac := new(big.Int).Mod(v, scaleFactor)
	return fmt.Sprintf("%s%s.%06d", sign, intPart.String(), frac.Int64())
}

// Micros returns the raw micro-dollar integer value.
func (a Amount) Micros() int64 { return a.ensure().Int64() }

func (a Amount) Add(b Amount) Amount {
	return Amount{micros: new(big.Int).Add(a.ensure(), b.ensure())}
}

func (a Amount) Sub(b Amount) Amount {
	return Amount{micros: new(big.Int).Sub(a.ensure(), b.ensure())}
}

func (a Amount) Neg() Amount {
	return Amount{micros: new(big.Int).Neg(a.ensure())}
}

// Mul multiplies by a rational scalar expressed as numerator/denominator,
// rounding half-up, used for burn-rate and forecast arithmetic (§4.C).
func (a Amount) MulRat(num, den int64) Amount {
	rat := new(big.Rat).SetFrac(new(big.Int).Mul(a.ensure(), big.NewInt(num)), big.NewInt(den))
	intPart, rem := new(big.Int).QuoRem(rat.Num(), rat.Denom(), new(big.Int))
	twiceRem := new(big.Int).Mul(rem, big.NewInt(2))
	if twiceRem.CmpAbs(rat.Denom()) >= 0 {
		if rat.Sign() >= 0 {
			intPart.Add(intPart, big.NewInt(1))
		} else {
			intPart.Sub(intPart, big.NewInt(1))
		}
	}
	return Amount{micros: intPart}
}

func (a Amount) Cmp(b Amount) int { return a.ensure().Cmp(b.ensure()) }

func (a Amount) IsNegative() bool { return a.ensure().Sign() < 0 }
func (a Amount) IsZero() bool     { return a.ensure().Sign() == 0 }

// Ratio returns a/b as a float64, solely for risk-score thresholds (§4.C)
// which are documented as approximate monotonic functions, not ledger math.
func (a Amount) Ratio(b Amount) float64 {
	if b.ensure().Sign() == 0 {
		return 0
	}
	rat := new(big.Rat).SetFrac(a.ensure(), b.ensure())
	f, _ := rat.Float64()
	return f
}

// MarshalJSON renders the canonical decimal string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number
// (defensively, for callers that haven't adopted the string convention).
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements database/sql/driver.Valuer, storing amounts as decimal
// strings (NUMERIC columns) so Postgres enforces the same precision.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Zero()
		return nil
	case string:
		p, err := Parse(v)
		if err != nil {
			return err
		}
		*a = p
		return nil
	case []byte:
		p, err := Parse(string(v))
		if err != nil {
			return err
		}
		*a = p
		return nil
	case float64:
		p, err := Parse(fmt.Sprintf("%.6f", v))
		if err != nil {
			return err
		}
		*a = p
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}
