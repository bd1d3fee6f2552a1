// Package fixedpoint implements the checked unsigned arithmetic shared by the
// liquidation engine, the oracle arbiter and the boost calculator.
//
// Values are 256-bit unsigned integers (holiman/uint256). Token amounts and
// prices carry 18 decimals, so 1e18 represents 1.0:
//   - Add, Sub and Mul never wrap; an overflow or underflow aborts the call
//   - Div floors, matching integer division on the settlement layer
//   - ComputeCR returns MaxUint256 for zero debt (infinitely healthy)
//
// Checked operations panic with an *Error. Entry points that perform a whole
// unit of work defer Recover to turn that panic back into a returned error,
// so a failed computation never leaves partial state behind.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by amounts and prices.
const Decimals = 18

var (
	// ErrOverflow is raised when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrUnderflow is raised when a subtraction would go below zero.
	ErrUnderflow = errors.New("fixedpoint: arithmetic underflow")

	// ErrDivisionByZero is raised by Div and MulDiv on a zero divisor.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrNegative is returned when converting a negative decimal.
	ErrNegative = errors.New("fixedpoint: negative value")
)

var (
	// Precision is 1e18, the unit of every scaled value.
	Precision = uint256.NewInt(1_000_000_000_000_000_000)

	// NICRPrecision scales nominal collateral ratios (collateral over debt
	// without a price) so that ordering survives integer division.
	NICRPrecision = new(uint256.Int).Mul(Precision, uint256.NewInt(100))

	// MaxUint256 is the sentinel ratio of a position without debt.
	MaxUint256 = new(uint256.Int).SetAllOne()
)

// Error is the panic payload of a failed checked operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recover converts an arithmetic panic into an error stored in *errp.
// Any other panic is re-raised. Use it as `defer fixedpoint.Recover(&err)`.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if fe, ok := r.(*Error); ok {
		*errp = fe
		return
	}
	panic(r)
}

// New returns v as a 256-bit integer.
func New(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Units returns v whole units, i.e. v * 1e18.
func Units(v uint64) *uint256.Int {
	return Mul(uint256.NewInt(v), Precision)
}

// Clone copies x; a nil x yields zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// Add returns a + b.
func Add(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		panic(&Error{Op: "add", Err: ErrOverflow})
	}
	return z
}

// Sub returns a - b.
func Sub(a, b *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		panic(&Error{Op: "sub", Err: ErrUnderflow})
	}
	return z
}

// Mul returns a * b.
func Mul(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		panic(&Error{Op: "mul", Err: ErrOverflow})
	}
	return z
}

// Div returns floor(a / b).
func Div(a, b *uint256.Int) *uint256.Int {
	if b.IsZero() {
		panic(&Error{Op: "div", Err: ErrDivisionByZero})
	}
	return new(uint256.Int).Div(a, b)
}

// MulDiv returns floor(a * b / d). The product is checked before dividing,
// as it would be on the settlement layer.
func MulDiv(a, b, d *uint256.Int) *uint256.Int {
	return Div(Mul(a, b), d)
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return Clone(a)
	}
	return Clone(b)
}

// Max returns the larger of a and b.
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return Clone(a)
	}
	return Clone(b)
}

// ComputeCR returns coll * price / debt, or MaxUint256 when debt is zero.
func ComputeCR(coll, debt, price *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return Clone(MaxUint256)
	}
	return MulDiv(coll, price, debt)
}

// ComputeNominalCR returns coll * 1e20 / debt, the price-independent ratio
// used to keep positions ordered.
func ComputeNominalCR(coll, debt *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return Clone(MaxUint256)
	}
	return MulDiv(coll, NICRPrecision, debt)
}

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// ScaleDecimals rescales a value with `from` decimals to 18 decimals.
func ScaleDecimals(v *uint256.Int, from uint8) *uint256.Int {
	switch {
	case from == Decimals:
		return Clone(v)
	case from < Decimals:
		return Mul(v, Pow10(Decimals-from))
	default:
		return Div(v, Pow10(from-Decimals))
	}
}

// FromBig converts a non-negative big integer.
func FromBig(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return new(uint256.Int), nil
	}
	if b.Sign() < 0 {
		return nil, ErrNegative
	}
	z, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// FromDecimal converts a human-readable decimal (e.g. "1.1") into an 18
// decimal fixed-point value, truncating extra precision.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	return FromBig(d.Shift(Decimals).BigInt())
}

// MustDecimal is FromDecimal for package-level constants.
func MustDecimal(s string) *uint256.Int {
	z, err := FromDecimal(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return z
}

// ToDecimal renders an 18 decimal fixed-point value for display and storage.
func ToDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -Decimals)
}

// ParseInteger parses a base-10 integer string such as "1000000000000000000".
func ParseInteger(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	return z, nil
}
