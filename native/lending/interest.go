package lending

import (
	"errors"
	"fmt"
	"math/big"
)

// InterestModel encapsulates the parameters that shape how interest rates react
// to pool utilisation. Every field is an annual fraction in wad precision, so
// a 4% slope is 0.04e18 and an 80% kink is 0.8e18.
type InterestModel struct {
	// BaseRate is the borrow APR applied when utilisation is zero.
	BaseRate *big.Int
	// Slope1 is the APR increase per unit of utilisation up to the kink.
	Slope1 *big.Int
	// Slope2 is the APR increase per unit of utilisation beyond the kink.
	Slope2 *big.Int
	// Kink is the utilisation where Slope2 takes over.
	Kink *big.Int
}

var errInvalidInterestModel = errors.New("lending engine: invalid interest model")

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneInt(m.BaseRate),
		Slope1:   cloneInt(m.Slope1),
		Slope2:   cloneInt(m.Slope2),
		Kink:     cloneInt(m.Kink),
	}
}

// NewInterestModelBps constructs a model from basis-point inputs, the unit the
// pool catalogue uses.
func NewInterestModelBps(baseBps, slope1Bps, slope2Bps, kinkBps uint64) *InterestModel {
	return &InterestModel{
		BaseRate: BpsToWad(baseBps),
		Slope1:   BpsToWad(slope1Bps),
		Slope2:   BpsToWad(slope2Bps),
		Kink:     BpsToWad(kinkBps),
	}
}

// Validate rejects curves that could decrease with utilisation. Non-negative
// slopes joined continuously at the kink guarantee a monotonic curve.
func (m *InterestModel) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: model required", errInvalidInterestModel)
	}
	if m.BaseRate == nil || m.Slope1 == nil || m.Slope2 == nil || m.Kink == nil {
		return fmt.Errorf("%w: all parameters required", errInvalidInterestModel)
	}
	if m.BaseRate.Sign() < 0 || m.Slope1.Sign() < 0 || m.Slope2.Sign() < 0 {
		return fmt.Errorf("%w: rates must not be negative", errInvalidInterestModel)
	}
	if m.Kink.Sign() <= 0 || m.Kink.Cmp(wad) > 0 {
		return fmt.Errorf("%w: kink must be within (0, 1]", errInvalidInterestModel)
	}
	return nil
}

// Utilisation computes U = totalBorrowed / totalSupplied in wad, capped at 1.
// When no liquidity exists the utilisation is defined as zero.
func (m *InterestModel) Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Int {
	if totalBorrowed == nil || totalBorrowed.Sign() <= 0 {
		return big.NewInt(0)
	}
	if totalSupplied == nil || totalSupplied.Sign() <= 0 {
		return big.NewInt(0)
	}
	u := mulDivDown(totalBorrowed, wad, totalSupplied)
	if u.Cmp(wad) > 0 {
		return new(big.Int).Set(wad)
	}
	return u
}

// BorrowAPR derives the annual borrow rate at the current utilisation.
func (m *InterestModel) BorrowAPR(totalBorrowed, totalSupplied *big.Int) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	rate := cloneInt(m.BaseRate)
	u := m.Utilisation(totalBorrowed, totalSupplied)
	if u.Sign() == 0 {
		return rate
	}
	kink := zeroIfNil(m.Kink)
	if kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		return rate.Add(rate, mulDivDown(m.Slope1, u, wad))
	}
	rate.Add(rate, mulDivDown(m.Slope1, kink, wad))
	excess := new(big.Int).Sub(u, kink)
	return rate.Add(rate, mulDivDown(m.Slope2, excess, wad))
}

// BorrowRatePerSecond converts the APR into the per-second wad rate used by
// accrual, rounding down.
func (m *InterestModel) BorrowRatePerSecond(totalBorrowed, totalSupplied *big.Int) *big.Int {
	apr := m.BorrowAPR(totalBorrowed, totalSupplied)
	return apr.Quo(apr, secondsPerYear)
}

// SupplyAPR derives the lender rate: borrow APR x utilisation x (1 - fee).
// protocolFee is a wad fraction.
func (m *InterestModel) SupplyAPR(totalBorrowed, totalSupplied, protocolFee *big.Int) *big.Int {
	borrow := m.BorrowAPR(totalBorrowed, totalSupplied)
	u := m.Utilisation(totalBorrowed, totalSupplied)
	if borrow.Sign() == 0 || u.Sign() == 0 {
		return big.NewInt(0)
	}
	keep := subFloor(wad, protocolFee)
	rate := mulDivDown(borrow, u, wad)
	return mulDivDown(rate, keep, wad)
}

// DefaultInterestModel provides a reasonable starting configuration featuring a
// kinked interest rate curve with a modest base rate.
var DefaultInterestModel = NewInterestModelBps(200, 400, 7_500, 8_000)
