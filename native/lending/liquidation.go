package lending

import (
	"fmt"
	"math/big"

	"senja/core/events"
	"senja/crypto"
)

// Liquidate repays up to repayShares of an unhealthy borrower's debt on behalf
// of the liquidator and transfers the collateral owed, including the
// liquidation incentive, to the liquidator. A zero repayShares requests the
// maximum the close factor allows.
//
// Health is re-evaluated after accrual and before any mutation; a position
// that is healthy by then fails with ErrPositionHealthy and nothing is
// written. When the seizable collateral cannot cover the requested repayment,
// the repayment is reduced first, rounding up so that collateral is never
// released without a nonzero repayment, and all collateral is seized. Debt left on a position without collateral is written off as bad
// debt and reported through LiquidationResult.Residual.
func (e *Engine) Liquidate(id PoolID, liquidator, borrower crypto.Address, repayShares *big.Int) (*LiquidationResult, error) {
	var result *LiquidationResult
	err := e.mutate("liquidate", func(t *tx) error {
		var err error
		result, err = t.liquidate(id, liquidator, borrower, repayShares)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *tx) liquidate(id PoolID, liquidator, borrower crypto.Address, requested *big.Int) (*LiquidationResult, error) {
	if requested != nil && requested.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	params, pool, err := t.accrued(id)
	if err != nil {
		return nil, err
	}
	pos, err := t.state.position(id, borrower)
	if err != nil {
		return nil, err
	}
	report, err := evaluateHealth(params, pool, pos, t.e.prices)
	if err != nil {
		return nil, err
	}
	if report.Healthy {
		return nil, ErrPositionHealthy
	}

	maxShares := mulDivDown(pos.BorrowShares, params.CloseFactor, wad)
	if maxShares.Sign() == 0 {
		maxShares = new(big.Int).Set(pos.BorrowShares)
	}
	repayShares := new(big.Int).Set(maxShares)
	if requested != nil && requested.Sign() > 0 {
		if requested.Cmp(pos.BorrowShares) > 0 {
			return nil, fmt.Errorf("%w: owes %s shares, repaying %s", ErrRepayExceedsDebt, pos.BorrowShares, requested)
		}
		repayShares = minInt(requested, maxShares)
	}

	quote, err := t.seizeQuote(params)
	if err != nil {
		return nil, err
	}
	repaidAssets := toAssetsUp(repayShares, pool.TotalBorrowAssets, pool.TotalBorrowShares)
	seized := quote.seize(repaidAssets)
	if seized.Cmp(pos.Collateral) > 0 {
		repayShares = mulDivUp(repayShares, pos.Collateral, seized)
		repaidAssets = toAssetsUp(repayShares, pool.TotalBorrowAssets, pool.TotalBorrowShares)
		seized = minInt(quote.seize(repaidAssets), pos.Collateral)
	}
	if seized.Sign() > 0 && repaidAssets.Sign() == 0 {
		return nil, fmt.Errorf("%w: repayment for %s collateral rounds to zero", ErrZeroShares, seized)
	}
	base := minInt(quote.base(repaidAssets), seized)

	result := &LiquidationResult{
		SeizedCollateral: seized,
		RepaidShares:     repayShares,
		RepaidAssets:     repaidAssets,
		IncentiveAmount:  new(big.Int).Sub(seized, base),
		BadDebtShares:    big.NewInt(0),
		BadDebtAssets:    big.NewInt(0),
	}

	pos.Collateral.Sub(pos.Collateral, seized)
	pos.BorrowShares.Sub(pos.BorrowShares, repayShares)
	pool.TotalBorrowShares.Sub(pool.TotalBorrowShares, repayShares)
	pool.TotalBorrowAssets = subFloor(pool.TotalBorrowAssets, repaidAssets)

	if pos.Collateral.Sign() == 0 && pos.BorrowShares.Sign() > 0 {
		badShares := new(big.Int).Set(pos.BorrowShares)
		badAssets := minInt(toAssetsUp(badShares, pool.TotalBorrowAssets, pool.TotalBorrowShares), pool.TotalBorrowAssets)
		pos.BorrowShares.SetInt64(0)
		pool.TotalBorrowShares.Sub(pool.TotalBorrowShares, badShares)
		pool.TotalBorrowAssets.Sub(pool.TotalBorrowAssets, badAssets)
		pool.TotalSupplyAssets = subFloor(pool.TotalSupplyAssets, badAssets)
		pool.BadDebt = new(big.Int).Add(zeroIfNil(pool.BadDebt), badAssets)
		result.BadDebtShares = badShares
		result.BadDebtAssets = badAssets
		result.Residual = ErrBadDebtResidual
		if err := t.state.putBadDebt(BadDebtRecord{Pool: id, Borrower: borrower, Shares: badShares, Assets: badAssets, Timestamp: t.now}); err != nil {
			return nil, err
		}
	}

	if err := t.state.putPosition(id, pos); err != nil {
		return nil, err
	}
	if err := t.state.putPool(id, pool); err != nil {
		return nil, err
	}
	if err := t.bank.Transfer(params.BorrowToken, liquidator, id.Vault(), repaidAssets); err != nil {
		return nil, err
	}
	if err := t.bank.Transfer(params.CollateralToken, id.Vault(), liquidator, seized); err != nil {
		return nil, err
	}

	t.emit(events.LendingLiquidated{
		Pool:             string(id),
		Liquidator:       liquidator,
		Borrower:         borrower,
		RepaidShares:     cloneInt(result.RepaidShares),
		RepaidAssets:     cloneInt(result.RepaidAssets),
		SeizedCollateral: cloneInt(result.SeizedCollateral),
		Incentive:        cloneInt(result.IncentiveAmount),
		BadDebtAssets:    cloneInt(result.BadDebtAssets),
	})
	if result.Residual != nil {
		t.emit(events.LendingBadDebt{
			Pool:     string(id),
			Borrower: borrower,
			Token:    params.BorrowToken,
			Shares:   cloneInt(result.BadDebtShares),
			Assets:   cloneInt(result.BadDebtAssets),
			Total:    cloneInt(pool.BadDebt),
		})
	}
	return result, nil
}

// seizeQuote holds the cross-multiplied price terms converting borrow assets
// into collateral units.
type seizeQuote struct {
	num       *big.Int // pBorrow * 10^collDec
	den       *big.Int // pColl * 10^borrowDec
	incentive *big.Int
}

func (t *tx) seizeQuote(params PoolParams) (seizeQuote, error) {
	collPrice, err := t.e.prices.Price(params.CollateralToken)
	if err != nil {
		return seizeQuote{}, err
	}
	borrowPrice, err := t.e.prices.Price(params.BorrowToken)
	if err != nil {
		return seizeQuote{}, err
	}
	if collPrice.Price == nil || collPrice.Price.Sign() <= 0 || borrowPrice.Price == nil || borrowPrice.Price.Sign() <= 0 {
		return seizeQuote{}, ErrInvalidPrice
	}
	return seizeQuote{
		num:       new(big.Int).Mul(borrowPrice.Price, pow10(params.CollateralDecimals)),
		den:       new(big.Int).Mul(collPrice.Price, pow10(params.BorrowDecimals)),
		incentive: new(big.Int).Add(wad, params.LiquidationIncentive),
	}, nil
}

// seize returns repaid * num * (1 + incentive) / (den * 1e18), rounded down.
func (q seizeQuote) seize(repaid *big.Int) *big.Int {
	numerator := new(big.Int).Mul(repaid, q.num)
	numerator.Mul(numerator, q.incentive)
	return numerator.Quo(numerator, new(big.Int).Mul(q.den, wad))
}

// base returns the collateral worth exactly repaid, rounded down.
func (q seizeQuote) base(repaid *big.Int) *big.Int {
	return mulDivDown(repaid, q.num, q.den)
}

// Liquidatable reports whether the position may be liquidated now. Oracle
// failures are returned rather than guessed.
func (e *Engine) Liquidatable(id PoolID, user crypto.Address) (bool, error) {
	report, err := e.Health(id, user)
	if err != nil {
		return false, err
	}
	return !report.Healthy, nil
}
