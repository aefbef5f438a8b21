package lending

import (
	"math/big"

	"senja/crypto"
	"senja/native/bank"
	"senja/native/oracle"
	"senja/native/settlement"
)

// evaluateHealth decides solvency on exact integers:
//
//	healthy iff debt == 0 or
//	debt * pBorrow * 10^collDec * 1e18 <= collateral * pColl * 10^borrowDec * ltv
//
// Debt is the position's borrow shares converted to assets rounding up. A
// position with debt and no collateral is unhealthy without consulting the
// oracle; any oracle failure is returned so callers fail closed.
func evaluateHealth(params PoolParams, pool *Pool, pos *Position, prices oracle.Reader) (HealthReport, error) {
	report := HealthReport{
		Collateral: cloneInt(pos.Collateral),
		Debt:       toAssetsUp(zeroIfNil(pos.BorrowShares), pool.TotalBorrowAssets, pool.TotalBorrowShares),
	}
	if report.Debt.Sign() == 0 {
		report.Healthy = true
		return report, nil
	}
	if report.Collateral.Sign() == 0 {
		report.CollateralValue = big.NewInt(0)
		report.MaxDebtValue = big.NewInt(0)
		report.HealthFactor = big.NewInt(0)
		return report, nil
	}
	if prices == nil {
		return report, ErrInvalidPrice
	}
	collPrice, err := prices.Price(params.CollateralToken)
	if err != nil {
		return report, err
	}
	borrowPrice, err := prices.Price(params.BorrowToken)
	if err != nil {
		return report, err
	}
	if collPrice.Price == nil || collPrice.Price.Sign() <= 0 || borrowPrice.Price == nil || borrowPrice.Price.Sign() <= 0 {
		return report, ErrInvalidPrice
	}
	collScale := pow10(params.CollateralDecimals)
	borrowScale := pow10(params.BorrowDecimals)

	lhs := new(big.Int).Mul(report.Debt, borrowPrice.Price)
	lhs.Mul(lhs, collScale)
	lhs.Mul(lhs, wad)
	rhs := new(big.Int).Mul(report.Collateral, collPrice.Price)
	rhs.Mul(rhs, borrowScale)
	rhs.Mul(rhs, params.LTV)
	report.Healthy = lhs.Cmp(rhs) <= 0

	report.CollateralValue = mulDivDown(report.Collateral, collPrice.Price, collScale)
	report.DebtValue = mulDivUp(report.Debt, borrowPrice.Price, borrowScale)
	report.MaxDebtValue = mulDivDown(report.CollateralValue, params.LTV, wad)
	if report.DebtValue.Sign() > 0 {
		report.HealthFactor = mulDivDown(report.MaxDebtValue, wad, report.DebtValue)
	}
	return report, nil
}

// Health evaluates a position against committed state with interest accrued
// virtually up to now. Oracle failures are returned as ErrStalePrice or
// ErrInvalidPrice.
func (e *Engine) Health(id PoolID, user crypto.Address) (HealthReport, error) {
	params, err := e.Params(id)
	if err != nil {
		return HealthReport{}, err
	}
	var pool *Pool
	var pos *Position
	err = e.view(func(s ledgerState, _ *bank.Ledger, _ *settlement.Store) error {
		var err error
		if pool, err = s.pool(id); err != nil {
			return err
		}
		pos, err = s.position(id, user)
		return err
	})
	if err != nil {
		return HealthReport{}, err
	}
	accrueInterest(params, pool, e.now())
	return evaluateHealth(params, pool, pos, e.prices)
}

// IsHealthy reports whether the position satisfies its pool's LTV. Any
// failure, including an unusable price, reports false.
func (e *Engine) IsHealthy(id PoolID, user crypto.Address) bool {
	report, err := e.Health(id, user)
	if err != nil {
		return false
	}
	return report.Healthy
}

// checkHealth is the in-transaction guard used by borrow and collateral
// withdrawal.
func (t *tx) checkHealth(params PoolParams, pool *Pool, pos *Position) error {
	report, err := evaluateHealth(params, pool, pos, t.e.prices)
	if err != nil {
		return err
	}
	if !report.Healthy {
		return ErrExceedsLTV
	}
	return nil
}
