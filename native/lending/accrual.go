package lending

import "math/big"

type accrualStep struct {
	Elapsed   uint64
	Rate      *big.Int
	Interest  *big.Int
	FeeAssets *big.Int
	FeeShares *big.Int
}

// accrueInterest advances pool to now in place. It returns nil, leaving the
// pool untouched, when no time has elapsed. LastAccrual still advances when
// the interest itself rounds to zero.
//
//	interest  = borrow * ratePerSecond * elapsed / 1e18   (round down)
//	fee       = interest * protocolFee / 1e18             (round down)
//	feeShares = fee * supplyShares / (supplyAssets - fee) (round down)
func accrueInterest(params PoolParams, pool *Pool, now uint64) *accrualStep {
	if pool == nil || now <= pool.LastAccrual {
		return nil
	}
	step := &accrualStep{
		Elapsed:   now - pool.LastAccrual,
		Interest:  big.NewInt(0),
		FeeAssets: big.NewInt(0),
		FeeShares: big.NewInt(0),
	}
	pool.LastAccrual = now
	step.Rate = params.Interest.BorrowRatePerSecond(pool.TotalBorrowAssets, pool.TotalSupplyAssets)
	interest := new(big.Int).Mul(zeroIfNil(pool.TotalBorrowAssets), step.Rate)
	interest.Mul(interest, new(big.Int).SetUint64(step.Elapsed))
	interest.Quo(interest, wad)
	if interest.Sign() == 0 {
		return step
	}
	step.Interest = interest
	pool.TotalBorrowAssets = new(big.Int).Add(zeroIfNil(pool.TotalBorrowAssets), interest)
	pool.TotalSupplyAssets = new(big.Int).Add(zeroIfNil(pool.TotalSupplyAssets), interest)

	fee := mulDivDown(interest, params.ProtocolFee, wad)
	if fee.Sign() == 0 {
		return step
	}
	feeShares := toSharesDown(fee, new(big.Int).Sub(pool.TotalSupplyAssets, fee), pool.TotalSupplyShares)
	step.FeeAssets = fee
	step.FeeShares = feeShares
	pool.TotalSupplyShares = new(big.Int).Add(zeroIfNil(pool.TotalSupplyShares), feeShares)
	pool.ProtocolFees = new(big.Int).Add(zeroIfNil(pool.ProtocolFees), fee)
	return step
}
