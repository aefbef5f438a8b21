package lending

import (
	"fmt"
	"math/big"
	"strings"

	"lukechampine.com/blake3"

	"senja/crypto"
)

// PoolID identifies a (collateral token, borrow token, ltv) triple. The
// canonical form is "<COLLATERAL>/<BORROW>/<ltv bps>".
type PoolID string

// MakePoolID builds the canonical identifier of a pool.
func MakePoolID(collateral, borrow string, ltvBps uint64) PoolID {
	return PoolID(fmt.Sprintf("%s/%s/%d", normalizeToken(collateral), normalizeToken(borrow), ltvBps))
}

func (id PoolID) String() string { return string(id) }

// Vault returns the module account holding the pool's liquidity and
// collateral.
func (id PoolID) Vault() crypto.Address {
	sum := blake3.Sum256([]byte("senja/lending/vault/" + string(id)))
	return crypto.NewAddress(crypto.SenjaPrefix, sum[:crypto.AddressLength])
}

// PoolParams is the static configuration of a pool. Ratios are wad fractions.
type PoolParams struct {
	ID                 PoolID
	CollateralToken    string
	BorrowToken        string
	CollateralDecimals uint8
	BorrowDecimals     uint8
	// LTV is the maximum debt value as a fraction of collateral value.
	LTV *big.Int
	// LiquidationIncentive is the bonus fraction of seized collateral above
	// the value repaid.
	LiquidationIncentive *big.Int
	// CloseFactor caps the fraction of a position's borrow shares a single
	// liquidation may repay.
	CloseFactor *big.Int
	// ProtocolFee is the fraction of accrued interest credited to the fee
	// collector.
	ProtocolFee *big.Int
	Interest    *InterestModel
}

// Validate checks the parameters for internal consistency.
func (p PoolParams) Validate() error {
	if strings.TrimSpace(string(p.ID)) == "" {
		return fmt.Errorf("%w: pool id required", ErrInvalidParams)
	}
	if normalizeToken(p.CollateralToken) == "" || normalizeToken(p.BorrowToken) == "" {
		return fmt.Errorf("%w: tokens required", ErrInvalidParams)
	}
	if normalizeToken(p.CollateralToken) == normalizeToken(p.BorrowToken) {
		return fmt.Errorf("%w: collateral and borrow token must differ", ErrInvalidParams)
	}
	if p.CollateralDecimals > 36 || p.BorrowDecimals > 36 {
		return fmt.Errorf("%w: decimals above 36", ErrInvalidParams)
	}
	if p.LTV == nil || p.LTV.Sign() <= 0 || p.LTV.Cmp(wad) >= 0 {
		return fmt.Errorf("%w: ltv must be within (0, 1)", ErrInvalidParams)
	}
	if p.LiquidationIncentive == nil || p.LiquidationIncentive.Sign() < 0 || p.LiquidationIncentive.Cmp(wad) >= 0 {
		return fmt.Errorf("%w: liquidation incentive must be within [0, 1)", ErrInvalidParams)
	}
	if p.CloseFactor == nil || p.CloseFactor.Sign() <= 0 || p.CloseFactor.Cmp(wad) > 0 {
		return fmt.Errorf("%w: close factor must be within (0, 1]", ErrInvalidParams)
	}
	if p.ProtocolFee == nil || p.ProtocolFee.Sign() < 0 || p.ProtocolFee.Cmp(wad) >= 0 {
		return fmt.Errorf("%w: protocol fee must be within [0, 1)", ErrInvalidParams)
	}
	if err := p.Interest.Validate(); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of the parameters.
func (p PoolParams) Clone() PoolParams {
	clone := p
	clone.LTV = cloneInt(p.LTV)
	clone.LiquidationIncentive = cloneInt(p.LiquidationIncentive)
	clone.CloseFactor = cloneInt(p.CloseFactor)
	clone.ProtocolFee = cloneInt(p.ProtocolFee)
	clone.Interest = p.Interest.Clone()
	return clone
}

// Pool captures the mutable accounting state of one pool.
type Pool struct {
	TotalSupplyAssets *big.Int
	TotalSupplyShares *big.Int
	TotalBorrowAssets *big.Int
	TotalBorrowShares *big.Int
	// LastAccrual is the unix second interest was last folded in.
	LastAccrual uint64
	// ProtocolFees is the cumulative fee assets credited to the collector.
	ProtocolFees *big.Int
	// BadDebt is the cumulative debt written off against lenders.
	BadDebt *big.Int
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	return &Pool{
		TotalSupplyAssets: cloneInt(p.TotalSupplyAssets),
		TotalSupplyShares: cloneInt(p.TotalSupplyShares),
		TotalBorrowAssets: cloneInt(p.TotalBorrowAssets),
		TotalBorrowShares: cloneInt(p.TotalBorrowShares),
		LastAccrual:       p.LastAccrual,
		ProtocolFees:      cloneInt(p.ProtocolFees),
		BadDebt:           cloneInt(p.BadDebt),
	}
}

func newPool(now uint64) *Pool {
	return &Pool{
		TotalSupplyAssets: big.NewInt(0),
		TotalSupplyShares: big.NewInt(0),
		TotalBorrowAssets: big.NewInt(0),
		TotalBorrowShares: big.NewInt(0),
		LastAccrual:       now,
		ProtocolFees:      big.NewInt(0),
		BadDebt:           big.NewInt(0),
	}
}

// Available returns the liquidity that can still be borrowed or withdrawn.
func (p *Pool) Available() *big.Int {
	return subFloor(p.TotalSupplyAssets, p.TotalBorrowAssets)
}

// Position is a borrower's state within a pool.
type Position struct {
	Owner        crypto.Address
	Collateral   *big.Int
	BorrowShares *big.Int
}

// IsEmpty reports whether the position holds neither collateral nor debt.
func (p *Position) IsEmpty() bool {
	return zeroIfNil(p.Collateral).Sign() == 0 && zeroIfNil(p.BorrowShares).Sign() == 0
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{Owner: p.Owner, Collateral: cloneInt(p.Collateral), BorrowShares: cloneInt(p.BorrowShares)}
}

// SupplyBalance is a lender's share of a pool's supply side.
type SupplyBalance struct {
	Owner  crypto.Address
	Shares *big.Int
}

// LiquidationResult is the outcome of a settled liquidation. It is never
// persisted.
type LiquidationResult struct {
	SeizedCollateral *big.Int
	RepaidShares     *big.Int
	RepaidAssets     *big.Int
	IncentiveAmount  *big.Int
	BadDebtShares    *big.Int
	BadDebtAssets    *big.Int
	// Residual carries ErrBadDebtResidual when debt was written off. It is a
	// record of the outcome, not a failure.
	Residual error
}

// BadDebtRecord is persisted for every write-off.
type BadDebtRecord struct {
	Pool      PoolID
	Borrower  crypto.Address
	Shares    *big.Int
	Assets    *big.Int
	Timestamp uint64
}

// HealthReport explains a health decision. Values are expressed in price
// units with wad precision.
type HealthReport struct {
	Collateral      *big.Int
	Debt            *big.Int
	CollateralValue *big.Int
	DebtValue       *big.Int
	MaxDebtValue    *big.Int
	// HealthFactor is MaxDebtValue / DebtValue in wad; nil without debt.
	HealthFactor *big.Int
	Healthy      bool
}

// PoolSnapshot is the public read surface of a pool.
type PoolSnapshot struct {
	Params      PoolParams
	State       *Pool
	Utilisation *big.Int
	BorrowAPR   *big.Int
	SupplyAPR   *big.Int
	RatePerSec  *big.Int
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
