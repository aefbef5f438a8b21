package events

import (
	"math/big"
	"strconv"
	"strings"

	"senja/core/types"
	"senja/crypto"
)

const (
	// TypeLendingSupplied is emitted when a lender deposits liquidity.
	TypeLendingSupplied = "lending.supplied"
	// TypeLendingWithdrawn is emitted when a lender redeems supply shares.
	TypeLendingWithdrawn = "lending.withdrawn"
	// TypeLendingCollateralSupplied is emitted on collateral deposits.
	TypeLendingCollateralSupplied = "lending.collateral_supplied"
	// TypeLendingCollateralWithdrawn is emitted on collateral withdrawals.
	TypeLendingCollateralWithdrawn = "lending.collateral_withdrawn"
	// TypeLendingBorrowed is emitted when debt is opened.
	TypeLendingBorrowed = "lending.borrowed"
	// TypeLendingRepaid is emitted when borrow shares are burned by repayment.
	TypeLendingRepaid = "lending.repaid"
	// TypeLendingInterestAccrued is emitted when elapsed time is folded into
	// pool totals.
	TypeLendingInterestAccrued = "lending.interest_accrued"
	// TypeLendingLiquidated is emitted for every settled liquidation.
	TypeLendingLiquidated = "lending.liquidated"
	// TypeLendingBadDebt is emitted when residual debt is written off.
	TypeLendingBadDebt = "lending.bad_debt"
)

// LendingPosition is the common payload for supply, collateral, borrow and
// repay movements. Shares is empty for collateral movements.
type LendingPosition struct {
	Kind    string
	Pool    string
	Account crypto.Address
	Payer   crypto.Address
	Amount  *big.Int
	Shares  *big.Int
}

func (e LendingPosition) EventType() string { return e.Kind }

func (e LendingPosition) Event() *types.Event {
	attrs := map[string]string{
		"pool":    strings.TrimSpace(e.Pool),
		"account": addressString(e.Account),
		"amount":  amountString(e.Amount),
	}
	if e.Shares != nil {
		attrs["shares"] = e.Shares.String()
	}
	if payer := addressString(e.Payer); payer != "" && !e.Payer.Equal(e.Account) {
		attrs["payer"] = payer
	}
	return &types.Event{Type: e.Kind, Attributes: attrs}
}

// LendingInterestAccrued records an accrual step.
type LendingInterestAccrued struct {
	Pool        string
	Interest    *big.Int
	FeeShares   *big.Int
	RatePerSec  *big.Int
	Elapsed     uint64
	BorrowTotal *big.Int
	SupplyTotal *big.Int
}

func (LendingInterestAccrued) EventType() string { return TypeLendingInterestAccrued }

func (e LendingInterestAccrued) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingInterestAccrued,
		Attributes: map[string]string{
			"pool":         strings.TrimSpace(e.Pool),
			"interest":     amountString(e.Interest),
			"feeShares":    amountString(e.FeeShares),
			"ratePerSec":   amountString(e.RatePerSec),
			"elapsed":      strconv.FormatUint(e.Elapsed, 10),
			"borrowAssets": amountString(e.BorrowTotal),
			"supplyAssets": amountString(e.SupplyTotal),
		},
	}
}

// LendingLiquidated records a settled liquidation.
type LendingLiquidated struct {
	Pool             string
	Liquidator       crypto.Address
	Borrower         crypto.Address
	RepaidShares     *big.Int
	RepaidAssets     *big.Int
	SeizedCollateral *big.Int
	Incentive        *big.Int
	BadDebtAssets    *big.Int
}

func (LendingLiquidated) EventType() string { return TypeLendingLiquidated }

func (e LendingLiquidated) Event() *types.Event {
	attrs := map[string]string{
		"pool":         strings.TrimSpace(e.Pool),
		"liquidator":   addressString(e.Liquidator),
		"borrower":     addressString(e.Borrower),
		"repaidShares": amountString(e.RepaidShares),
		"repaidAssets": amountString(e.RepaidAssets),
		"seized":       amountString(e.SeizedCollateral),
		"incentive":    amountString(e.Incentive),
	}
	if e.BadDebtAssets != nil && e.BadDebtAssets.Sign() > 0 {
		attrs["badDebt"] = e.BadDebtAssets.String()
	}
	return &types.Event{Type: TypeLendingLiquidated, Attributes: attrs}
}

// LendingBadDebt records residual debt written off against lenders.
type LendingBadDebt struct {
	Pool     string
	Borrower crypto.Address
	Token    string
	Shares   *big.Int
	Assets   *big.Int
	Total    *big.Int
}

func (LendingBadDebt) EventType() string { return TypeLendingBadDebt }

func (e LendingBadDebt) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingBadDebt,
		Attributes: map[string]string{
			"pool":     strings.TrimSpace(e.Pool),
			"borrower": addressString(e.Borrower),
			"token":    normalizeAsset(e.Token),
			"shares":   amountString(e.Shares),
			"assets":   amountString(e.Assets),
			"total":    amountString(e.Total),
		},
	}
}
