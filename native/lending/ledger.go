package lending

import (
	"fmt"
	"math/big"
	"strings"

	"senja/core/events"
	"senja/crypto"
	"senja/native/bank"
	"senja/native/settlement"
)

// Destination routes borrowed funds to another chain instead of the
// borrower's local balance.
type Destination struct {
	Chain     string
	Recipient string
}

// Supply deposits amount of the pool's borrow token and mints supply shares,
// rounding down. The minted share amount is returned.
func (e *Engine) Supply(id PoolID, supplier crypto.Address, amount *big.Int) (*big.Int, error) {
	var shares *big.Int
	err := e.mutate("supply", func(t *tx) error {
		var err error
		shares, err = t.supply(id, supplier, supplier, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

func (t *tx) supply(id PoolID, supplier, payer crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	params, pool, err := t.accrued(id)
	if err != nil {
		return nil, err
	}
	if pool.TotalSupplyAssets.Sign() == 0 && pool.TotalSupplyShares.Sign() > 0 {
		return nil, ErrPoolInsolvent
	}
	shares := toSharesDown(amount, pool.TotalSupplyAssets, pool.TotalSupplyShares)
	if shares.Sign() == 0 {
		return nil, ErrZeroShares
	}
	held, err := t.state.supplyShares(id, supplier)
	if err != nil {
		return nil, err
	}
	pool.TotalSupplyAssets.Add(pool.TotalSupplyAssets, amount)
	pool.TotalSupplyShares.Add(pool.TotalSupplyShares, shares)
	if err := t.state.putSupplyShares(id, supplier, held.Add(held, shares)); err != nil {
		return nil, err
	}
	if err := t.state.putPool(id, pool); err != nil {
		return nil, err
	}
	if err := t.bank.Transfer(params.BorrowToken, payer, id.Vault(), amount); err != nil {
		return nil, err
	}
	t.emit(events.LendingPosition{Kind: events.TypeLendingSupplied, Pool: string(id), Account: supplier, Payer: payer, Amount: cloneInt(amount), Shares: cloneInt(shares)})
	return shares, nil
}

// Withdraw burns supply shares and returns the underlying assets, rounding
// down. It fails with ErrInsufficientLiquidity when the withdrawal would leave
// less supply than outstanding borrows.
func (e *Engine) Withdraw(id PoolID, supplier crypto.Address, shares *big.Int) (*big.Int, error) {
	var assets *big.Int
	err := e.mutate("withdraw", func(t *tx) error {
		if err := requirePositive(shares); err != nil {
			return err
		}
		params, pool, err := t.accrued(id)
		if err != nil {
			return err
		}
		held, err := t.state.supplyShares(id, supplier)
		if err != nil {
			return err
		}
		if held.Cmp(shares) < 0 {
			return fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientShares, held, shares)
		}
		assets = toAssetsDown(shares, pool.TotalSupplyAssets, pool.TotalSupplyShares)
		remaining := new(big.Int).Sub(pool.TotalSupplyAssets, assets)
		if remaining.Cmp(pool.TotalBorrowAssets) < 0 {
			return fmt.Errorf("%w: %s available", ErrInsufficientLiquidity, pool.Available())
		}
		pool.TotalSupplyAssets = remaining
		pool.TotalSupplyShares.Sub(pool.TotalSupplyShares, shares)
		if err := t.state.putSupplyShares(id, supplier, held.Sub(held, shares)); err != nil {
			return err
		}
		if err := t.state.putPool(id, pool); err != nil {
			return err
		}
		if err := t.bank.Transfer(params.BorrowToken, id.Vault(), supplier, assets); err != nil {
			return err
		}
		t.emit(events.LendingPosition{Kind: events.TypeLendingWithdrawn, Pool: string(id), Account: supplier, Amount: cloneInt(assets), Shares: cloneInt(shares)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// SupplyCollateral pledges collateral tokens to the user's position.
func (e *Engine) SupplyCollateral(id PoolID, user crypto.Address, amount *big.Int) error {
	return e.mutate("collateral", func(t *tx) error {
		return t.supplyCollateral(id, user, user, amount)
	})
}

func (t *tx) supplyCollateral(id PoolID, user, payer crypto.Address, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	params, _, err := t.accrued(id)
	if err != nil {
		return err
	}
	pos, err := t.state.position(id, user)
	if err != nil {
		return err
	}
	pos.Collateral.Add(pos.Collateral, amount)
	if err := t.state.putPosition(id, pos); err != nil {
		return err
	}
	if err := t.bank.Transfer(params.CollateralToken, payer, id.Vault(), amount); err != nil {
		return err
	}
	t.emit(events.LendingPosition{Kind: events.TypeLendingCollateralSupplied, Pool: string(id), Account: user, Payer: payer, Amount: cloneInt(amount)})
	return nil
}

// WithdrawCollateral releases collateral provided the position stays within
// its LTV afterwards.
func (e *Engine) WithdrawCollateral(id PoolID, user crypto.Address, amount *big.Int) error {
	return e.mutate("collateral", func(t *tx) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		params, pool, err := t.accrued(id)
		if err != nil {
			return err
		}
		pos, err := t.state.position(id, user)
		if err != nil {
			return err
		}
		if pos.Collateral.Cmp(amount) < 0 {
			return fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientCollateral, pos.Collateral, amount)
		}
		pos.Collateral.Sub(pos.Collateral, amount)
		if err := t.checkHealth(params, pool, pos); err != nil {
			return err
		}
		if err := t.state.putPosition(id, pos); err != nil {
			return err
		}
		if err := t.bank.Transfer(params.CollateralToken, id.Vault(), user, amount); err != nil {
			return err
		}
		t.emit(events.LendingPosition{Kind: events.TypeLendingCollateralWithdrawn, Pool: string(id), Account: user, Amount: cloneInt(amount)})
		return nil
	})
}

// Borrow opens debt against the borrower's collateral. Borrow shares are
// minted rounding up and the position must satisfy its LTV after the debt is
// recorded, otherwise the operation fails with ErrExceedsLTV and nothing is
// written. With a destination the funds move to the chain's escrow account and
// a pending settlement intent is returned.
func (e *Engine) Borrow(id PoolID, borrower crypto.Address, amount *big.Int, dest *Destination) (*big.Int, *settlement.Intent, error) {
	if dest != nil && e.verifier == nil {
		return nil, nil, ErrSettlementDisabled
	}
	var shares *big.Int
	var intent *settlement.Intent
	err := e.mutate("borrow", func(t *tx) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		params, pool, err := t.accrued(id)
		if err != nil {
			return err
		}
		if amount.Cmp(pool.Available()) > 0 {
			return fmt.Errorf("%w: %s available, %s requested", ErrInsufficientLiquidity, pool.Available(), amount)
		}
		pos, err := t.state.position(id, borrower)
		if err != nil {
			return err
		}
		shares = toSharesUp(amount, pool.TotalBorrowAssets, pool.TotalBorrowShares)
		pos.BorrowShares.Add(pos.BorrowShares, shares)
		pool.TotalBorrowShares.Add(pool.TotalBorrowShares, shares)
		pool.TotalBorrowAssets.Add(pool.TotalBorrowAssets, amount)
		if err := t.checkHealth(params, pool, pos); err != nil {
			return err
		}
		if err := t.state.putPosition(id, pos); err != nil {
			return err
		}
		if err := t.state.putPool(id, pool); err != nil {
			return err
		}
		recipient := borrower
		if dest != nil {
			intent, err = t.intents.Create(settlement.Request{
				Pool:             string(id),
				Borrower:         borrower,
				DestinationChain: dest.Chain,
				Recipient:        strings.TrimSpace(dest.Recipient),
				Token:            params.BorrowToken,
				Amount:           amount,
				TTL:              t.e.intentTTL,
			}, t.now)
			if err != nil {
				return err
			}
			recipient = settlement.EscrowAddress(intent.DestinationChain)
		}
		if err := t.bank.Transfer(params.BorrowToken, id.Vault(), recipient, amount); err != nil {
			return err
		}
		t.emit(events.LendingPosition{Kind: events.TypeLendingBorrowed, Pool: string(id), Account: borrower, Amount: cloneInt(amount), Shares: cloneInt(shares)})
		if intent != nil {
			t.emit(intentEvent(events.TypeSettlementIntentCreated, intent))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return shares, intent, nil
}

// Repay burns borrow shares of borrower, charging payer the underlying assets
// rounded up. It fails with ErrRepayExceedsDebt when shares exceed the debt.
func (e *Engine) Repay(id PoolID, borrower, payer crypto.Address, shares *big.Int) (*big.Int, error) {
	var assets *big.Int
	err := e.mutate("repay", func(t *tx) error {
		var err error
		assets, err = t.repay(id, borrower, payer, shares)
		return err
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func (t *tx) repay(id PoolID, borrower, payer crypto.Address, shares *big.Int) (*big.Int, error) {
	if err := requirePositive(shares); err != nil {
		return nil, err
	}
	params, pool, err := t.accrued(id)
	if err != nil {
		return nil, err
	}
	pos, err := t.state.position(id, borrower)
	if err != nil {
		return nil, err
	}
	if shares.Cmp(pos.BorrowShares) > 0 {
		return nil, fmt.Errorf("%w: owes %s shares, repaying %s", ErrRepayExceedsDebt, pos.BorrowShares, shares)
	}
	assets := toAssetsUp(shares, pool.TotalBorrowAssets, pool.TotalBorrowShares)
	pos.BorrowShares.Sub(pos.BorrowShares, shares)
	pool.TotalBorrowShares.Sub(pool.TotalBorrowShares, shares)
	pool.TotalBorrowAssets = subFloor(pool.TotalBorrowAssets, assets)
	if err := t.state.putPosition(id, pos); err != nil {
		return nil, err
	}
	if err := t.state.putPool(id, pool); err != nil {
		return nil, err
	}
	if err := t.bank.Transfer(params.BorrowToken, payer, id.Vault(), assets); err != nil {
		return nil, err
	}
	t.emit(events.LendingPosition{Kind: events.TypeLendingRepaid, Pool: string(id), Account: borrower, Payer: payer, Amount: cloneInt(assets), Shares: cloneInt(shares)})
	return assets, nil
}

// Position returns the committed position of user. Missing positions are
// returned zeroed.
func (e *Engine) Position(id PoolID, user crypto.Address) (*Position, error) {
	if _, err := e.Params(id); err != nil {
		return nil, err
	}
	var pos *Position
	err := e.view(func(s ledgerState, _ *bank.Ledger, _ *settlement.Store) error {
		var err error
		pos, err = s.position(id, user)
		return err
	})
	return pos, err
}

// SupplyBalance returns the committed supply shares of user.
func (e *Engine) SupplyBalance(id PoolID, user crypto.Address) (SupplyBalance, error) {
	if _, err := e.Params(id); err != nil {
		return SupplyBalance{}, err
	}
	var shares *big.Int
	err := e.view(func(s ledgerState, _ *bank.Ledger, _ *settlement.Store) error {
		var err error
		shares, err = s.supplyShares(id, user)
		return err
	})
	return SupplyBalance{Owner: user, Shares: shares}, err
}

// ListPositions returns every open position of a pool.
func (e *Engine) ListPositions(id PoolID) ([]*Position, error) {
	if _, err := e.Params(id); err != nil {
		return nil, err
	}
	var out []*Position
	err := e.view(func(s ledgerState, _ *bank.Ledger, _ *settlement.Store) error {
		var err error
		out, err = s.positions(id)
		return err
	})
	return out, err
}

// Snapshot returns pool totals and rates with interest virtually accrued to
// now.
func (e *Engine) Snapshot(id PoolID) (PoolSnapshot, error) {
	params, err := e.Params(id)
	if err != nil {
		return PoolSnapshot{}, err
	}
	var pool *Pool
	err = e.view(func(s ledgerState, _ *bank.Ledger, _ *settlement.Store) error {
		var err error
		pool, err = s.pool(id)
		return err
	})
	if err != nil {
		return PoolSnapshot{}, err
	}
	accrueInterest(params, pool, e.now())
	model := params.Interest
	return PoolSnapshot{
		Params:      params,
		State:       pool,
		Utilisation: model.Utilisation(pool.TotalBorrowAssets, pool.TotalSupplyAssets),
		BorrowAPR:   model.BorrowAPR(pool.TotalBorrowAssets, pool.TotalSupplyAssets),
		SupplyAPR:   model.SupplyAPR(pool.TotalBorrowAssets, pool.TotalSupplyAssets, params.ProtocolFee),
		RatePerSec:  model.BorrowRatePerSecond(pool.TotalBorrowAssets, pool.TotalSupplyAssets),
	}, nil
}

// BadDebts lists the write-offs recorded against a pool.
func (e *Engine) BadDebts(id PoolID) ([]BadDebtRecord, error) {
	var out []BadDebtRecord
	err := e.view(func(s ledgerState, _ *bank.Ledger, _ *settlement.Store) error {
		var err error
		out, err = s.badDebts(id)
		return err
	})
	return out, err
}
