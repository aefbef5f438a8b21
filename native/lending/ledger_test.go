package lending

import (
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"senja/core/events"
	"senja/crypto"
	"senja/native/bank"
	nativecommon "senja/native/common"
)

func TestSupplyWithdrawRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		f := newFixture(t, ethUsdcParams(), time.Minute)
		first := big.NewInt(rng.Int63n(1_000_000_000) + 1)
		second := big.NewInt(rng.Int63n(1_000_000_000) + 1)
		f.mint("USDC", lender, first)
		f.mint("USDC", rival, second)

		sharesA, err := f.engine.Supply(f.id, lender, first)
		require.NoError(t, err)
		requireEqualInt(t, first, sharesA, "first supply mints 1:1")
		sharesB, err := f.engine.Supply(f.id, rival, second)
		require.NoError(t, err)

		gotA, err := f.engine.Withdraw(f.id, lender, sharesA)
		require.NoError(t, err)
		requireEqualInt(t, first, gotA)
		gotB, err := f.engine.Withdraw(f.id, rival, sharesB)
		require.NoError(t, err)
		requireEqualInt(t, second, gotB)

		requireEqualInt(t, first, f.balance("USDC", lender))
		requireEqualInt(t, second, f.balance("USDC", rival))
		pool := f.pool()
		require.Zero(t, pool.TotalSupplyAssets.Sign())
		require.Zero(t, pool.TotalSupplyShares.Sign())
	}
}

func TestSupplyRejectsZeroShares(t *testing.T) {
	params := ethUsdcParams()
	f := newFixture(t, params, 0)
	f.fund(big.NewInt(1_000), units(10, ethDecimals))
	_, _, err := f.engine.Borrow(f.id, borrower, big.NewInt(900), nil)
	require.NoError(t, err)
	f.advance(365 * 24 * time.Hour)
	require.NoError(t, f.engine.Accrue(f.id))
	require.Equal(t, 1, f.pool().TotalSupplyAssets.Cmp(f.pool().TotalSupplyShares))

	f.mint("USDC", rival, big.NewInt(1))
	_, err = f.engine.Supply(f.id, rival, big.NewInt(1))
	require.ErrorIs(t, err, ErrZeroShares)
	require.Equal(t, CodeZeroShares, Code(err))
	requireEqualInt(t, big.NewInt(1), f.balance("USDC", rival))
}

func TestWithdrawRespectsLiquidity(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(1_000, usdcDecimals), units(1, ethDecimals))
	_, _, err := f.engine.Borrow(f.id, borrower, units(900, usdcDecimals), nil)
	require.NoError(t, err)

	held, err := f.engine.SupplyBalance(f.id, lender)
	require.NoError(t, err)
	_, err = f.engine.Withdraw(f.id, lender, held.Shares)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	_, err = f.engine.Withdraw(f.id, lender, new(big.Int).Add(held.Shares, big.NewInt(1)))
	require.ErrorIs(t, err, ErrInsufficientShares)

	got, err := f.engine.Withdraw(f.id, lender, units(100, usdcDecimals))
	require.NoError(t, err)
	requireEqualInt(t, units(100, usdcDecimals), got)
}

func TestBorrowExceedingLTVRollsBack(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(5_000, usdcDecimals), units(1, ethDecimals))
	before := f.pool()
	f.recorder.Reset()

	_, _, err := f.engine.Borrow(f.id, borrower, units(1_601, usdcDecimals), nil)
	require.ErrorIs(t, err, ErrExceedsLTV)
	require.Equal(t, CodeExceedsLTV, Code(err))

	after := f.pool()
	requireEqualInt(t, before.TotalBorrowAssets, after.TotalBorrowAssets)
	requireEqualInt(t, before.TotalBorrowShares, after.TotalBorrowShares)
	require.Zero(t, f.position(borrower).BorrowShares.Sign())
	require.Zero(t, f.balance("USDC", borrower).Sign())
	require.Empty(t, f.recorder.Events(), "failed operations emit nothing")

	shares, _, err := f.engine.Borrow(f.id, borrower, units(1_600, usdcDecimals), nil)
	require.NoError(t, err)
	requireEqualInt(t, units(1_600, usdcDecimals), shares)
	require.True(t, f.engine.IsHealthy(f.id, borrower), "exactly at the ltv boundary is healthy")
}

func TestBorrowRequiresLiquidity(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(100, usdcDecimals), units(10, ethDecimals))
	_, _, err := f.engine.Borrow(f.id, borrower, units(101, usdcDecimals), nil)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
	require.Equal(t, CodeInsufficientLiquidity, Code(err))
}

func TestRepayRoundsAgainstBorrower(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), 0)
	f.fund(units(1_000, usdcDecimals), units(10, ethDecimals))
	shares, _, err := f.engine.Borrow(f.id, borrower, units(500, usdcDecimals), nil)
	require.NoError(t, err)
	_, _, err = f.engine.Borrow(f.id, rival, big.NewInt(0), nil)
	require.ErrorIs(t, err, ErrInvalidAmount)

	f.advance(30 * 24 * time.Hour)
	f.mint("USDC", lender, units(600, usdcDecimals))

	_, err = f.engine.Repay(f.id, borrower, lender, new(big.Int).Add(shares, big.NewInt(1)))
	require.ErrorIs(t, err, ErrRepayExceedsDebt)

	pool := f.pool()
	accrueInterest(f.params, pool, uint64(f.now.Unix()))
	expected := toAssetsUp(shares, pool.TotalBorrowAssets, pool.TotalBorrowShares)
	require.Equal(t, 1, expected.Cmp(units(500, usdcDecimals)), "interest accrued over the month")

	paid, err := f.engine.Repay(f.id, borrower, lender, shares)
	require.NoError(t, err)
	requireEqualInt(t, expected, paid)
	pos := f.position(borrower)
	require.False(t, pos.IsEmpty(), "collateral remains pledged")
	require.Zero(t, pos.BorrowShares.Sign())
	after := f.pool()
	require.Zero(t, after.TotalBorrowShares.Sign())
	require.Zero(t, after.TotalBorrowAssets.Sign())
}

func TestRepayShortfallAborts(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(1_000, usdcDecimals), units(1, ethDecimals))
	shares, _, err := f.engine.Borrow(f.id, borrower, units(100, usdcDecimals), nil)
	require.NoError(t, err)
	_, err = f.engine.Repay(f.id, borrower, rival, shares)
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)
	require.Equal(t, CodeInsufficientBalance, Code(err))
	requireEqualInt(t, shares, f.position(borrower).BorrowShares)
}

func TestWithdrawCollateralChecksHealth(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(5_000, usdcDecimals), units(2, ethDecimals))
	_, _, err := f.engine.Borrow(f.id, borrower, units(1_600, usdcDecimals), nil)
	require.NoError(t, err)

	err = f.engine.WithdrawCollateral(f.id, borrower, units(3, ethDecimals))
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	err = f.engine.WithdrawCollateral(f.id, borrower, new(big.Int).Add(units(1, ethDecimals), big.NewInt(1)))
	require.ErrorIs(t, err, ErrExceedsLTV)
	require.NoError(t, f.engine.WithdrawCollateral(f.id, borrower, units(1, ethDecimals)))
	requireEqualInt(t, units(1, ethDecimals), f.balance("ETH", borrower))
}

func TestPositionDeletedWhenEmpty(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(1_000, usdcDecimals), units(1, ethDecimals))
	shares, _, err := f.engine.Borrow(f.id, borrower, units(10, usdcDecimals), nil)
	require.NoError(t, err)
	_, err = f.engine.Repay(f.id, borrower, borrower, shares)
	require.NoError(t, err)
	require.NoError(t, f.engine.WithdrawCollateral(f.id, borrower, units(1, ethDecimals)))

	positions, err := f.engine.ListPositions(f.id)
	require.NoError(t, err)
	require.Empty(t, positions)
}

func TestPauseBlocksAction(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(1_000, usdcDecimals), units(1, ethDecimals))
	pauses := nativecommon.NewPauses("lending.borrow")
	f.engine.SetPauses(pauses)

	_, _, err := f.engine.Borrow(f.id, borrower, units(10, usdcDecimals), nil)
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.Equal(t, CodePaused, Code(err))

	f.mint("USDC", rival, big.NewInt(10))
	_, err = f.engine.Supply(f.id, rival, big.NewInt(10))
	require.NoError(t, err)

	pauses.Set("lending.borrow", false)
	_, _, err = f.engine.Borrow(f.id, borrower, units(10, usdcDecimals), nil)
	require.NoError(t, err)
}

func TestTokenHookRunsAfterCommit(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.mint("USDC", lender, big.NewInt(100))
	var nested error
	var seen *big.Int
	calls := 0
	f.engine.SetTokenHook(func(token string, from, to *crypto.Address, amount *big.Int) error {
		calls++
		if calls == 1 {
			seen = f.pool().TotalSupplyAssets
			_, nested = f.engine.Supply(f.id, lender, big.NewInt(1))
		}
		return nil
	})
	_, err := f.engine.Supply(f.id, lender, big.NewInt(50))
	require.NoError(t, err)
	require.NoError(t, nested)
	require.Equal(t, 2, calls)
	requireEqualInt(t, big.NewInt(50), seen)
	requireEqualInt(t, big.NewInt(49), f.balance("USDC", lender))
	requireEqualInt(t, big.NewInt(51), f.pool().TotalSupplyAssets)
}

func TestSupplyProceedsWhileHookBlocked(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.mint("USDC", lender, big.NewInt(100))
	f.mint("USDC", rival, big.NewInt(100))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.engine.SetTokenHook(func(token string, from, to *crypto.Address, amount *big.Int) error {
		if from != nil && from.Equal(lender) {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Supply(f.id, lender, big.NewInt(50))
		done <- err
	}()
	<-entered

	_, err := f.engine.Supply(f.id, rival, big.NewInt(10))
	require.NoError(t, err)
	requireEqualInt(t, big.NewInt(90), f.balance("USDC", rival))

	close(release)
	require.NoError(t, <-done)
	requireEqualInt(t, big.NewInt(60), f.pool().TotalSupplyAssets)
}

func TestTokenHookErrorKeepsCommit(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.mint("USDC", lender, big.NewInt(100))
	f.engine.SetTokenHook(func(token string, from, to *crypto.Address, amount *big.Int) error {
		return errors.New("observer offline")
	})
	_, err := f.engine.Supply(f.id, lender, big.NewInt(50))
	require.NoError(t, err)
	requireEqualInt(t, big.NewInt(50), f.balance("USDC", lender))
}

func TestUnknownPool(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	_, err := f.engine.Supply("BTC/USDC/7000", lender, big.NewInt(1))
	require.ErrorIs(t, err, ErrUnknownPool)
	require.Equal(t, CodeUnknownPool, Code(err))
	require.ErrorIs(t, f.engine.RegisterPool(ethUsdcParams()), ErrPoolExists)
	require.Equal(t, []PoolID{f.id}, f.engine.Pools())
}

func TestEventsEmittedAfterCommit(t *testing.T) {
	f := newFixture(t, ethUsdcParams(), time.Minute)
	f.fund(units(1_000, usdcDecimals), units(1, ethDecimals))
	supplied := f.recorder.OfType(events.TypeLendingSupplied)
	require.Len(t, supplied, 1)
	attrs := supplied[0].Event().Attributes
	require.Equal(t, string(f.id), attrs["pool"])
	require.Equal(t, units(1_000, usdcDecimals).String(), attrs["amount"])
	require.Len(t, f.recorder.OfType(events.TypeLendingCollateralSupplied), 1)
}
