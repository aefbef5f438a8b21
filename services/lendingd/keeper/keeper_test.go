package keeper

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"senja/crypto"
	"senja/native/lending"
	"senja/native/oracle"
	"senja/native/settlement"
	"senja/storage"
)

func account(t *testing.T, prefix crypto.AddressPrefix) (crypto.Address, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address(prefix), key
}

func usdc(whole int64) *big.Int { return new(big.Int).Mul(big.NewInt(whole), big.NewInt(1_000_000)) }

func eth(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type market struct {
	engine *lending.Engine
	prices *oracle.Static
	pool   lending.PoolID
	now    time.Time
}

func newMarket(t *testing.T) *market {
	t.Helper()
	m := &market{now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return m.now }
	m.prices = oracle.NewStatic(0).WithClock(clock)
	m.prices.SetPrice("ETH", 2000)
	m.prices.SetPrice("USDC", 1)
	m.engine = lending.NewEngine(storage.NewMemDB(), m.prices)
	m.engine.SetClock(clock)
	params, err := lending.PoolConfig{
		Collateral: "ETH", Borrow: "USDC",
		CollateralDecimals: 18, BorrowDecimals: 6,
		LTVBps: 8_000, IncentiveBps: 500, CloseFactorBps: 5_000,
	}.Params()
	require.NoError(t, err)
	require.NoError(t, m.engine.RegisterPool(params))
	m.pool = params.ID

	lender, _ := account(t, crypto.SenjaPrefix)
	require.NoError(t, m.engine.Mint("USDC", lender, usdc(100_000)))
	_, err = m.engine.Supply(m.pool, lender, usdc(100_000))
	require.NoError(t, err)
	return m
}

func (m *market) open(t *testing.T, collateral, debt *big.Int) crypto.Address {
	t.Helper()
	owner, _ := account(t, crypto.SenjaPrefix)
	require.NoError(t, m.engine.Mint("ETH", owner, collateral))
	require.NoError(t, m.engine.SupplyCollateral(m.pool, owner, collateral))
	_, _, err := m.engine.Borrow(m.pool, owner, debt, nil)
	require.NoError(t, err)
	return owner
}

func TestTickLiquidatesUnhealthyPositions(t *testing.T) {
	m := newMarket(t)
	risky := m.open(t, eth(1), usdc(1_500))
	safe := m.open(t, eth(10), usdc(1_000))
	liquidator, _ := account(t, crypto.SenjaPrefix)
	require.NoError(t, m.engine.Mint("USDC", liquidator, usdc(10_000)))

	k, err := New(m.engine, liquidator, time.Second, nil)
	require.NoError(t, err)

	report, err := k.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Scanned: 2}, report)

	m.prices.Set("ETH", uint256.NewInt(1_800), 0, m.now)
	report, err = k.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Equal(t, 1, report.Liquidated)
	require.Zero(t, report.BadDebt)

	pos, err := m.engine.Position(m.pool, risky)
	require.NoError(t, err)
	require.Equal(t, 0, pos.BorrowShares.Cmp(usdc(750)), "close factor halves the debt")
	require.True(t, m.engine.IsHealthy(m.pool, safe))

	seized, err := m.engine.Balance("ETH", liquidator)
	require.NoError(t, err)
	require.Positive(t, seized.Sign())
}

func TestTickReportsOracleFailures(t *testing.T) {
	m := newMarket(t)
	m.open(t, eth(1), usdc(1_000))
	liquidator, _ := account(t, crypto.SenjaPrefix)

	k, err := New(m.engine, liquidator, time.Second, nil)
	require.NoError(t, err)
	m.prices.Set("ETH", uint256.NewInt(0), 0, m.now)

	report, err := k.Tick(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, lending.ErrInvalidPrice)
	require.Equal(t, 1, report.Failures)
	require.Zero(t, report.Liquidated)
}

type racingLedger struct {
	owner crypto.Address
}

func (r racingLedger) Pools() []lending.PoolID { return []lending.PoolID{"ETH/USDC/8000"} }

func (r racingLedger) ListPositions(lending.PoolID) ([]*lending.Position, error) {
	return []*lending.Position{{Owner: r.owner, Collateral: big.NewInt(1), BorrowShares: big.NewInt(1)}}, nil
}

func (r racingLedger) Liquidatable(lending.PoolID, crypto.Address) (bool, error) { return true, nil }

func (r racingLedger) Liquidate(lending.PoolID, crypto.Address, crypto.Address, *big.Int) (*lending.LiquidationResult, error) {
	return nil, lending.ErrPositionHealthy
}

func TestTickCountsRaces(t *testing.T) {
	owner, _ := account(t, crypto.SenjaPrefix)
	liquidator, _ := account(t, crypto.SenjaPrefix)
	k, err := New(racingLedger{owner: owner}, liquidator, 0, nil)
	require.NoError(t, err)

	report, err := k.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Scanned: 1, Races: 1}, report)
}

func TestTickStopsOnCancel(t *testing.T) {
	owner, _ := account(t, crypto.SenjaPrefix)
	liquidator, _ := account(t, crypto.SenjaPrefix)
	k, err := New(racingLedger{owner: owner}, liquidator, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, k.Run(ctx), context.Canceled)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, crypto.Address{}, 0, nil)
	require.Error(t, err)
	_, err = New(racingLedger{}, crypto.Address{}, 0, nil)
	require.Error(t, err)
}

func TestRelayTick(t *testing.T) {
	m := newMarket(t)
	relayer, _ := account(t, crypto.RelayerPrefix)
	m.engine.SetSettlement(settlement.NewVerifier("senja-test", relayer), time.Minute)

	owner, _ := account(t, crypto.SenjaPrefix)
	require.NoError(t, m.engine.Mint("ETH", owner, eth(1)))
	require.NoError(t, m.engine.SupplyCollateral(m.pool, owner, eth(1)))
	_, intent, err := m.engine.Borrow(m.pool, owner, usdc(100), &lending.Destination{Chain: "base", Recipient: "0xabc"})
	require.NoError(t, err)

	var sent []settlement.IntentID
	failing := true
	transport := settlement.TransportFunc(func(_ context.Context, in *settlement.Intent) error {
		if failing {
			return errors.New("bridge offline")
		}
		sent = append(sent, in.ID)
		return nil
	})
	relay, err := NewRelay(m.engine, transport, time.Second, nil)
	require.NoError(t, err)

	require.Error(t, relay.Tick(context.Background()))
	failing = false
	require.NoError(t, relay.Tick(context.Background()))
	require.Equal(t, []settlement.IntentID{intent.ID}, sent)

	m.now = m.now.Add(2 * time.Minute)
	require.NoError(t, relay.Tick(context.Background()))
	got, err := m.engine.Intent(intent.ID)
	require.NoError(t, err)
	require.Equal(t, settlement.StatusFailed, got.Status)
	require.Equal(t, "expired", got.Reason)

	refund, err := m.engine.Balance("USDC", owner)
	require.NoError(t, err)
	require.Equal(t, 0, refund.Cmp(usdc(100)))

	_, err = NewRelay(m.engine, nil, 0, nil)
	require.Error(t, err)
}
