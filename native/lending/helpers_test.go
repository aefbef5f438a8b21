package lending

import (
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"senja/core/events"
	"senja/crypto"
	"senja/native/bank"
	"senja/native/oracle"
	"senja/native/settlement"
	"senja/storage"
)

const (
	ethDecimals  = 18
	usdcDecimals = 6
)

type fixture struct {
	t        *testing.T
	db       *storage.MemDB
	prices   *oracle.Static
	engine   *Engine
	recorder *events.Recorder
	now      time.Time
	params   PoolParams
	id       PoolID
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0xA0
	raw[19] = b
	return crypto.NewAddress(crypto.SenjaPrefix, raw)
}

var (
	lender     = testAddr(1)
	borrower   = testAddr(2)
	liquidator = testAddr(3)
	rival      = testAddr(4)
)

func units(whole int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), pow10(decimals))
}

func bi(v string) *big.Int {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		panic("bad big int " + v)
	}
	return out
}

// ethUsdcParams describes an ETH-collateral, USDC-debt pool at 80% LTV with a
// 5% liquidation incentive and full close factor.
func ethUsdcParams() PoolParams {
	return PoolParams{
		ID:                   MakePoolID("ETH", "USDC", 8_000),
		CollateralToken:      "ETH",
		BorrowToken:          "USDC",
		CollateralDecimals:   ethDecimals,
		BorrowDecimals:       usdcDecimals,
		LTV:                  BpsToWad(8_000),
		LiquidationIncentive: BpsToWad(500),
		CloseFactor:          BpsToWad(10_000),
		ProtocolFee:          big.NewInt(0),
		Interest:             NewInterestModelBps(0, 400, 7_500, 8_000),
	}
}

// newFixture wires an engine over an in-memory database with a frozen clock.
// Prices never go stale unless a test advances the clock past maxAge.
func newFixture(t *testing.T, params PoolParams, maxAge time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		db:       storage.NewMemDB(),
		recorder: &events.Recorder{},
		now:      time.Unix(1_700_000_000, 0),
		params:   params,
		id:       params.ID,
	}
	f.prices = oracle.NewStatic(maxAge).WithClock(f.clock)
	f.engine = NewEngine(f.db, f.prices)
	f.engine.SetClock(f.clock)
	f.engine.SetEmitter(f.recorder)
	require.NoError(t, f.engine.RegisterPool(params))
	f.setPrice("ETH", 2000)
	f.setPrice("USDC", 1)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) setPrice(asset string, whole uint64) {
	f.prices.Set(asset, uint256.NewInt(whole), 0, f.now)
}

// setPriceWad pins an exact wad-precision price.
func (f *fixture) setPriceWad(asset string, price *big.Int) {
	value, overflow := uint256.FromBig(price)
	require.False(f.t, overflow)
	f.prices.Set(asset, value, 18, f.now)
}

func (f *fixture) mint(token string, to crypto.Address, amount *big.Int) {
	f.t.Helper()
	require.NoError(f.t, f.engine.Mint(token, to, amount))
}

func (f *fixture) balance(token string, who crypto.Address) *big.Int {
	f.t.Helper()
	bal, err := f.engine.Balance(token, who)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) pool() *Pool {
	f.t.Helper()
	var pool *Pool
	err := f.engine.view(func(s ledgerState, _ *bank.Ledger, _ *settlement.Store) error {
		var err error
		pool, err = s.pool(f.id)
		return err
	})
	require.NoError(f.t, err)
	return pool
}

func (f *fixture) position(who crypto.Address) *Position {
	f.t.Helper()
	pos, err := f.engine.Position(f.id, who)
	require.NoError(f.t, err)
	return pos
}

// fund supplies liquidity from the lender and collateral from the borrower.
func (f *fixture) fund(liquidity, collateral *big.Int) {
	f.t.Helper()
	f.mint(f.params.BorrowToken, lender, liquidity)
	_, err := f.engine.Supply(f.id, lender, liquidity)
	require.NoError(f.t, err)
	if collateral != nil && collateral.Sign() > 0 {
		f.mint(f.params.CollateralToken, borrower, collateral)
		require.NoError(f.t, f.engine.SupplyCollateral(f.id, borrower, collateral))
	}
}

func requireEqualInt(t *testing.T, want, got *big.Int, msgAndArgs ...interface{}) {
	t.Helper()
	require.Equal(t, want.String(), got.String(), msgAndArgs...)
}
