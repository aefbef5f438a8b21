package storage

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"senja/core/events"
	"senja/crypto"
	"senja/native/oracle"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	journal, err := Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	clock := time.Unix(1_700_000_000, 0).UTC()
	journal.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	return journal
}

func testAddress(t *testing.T, prefix crypto.AddressPrefix) crypto.Address {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address(prefix)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	require.Error(t, err)
	_, err = Open("sqlite", "")
	require.ErrorIs(t, err, ErrPathRequired)
	_, err = FileDSN(" ")
	require.ErrorIs(t, err, ErrPathRequired)
}

func TestLiquidationHistory(t *testing.T) {
	journal := openJournal(t)
	liquidator := testAddress(t, crypto.SenjaPrefix)
	borrower := testAddress(t, crypto.SenjaPrefix)

	for i := int64(1); i <= 3; i++ {
		journal.Emit(events.LendingLiquidated{
			Pool:             "ETH-USDC-8000",
			Liquidator:       liquidator,
			Borrower:         borrower,
			RepaidShares:     big.NewInt(i * 10),
			RepaidAssets:     big.NewInt(i * 100),
			SeizedCollateral: big.NewInt(i),
			Incentive:        big.NewInt(0),
		})
	}
	journal.Emit(events.LendingLiquidated{Pool: "BTC-USDC-7000", RepaidAssets: big.NewInt(1)})

	ctx := context.Background()
	rows, err := journal.Liquidations(ctx, "ETH-USDC-8000", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "300", rows[0].RepaidAssets)
	require.Equal(t, "200", rows[1].RepaidAssets)
	require.Equal(t, borrower.String(), rows[0].Borrower)
	require.Equal(t, "0", rows[0].BadDebtAssets)

	all, err := journal.Liquidations(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)

	activity, err := journal.Activity(ctx, "ETH-USDC-8000", borrower.String(), 10)
	require.NoError(t, err)
	require.Len(t, activity, 3)
	require.Equal(t, events.TypeLendingLiquidated, activity[0].Type)
}

func TestBadDebtAndPositionEvents(t *testing.T) {
	journal := openJournal(t)
	borrower := testAddress(t, crypto.SenjaPrefix)

	journal.Emit(events.LendingPosition{
		Kind:    events.TypeLendingBorrowed,
		Pool:    "ETH-USDC-8000",
		Account: borrower,
		Payer:   borrower,
		Amount:  big.NewInt(500),
		Shares:  big.NewInt(500),
	})
	journal.Emit(events.LendingBadDebt{
		Pool:     "ETH-USDC-8000",
		Borrower: borrower,
		Token:    "usdc",
		Shares:   big.NewInt(40),
		Assets:   big.NewInt(42),
		Total:    big.NewInt(42),
	})

	ctx := context.Background()
	debts, err := journal.BadDebts(ctx, "ETH-USDC-8000")
	require.NoError(t, err)
	require.Len(t, debts, 1)
	require.Equal(t, "42", debts[0].Assets)
	require.Equal(t, "usdc", debts[0].Token)

	activity, err := journal.Activity(ctx, "", borrower.String(), 0)
	require.NoError(t, err)
	require.Len(t, activity, 2)
	require.Equal(t, events.TypeLendingBadDebt, activity[0].Type)
	require.Equal(t, events.TypeLendingBorrowed, activity[1].Type)
	require.Contains(t, activity[1].Attributes, `"amount":"500"`)
}

func TestIntentAuditTrail(t *testing.T) {
	journal := openJournal(t)
	borrower := testAddress(t, crypto.SenjaPrefix)
	base := events.SettlementIntent{
		ID:               "ABCD",
		Pool:             "ETH-USDC-8000",
		Borrower:         borrower,
		DestinationChain: "base",
		Recipient:        "0xrecipient",
		Token:            "USDC",
		Amount:           big.NewInt(100),
		Nonce:            1,
	}
	created := base
	created.Kind = events.TypeSettlementIntentCreated
	created.Status = "pending"
	resolved := base
	resolved.Kind = events.TypeSettlementIntentResolved
	resolved.Status = "failed"
	resolved.Reason = "bridge offline"
	journal.Emit(created)
	journal.Emit(resolved)

	history, err := journal.IntentHistory(context.Background(), " abcd ")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "pending", history[0].Status)
	require.Equal(t, "failed", history[1].Status)
	require.Equal(t, "bridge offline", history[1].Reason)
	require.Equal(t, borrower.String(), history[0].Borrower)

	_, err = journal.IntentHistory(context.Background(), "ffff")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInboundAuditUnique(t *testing.T) {
	journal := openJournal(t)
	msg := events.SettlementReceived{SourceChain: "base", Nonce: 7, Token: "USDC", Amount: big.NewInt(5), Action: "credit"}
	journal.Emit(msg)
	journal.Emit(msg)

	var count int64
	require.NoError(t, journal.db.Model(&InboundAudit{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
	require.NoError(t, journal.db.Model(&EventRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count, "duplicate insert rolls back its event row")
}

func TestPriceSnapshots(t *testing.T) {
	journal := openJournal(t)
	ctx := context.Background()
	_, err := journal.LatestSnapshot(ctx, "ETH")
	require.ErrorIs(t, err, ErrNotFound)

	observed := time.Unix(1_700_000_000, 0)
	for i, price := range []int64{1900, 2000} {
		require.NoError(t, journal.RecordPriceSnapshot(ctx, oracle.Snapshot{
			Quote:   oracle.PriceQuote{Asset: "ETH", Price: big.NewInt(price), SourceDecimals: 8, Timestamp: observed},
			Feeders: []string{"a", "b"},
			ProofID: "proof",
			Time:    observed.Add(time.Duration(i) * time.Minute),
		}))
	}
	latest, err := journal.LatestSnapshot(ctx, " eth ")
	require.NoError(t, err)
	require.Equal(t, "2000", latest.Price)
	require.Equal(t, "a,b", latest.Feeders)
	require.EqualValues(t, 8, latest.SourceDecimals)

	require.Error(t, journal.RecordPriceSnapshot(ctx, oracle.Snapshot{Quote: oracle.PriceQuote{Asset: "ETH"}}))
	require.NoError(t, journal.Ping(ctx))
}
