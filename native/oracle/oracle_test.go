package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func wad(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), pow10(PriceDecimals))
}

func TestNormalizeScalesToWad(t *testing.T) {
	price, err := Normalize(uint256.NewInt(250_000_000), 8)
	require.NoError(t, err)
	expected := new(big.Int).Quo(wad(25), big.NewInt(10))
	require.Equal(t, 0, price.Cmp(expected))

	price, err = Normalize(new(uint256.Int).Mul(uint256.NewInt(3), new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(24))), 24)
	require.NoError(t, err)
	require.Equal(t, 0, price.Cmp(wad(3)))

	_, err = Normalize(uint256.NewInt(0), 8)
	require.ErrorIs(t, err, ErrInvalidPrice)

	_, err = Normalize(uint256.NewInt(1), 30)
	require.ErrorIs(t, err, ErrInvalidPrice, "truncates to zero")
}

func TestStaticFailsClosed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	src := NewStatic(time.Minute).WithClock(func() time.Time { return clock })

	_, err := src.Price("ETH")
	require.ErrorIs(t, err, ErrUnknownAsset)

	src.Set("eth", uint256.NewInt(2000), 0, now)
	q, err := src.Price("ETH")
	require.NoError(t, err)
	require.Equal(t, 0, q.Price.Cmp(wad(2000)))

	clock = now.Add(2 * time.Minute)
	_, err = src.Price("ETH")
	require.ErrorIs(t, err, ErrStalePrice)

	clock = now
	src.Set("ETH", uint256.NewInt(0), 0, now)
	_, err = src.Price("ETH")
	require.ErrorIs(t, err, ErrInvalidPrice)

	src.Set("ETH", uint256.NewInt(1), 0, now.Add(time.Hour))
	_, err = src.Price("ETH")
	require.ErrorIs(t, err, ErrStalePrice)
}

type fakeFeed struct {
	name   string
	answer Answer
	err    error
}

func (f *fakeFeed) Name() string { return f.name }

func (f *fakeFeed) LatestPrice(context.Context, string) (Answer, error) {
	if f.err != nil {
		return Answer{}, f.err
	}
	return f.answer, nil
}

type capturingRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *capturingRecorder) RecordPriceSnapshot(_ context.Context, snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
	return nil
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feeds := []Feed{
		&fakeFeed{name: "alpha", answer: Answer{Value: uint256.NewInt(100), UpdatedAt: now}},
		&fakeFeed{name: "beta", answer: Answer{Value: uint256.NewInt(12000), Decimals: 2, UpdatedAt: now}},
		&fakeFeed{name: "gamma", answer: Answer{Value: uint256.NewInt(140), UpdatedAt: now}},
		&fakeFeed{name: "broken", err: errors.New("boom")},
	}
	recorder := &capturingRecorder{}
	var failures []string
	mgr, err := NewManager(feeds, []string{"eth"}, time.Second, time.Minute, 2,
		WithClock(func() time.Time { return now }),
		WithRecorder(recorder),
		WithFailureObserver(func(asset, feed, reason string) { failures = append(failures, feed+":"+reason) }),
	)
	require.NoError(t, err)

	require.NoError(t, mgr.Tick(context.Background()))
	q, err := mgr.Price("ETH")
	require.NoError(t, err)
	require.Equal(t, 0, q.Price.Cmp(wad(120)))
	require.Len(t, recorder.snaps, 1)
	require.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, recorder.snaps[0].Feeders)
	require.Len(t, recorder.snaps[0].ProofID, 64)
	require.Equal(t, []string{"broken:fetch"}, failures)
}

func TestManagerRequiresMinFeeds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feeds := []Feed{
		&fakeFeed{name: "alpha", answer: Answer{Value: uint256.NewInt(100), UpdatedAt: now}},
		&fakeFeed{name: "stale", answer: Answer{Value: uint256.NewInt(100), UpdatedAt: now.Add(-time.Hour)}},
	}
	mgr, err := NewManager(feeds, []string{"ETH"}, time.Second, time.Minute, 2, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.Error(t, mgr.Tick(context.Background()))

	_, err = mgr.Price("ETH")
	require.ErrorIs(t, err, ErrStalePrice)
}

func TestManagerPriceAgesOut(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	feeds := []Feed{&fakeFeed{name: "alpha", answer: Answer{Value: uint256.NewInt(7), UpdatedAt: now}}}
	mgr, err := NewManager(feeds, []string{"ETH"}, time.Second, time.Minute, 1, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	require.NoError(t, mgr.Tick(context.Background()))

	clock = now.Add(61 * time.Second)
	_, err = mgr.Price("ETH")
	require.ErrorIs(t, err, ErrStalePrice)
}

func TestHTTPFeedDecodesAnswer(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		fmt.Fprint(w, `{"answer":"200012345678","decimals":8,"updated_at":1700000000}`)
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.Client(), "upstream", srv.URL+"/prices/", "secret", map[string]string{"eth": "ethereum"})
	answer, err := feed.LatestPrice(context.Background(), "ETH")
	require.NoError(t, err)
	require.Equal(t, "/prices/ethereum", gotPath)
	require.Equal(t, "secret", gotKey)
	require.Equal(t, uint64(200012345678), answer.Value.Uint64())
	require.Equal(t, uint8(8), answer.Decimals)
	require.Equal(t, int64(1700000000), answer.UpdatedAt.Unix())
}

func TestHTTPFeedRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	feed := NewHTTPFeed(srv.Client(), "", srv.URL, "", nil)
	require.Equal(t, "http", feed.Name())
	_, err := feed.LatestPrice(context.Background(), "ETH")
	require.Error(t, err)
}
