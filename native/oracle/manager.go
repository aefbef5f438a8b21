package oracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// Feed reports the latest raw answer for an asset.
type Feed interface {
	Name() string
	LatestPrice(ctx context.Context, asset string) (Answer, error)
}

// Reader serves validated, normalised quotes. The lending engine consumes it
// on every health check.
type Reader interface {
	Price(asset string) (PriceQuote, error)
}

// Snapshot is an aggregated observation persisted for audit.
type Snapshot struct {
	Quote   PriceQuote
	Feeders []string
	ProofID string
	Time    time.Time
}

// Recorder persists aggregated snapshots.
type Recorder interface {
	RecordPriceSnapshot(ctx context.Context, snap Snapshot) error
}

// FailureObserver is notified whenever a feed or aggregation fails.
type FailureObserver func(asset, feed, reason string)

// Manager polls the configured feeds, aggregates a median per asset and
// serves the most recent aggregate to readers.
type Manager struct {
	logger   *slog.Logger
	feeds    []Feed
	assets   []string
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	recorder Recorder
	observe  FailureObserver
	now      func() time.Time

	mu     sync.RWMutex
	latest map[string]PriceQuote
	once   sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder persists every aggregated snapshot.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithFailureObserver installs a callback for feed failures.
func WithFailureObserver(fn FailureObserver) Option {
	return func(m *Manager) {
		m.observe = fn
	}
}

// WithClock overrides the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a manager instance.
func NewManager(feeds []Feed, assets []string, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if len(feeds) == 0 {
		return nil, fmt.Errorf("oracle: at least one feed required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("oracle: at least one asset required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("oracle: interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	normalized := make([]string, 0, len(assets))
	for _, asset := range assets {
		if trimmed := normalizeAsset(asset); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	mgr := &Manager{
		logger:   slog.Default(),
		feeds:    append([]Feed{}, feeds...),
		assets:   normalized,
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
		latest:   make(map[string]PriceQuote),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("oracle: manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.Int("feeds", len(m.feeds)), slog.Int("assets", len(m.assets)))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across every asset. Failures for
// one asset do not prevent the others from refreshing.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("oracle: manager not configured")
	}
	var errs []error
	for _, asset := range m.assets {
		if err := m.refresh(ctx, asset); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) refresh(ctx context.Context, asset string) error {
	now := m.now()
	quotes := make([]PriceQuote, 0, len(m.feeds))
	feeders := make([]string, 0, len(m.feeds))
	for _, feed := range m.feeds {
		if feed == nil {
			continue
		}
		answer, err := feed.LatestPrice(ctx, asset)
		if err != nil {
			m.fail(asset, feed.Name(), "fetch", err)
			continue
		}
		price, err := Normalize(answer.Value, answer.Decimals)
		if err != nil {
			m.fail(asset, feed.Name(), "invalid", err)
			continue
		}
		quote := PriceQuote{Asset: asset, Price: price, SourceDecimals: answer.Decimals, Timestamp: answer.UpdatedAt}
		if err := Validate(quote, now, m.maxAge); err != nil {
			m.fail(asset, feed.Name(), "stale", err)
			continue
		}
		feeders = append(feeders, feed.Name())
		quotes = append(quotes, quote)
	}
	if len(quotes) < m.minFeeds {
		m.fail(asset, "", "insufficient_feeds", nil)
		return fmt.Errorf("oracle: insufficient feeds for %s: %d of %d", asset, len(quotes), m.minFeeds)
	}
	aggregate := PriceQuote{
		Asset:          asset,
		Price:          computeMedian(quotes),
		SourceDecimals: quotes[0].SourceDecimals,
		Timestamp:      oldest(quotes),
	}
	m.mu.Lock()
	m.latest[asset] = aggregate
	m.mu.Unlock()

	if m.recorder != nil {
		snap := Snapshot{Quote: aggregate.Clone(), Feeders: feeders, ProofID: proofID(asset, feeders, now), Time: now}
		if err := m.recorder.RecordPriceSnapshot(ctx, snap); err != nil {
			m.logger.Warn("record price snapshot", slog.String("asset", asset), slog.Any("error", err))
		}
	}
	return nil
}

func (m *Manager) fail(asset, feed, reason string, err error) {
	attrs := []any{slog.String("asset", asset), slog.String("reason", reason)}
	if feed != "" {
		attrs = append(attrs, slog.String("feed", feed))
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	m.logger.Warn("oracle feed rejected", attrs...)
	if m.observe != nil {
		m.observe(asset, feed, reason)
	}
}

// Price implements Reader. The cached aggregate is revalidated against the
// staleness window on every call.
func (m *Manager) Price(asset string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, ErrInvalidPrice
	}
	key := normalizeAsset(asset)
	m.mu.RLock()
	quote, ok := m.latest[key]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("%w: no aggregate for %s", ErrStalePrice, key)
	}
	if err := Validate(quote, m.now(), m.maxAge); err != nil {
		return PriceQuote{}, err
	}
	return quote.Clone(), nil
}

func computeMedian(quotes []PriceQuote) *big.Int {
	sorted := make([]*big.Int, 0, len(quotes))
	for _, q := range quotes {
		sorted = append(sorted, new(big.Int).Set(q.Price))
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewInt(2))
}

// oldest returns the earliest timestamp so the aggregate ages with its
// stalest contributor.
func oldest(quotes []PriceQuote) time.Time {
	ts := quotes[0].Timestamp
	for _, q := range quotes[1:] {
		if q.Timestamp.Before(ts) {
			ts = q.Timestamp
		}
	}
	return ts
}

func proofID(asset string, feeders []string, ts time.Time) string {
	digest := blake3.New(32, nil)
	digest.Write([]byte(asset))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
