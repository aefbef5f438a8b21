package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// Static serves operator-set answers. It backs tests and pools whose price is
// pinned by configuration, and applies the same staleness rules as Manager.
type Static struct {
	mu      sync.RWMutex
	answers map[string]Answer
	maxAge  time.Duration
	now     func() time.Time
}

// NewStatic constructs an empty static reader. A zero maxAge disables the
// staleness window.
func NewStatic(maxAge time.Duration) *Static {
	return &Static{answers: make(map[string]Answer), maxAge: maxAge, now: time.Now}
}

// WithClock overrides the clock used for staleness checks.
func (s *Static) WithClock(now func() time.Time) *Static {
	if now != nil {
		s.now = now
	}
	return s
}

// Set records an answer for the asset.
func (s *Static) Set(asset string, value *uint256.Int, decimals uint8, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var copied *uint256.Int
	if value != nil {
		copied = new(uint256.Int).Set(value)
	}
	s.answers[normalizeAsset(asset)] = Answer{Value: copied, Decimals: decimals, UpdatedAt: updatedAt}
}

// SetPrice is a shorthand for an answer expressed as a whole-unit integer
// stamped with the current clock.
func (s *Static) SetPrice(asset string, whole uint64) {
	s.Set(asset, uint256.NewInt(whole), 0, s.now())
}

// Name implements Feed.
func (s *Static) Name() string { return "static" }

// LatestPrice implements Feed.
func (s *Static) LatestPrice(_ context.Context, asset string) (Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	answer, ok := s.answers[normalizeAsset(asset)]
	if !ok {
		return Answer{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return answer, nil
}

// Price implements Reader.
func (s *Static) Price(asset string) (PriceQuote, error) {
	answer, err := s.LatestPrice(context.Background(), asset)
	if err != nil {
		return PriceQuote{}, err
	}
	price, err := Normalize(answer.Value, answer.Decimals)
	if err != nil {
		return PriceQuote{}, err
	}
	quote := PriceQuote{
		Asset:          normalizeAsset(asset),
		Price:          price,
		SourceDecimals: answer.Decimals,
		Timestamp:      answer.UpdatedAt,
	}
	if err := Validate(quote, s.now(), s.maxAge); err != nil {
		return PriceQuote{}, err
	}
	return quote, nil
}
