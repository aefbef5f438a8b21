package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// PriceDecimals is the fixed-point precision of every normalised price.
const PriceDecimals = 18

// maxFeedDecimals bounds the precision accepted from upstream feeds.
const maxFeedDecimals = 36

var (
	// ErrStalePrice is returned when the freshest quote is older than the
	// staleness window or carries a timestamp in the future.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrInvalidPrice is returned for zero, missing or malformed answers.
	ErrInvalidPrice = errors.New("oracle: invalid price")
	// ErrUnknownAsset is returned when no feed tracks the asset.
	ErrUnknownAsset = errors.New("oracle: unknown asset")
)

// Answer is the raw reading of an upstream feed, in the feed's own precision.
type Answer struct {
	Value     *uint256.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// PriceQuote is a normalised price. Price always carries PriceDecimals of
// precision; SourceDecimals records the precision the feed reported in.
type PriceQuote struct {
	Asset          string
	Price          *big.Int
	SourceDecimals uint8
	Timestamp      time.Time
}

// Clone returns a deep copy of the quote.
func (q PriceQuote) Clone() PriceQuote {
	clone := q
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// Normalize converts a raw feed answer into a PriceDecimals fixed-point value.
func Normalize(answer *uint256.Int, decimals uint8) (*big.Int, error) {
	if answer == nil || answer.IsZero() {
		return nil, ErrInvalidPrice
	}
	if decimals > maxFeedDecimals {
		return nil, fmt.Errorf("%w: %d decimals", ErrInvalidPrice, decimals)
	}
	value := answer.ToBig()
	switch {
	case decimals < PriceDecimals:
		value.Mul(value, pow10(PriceDecimals-decimals))
	case decimals > PriceDecimals:
		value.Quo(value, pow10(decimals-PriceDecimals))
	}
	if value.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return value, nil
}

// Validate applies the fail-closed checks shared by every reader: the price
// must be positive and the timestamp must fall within maxAge of now.
func Validate(q PriceQuote, now time.Time, maxAge time.Duration) error {
	if q.Price == nil || q.Price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if q.Timestamp.IsZero() {
		return ErrStalePrice
	}
	if q.Timestamp.After(now.Add(futureTolerance)) {
		return fmt.Errorf("%w: timestamp in the future", ErrStalePrice)
	}
	if maxAge > 0 && now.Sub(q.Timestamp) > maxAge {
		return fmt.Errorf("%w: %s old", ErrStalePrice, now.Sub(q.Timestamp).Truncate(time.Second))
	}
	return nil
}

const futureTolerance = 5 * time.Second

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
