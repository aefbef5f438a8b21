package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	// wad is the 1e18 fixed-point unit used for prices, rates and ratios.
	wad = mustBigInt("1000000000000000000")
	// bpsToWad scales a basis-point value into wad precision.
	bpsToWad = mustBigInt("100000000000000")
	// secondsPerYear converts annual rates into per-second rates.
	secondsPerYear = big.NewInt(31_536_000)
)

// WAD returns a fresh copy of the 1e18 fixed-point unit.
func WAD() *big.Int { return new(big.Int).Set(wad) }

// BpsToWad converts basis points into a wad scaled fraction.
func BpsToWad(bps uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(bps), bpsToWad)
}

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// mulDivDown returns floor(a*b/c). A zero divisor yields zero.
func mulDivDown(a, b, c *big.Int) *big.Int {
	if c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(zeroIfNil(a), zeroIfNil(b))
	return product.Quo(product, c)
}

// mulDivUp returns ceil(a*b/c) for non-negative operands.
func mulDivUp(a, b, c *big.Int) *big.Int {
	if c == nil || c.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(zeroIfNil(a), zeroIfNil(b))
	quo, rem := new(big.Int).QuoRem(product, c, new(big.Int))
	if rem.Sign() > 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// Share conversions. An empty side (no shares outstanding, or no assets
// backing them) converts 1:1 so the first depositor or borrower defines the
// exchange rate.

func toSharesDown(assets, totalAssets, totalShares *big.Int) *big.Int {
	if zeroIfNil(totalShares).Sign() == 0 || zeroIfNil(totalAssets).Sign() == 0 {
		return cloneInt(assets)
	}
	return mulDivDown(assets, totalShares, totalAssets)
}

func toSharesUp(assets, totalAssets, totalShares *big.Int) *big.Int {
	if zeroIfNil(totalShares).Sign() == 0 || zeroIfNil(totalAssets).Sign() == 0 {
		return cloneInt(assets)
	}
	return mulDivUp(assets, totalShares, totalAssets)
}

func toAssetsDown(shares, totalAssets, totalShares *big.Int) *big.Int {
	if zeroIfNil(totalShares).Sign() == 0 {
		return cloneInt(shares)
	}
	return mulDivDown(shares, totalAssets, totalShares)
}

func toAssetsUp(shares, totalAssets, totalShares *big.Int) *big.Int {
	if zeroIfNil(totalShares).Sign() == 0 {
		return cloneInt(shares)
	}
	return mulDivUp(shares, totalAssets, totalShares)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// subFloor returns max(a-b, 0).
func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(zeroIfNil(a), zeroIfNil(b))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}
