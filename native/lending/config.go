package lending

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Catalogue is the on-disk pool catalogue.
//
//	[[pool]]
//	collateral = "ETH"
//	borrow = "USDC"
//	collateral_decimals = 18
//	borrow_decimals = 6
//	ltv_bps = 8000
//	incentive_bps = 500
//	close_factor_bps = 10000
//	protocol_fee_bps = 1000
//	[pool.interest]
//	base_bps = 0
//	slope1_bps = 400
//	slope2_bps = 7500
//	kink_bps = 8000
type Catalogue struct {
	Pools []PoolConfig `toml:"pool"`
}

// PoolConfig captures one catalogue entry. Ratios are basis points.
type PoolConfig struct {
	Collateral         string         `toml:"collateral"`
	Borrow             string         `toml:"borrow"`
	CollateralDecimals uint8          `toml:"collateral_decimals"`
	BorrowDecimals     uint8          `toml:"borrow_decimals"`
	LTVBps             uint64         `toml:"ltv_bps"`
	IncentiveBps       uint64         `toml:"incentive_bps"`
	CloseFactorBps     uint64         `toml:"close_factor_bps"`
	ProtocolFeeBps     uint64         `toml:"protocol_fee_bps"`
	Interest           InterestConfig `toml:"interest"`
}

// InterestConfig describes the kinked curve in basis points per year.
type InterestConfig struct {
	BaseBps   uint64 `toml:"base_bps"`
	Slope1Bps uint64 `toml:"slope1_bps"`
	Slope2Bps uint64 `toml:"slope2_bps"`
	KinkBps   uint64 `toml:"kink_bps"`
}

// EnsureDefaults fills the optional fields.
func (c *PoolConfig) EnsureDefaults() {
	if c.CloseFactorBps == 0 {
		c.CloseFactorBps = 10_000
	}
	if c.Interest == (InterestConfig{}) {
		c.Interest = InterestConfig{BaseBps: 200, Slope1Bps: 400, Slope2Bps: 7_500, KinkBps: 8_000}
	}
}

// Params converts the entry into validated pool parameters.
func (c PoolConfig) Params() (PoolParams, error) {
	c.EnsureDefaults()
	params := PoolParams{
		ID:                   MakePoolID(c.Collateral, c.Borrow, c.LTVBps),
		CollateralToken:      normalizeToken(c.Collateral),
		BorrowToken:          normalizeToken(c.Borrow),
		CollateralDecimals:   c.CollateralDecimals,
		BorrowDecimals:       c.BorrowDecimals,
		LTV:                  BpsToWad(c.LTVBps),
		LiquidationIncentive: BpsToWad(c.IncentiveBps),
		CloseFactor:          BpsToWad(c.CloseFactorBps),
		ProtocolFee:          BpsToWad(c.ProtocolFeeBps),
		Interest:             NewInterestModelBps(c.Interest.BaseBps, c.Interest.Slope1Bps, c.Interest.Slope2Bps, c.Interest.KinkBps),
	}
	if err := params.Validate(); err != nil {
		return PoolParams{}, err
	}
	return params, nil
}

// ParseCatalogue decodes a TOML catalogue.
func ParseCatalogue(data []byte) ([]PoolParams, error) {
	var cat Catalogue
	if _, err := toml.Decode(string(data), &cat); err != nil {
		return nil, fmt.Errorf("decode pool catalogue: %w", err)
	}
	seen := make(map[PoolID]struct{}, len(cat.Pools))
	out := make([]PoolParams, 0, len(cat.Pools))
	for i, entry := range cat.Pools {
		params, err := entry.Params()
		if err != nil {
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
		if _, dup := seen[params.ID]; dup {
			return nil, fmt.Errorf("pool %d: %w: %s", i, ErrPoolExists, params.ID)
		}
		seen[params.ID] = struct{}{}
		out = append(out, params)
	}
	return out, nil
}

// LoadCatalogue reads and decodes the pool catalogue at path.
func LoadCatalogue(path string) ([]PoolParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool catalogue: %w", err)
	}
	return ParseCatalogue(data)
}
