package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"senja/crypto"
	"senja/native/lending"
	"senja/observability/metrics"
)

// Ledger is the slice of the lending engine the keeper drives.
type Ledger interface {
	Pools() []lending.PoolID
	ListPositions(id lending.PoolID) ([]*lending.Position, error)
	Liquidatable(id lending.PoolID, user crypto.Address) (bool, error)
	Liquidate(id lending.PoolID, liquidator, borrower crypto.Address, repayShares *big.Int) (*lending.LiquidationResult, error)
}

// Report summarises one scan.
type Report struct {
	Scanned    int
	Liquidated int
	BadDebt    int
	// Races counts positions that were healthy again by the time the
	// liquidation ran.
	Races    int
	Failures int
}

// Keeper periodically scans every pool and liquidates unhealthy positions
// with a single liquidator account.
type Keeper struct {
	ledger     Ledger
	liquidator crypto.Address
	interval   time.Duration
	logger     *slog.Logger
}

// New constructs a keeper. interval defaults to ten seconds.
func New(ledger Ledger, liquidator crypto.Address, interval time.Duration, logger *slog.Logger) (*Keeper, error) {
	if ledger == nil {
		return nil, fmt.Errorf("keeper: ledger required")
	}
	if liquidator.IsZero() {
		return nil, fmt.Errorf("keeper: liquidator account required")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{ledger: ledger, liquidator: liquidator, interval: interval, logger: logger}, nil
}

// Run blocks, scanning on every interval until the context is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	k.logger.Info("keeper started", slog.String("liquidator", k.liquidator.String()), slog.Duration("interval", k.interval))
	for {
		if _, err := k.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Warn("keeper scan failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick scans every position once. A failure on one position does not stop
// the scan; the failures are joined into the returned error.
func (k *Keeper) Tick(ctx context.Context) (Report, error) {
	var report Report
	var errs []error
	for _, id := range k.ledger.Pools() {
		positions, err := k.ledger.ListPositions(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", id, err))
			continue
		}
		for _, pos := range positions {
			if err := ctx.Err(); err != nil {
				metrics.Lending().ObserveKeeperScan("cancelled")
				return report, err
			}
			if pos.BorrowShares == nil || pos.BorrowShares.Sign() == 0 {
				continue
			}
			report.Scanned++
			if err := k.visit(id, pos.Owner, &report); err != nil {
				report.Failures++
				errs = append(errs, err)
			}
		}
	}
	outcome := "ok"
	if len(errs) > 0 {
		outcome = "partial"
	}
	metrics.Lending().ObserveKeeperScan(outcome)
	return report, errors.Join(errs...)
}

func (k *Keeper) visit(id lending.PoolID, owner crypto.Address, report *Report) error {
	unhealthy, err := k.ledger.Liquidatable(id, owner)
	if err != nil {
		return fmt.Errorf("pool %s: health of %s: %w", id, owner, err)
	}
	if !unhealthy {
		return nil
	}
	result, err := k.ledger.Liquidate(id, k.liquidator, owner, big.NewInt(0))
	switch {
	case errors.Is(err, lending.ErrPositionHealthy):
		report.Races++
		metrics.Lending().ObserveLiquidation(id.String(), "race")
		return nil
	case err != nil:
		metrics.Lending().ObserveLiquidation(id.String(), string(lending.Code(err)))
		return fmt.Errorf("pool %s: liquidate %s: %w", id, owner, err)
	}
	report.Liquidated++
	outcome := "liquidated"
	if errors.Is(result.Residual, lending.ErrBadDebtResidual) {
		report.BadDebt++
		outcome = "bad_debt"
		metrics.Lending().ObserveBadDebt(id.String())
	}
	metrics.Lending().ObserveLiquidation(id.String(), outcome)
	k.logger.Info("position liquidated",
		slog.String("pool", id.String()),
		slog.String("borrower", owner.String()),
		slog.String("repaid", result.RepaidAssets.String()),
		slog.String("seized", result.SeizedCollateral.String()),
		slog.String("outcome", outcome))
	return nil
}
