package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"senja/native/settlement"
	"senja/observability/metrics"
)

// Settlement is the slice of the lending engine the relay loop drives.
type Settlement interface {
	DispatchIntents(ctx context.Context, transport settlement.Transport) (int, error)
	ExpireIntents() ([]*settlement.Intent, error)
	PendingIntents() ([]*settlement.Intent, error)
}

// Relay publishes committed intents and expires those past their deadline.
type Relay struct {
	ledger    Settlement
	transport settlement.Transport
	interval  time.Duration
	logger    *slog.Logger
}

// NewRelay constructs the outbox loop.
func NewRelay(ledger Settlement, transport settlement.Transport, interval time.Duration, logger *slog.Logger) (*Relay, error) {
	if ledger == nil || transport == nil {
		return nil, fmt.Errorf("relay: ledger and transport required")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{ledger: ledger, transport: transport, interval: interval, logger: logger}, nil
}

// Run blocks until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("settlement relay tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick expires overdue intents, then sends the unpublished remainder.
func (r *Relay) Tick(ctx context.Context) error {
	expired, err := r.ledger.ExpireIntents()
	if err != nil {
		return fmt.Errorf("expire intents: %w", err)
	}
	for _, intent := range expired {
		r.logger.Info("settlement intent expired", slog.String("id", intent.ID.String()), slog.String("chain", intent.DestinationChain))
	}
	sent, dispatchErr := r.ledger.DispatchIntents(ctx, r.transport)
	metrics.Lending().ObserveDispatch(sent, dispatchErr)
	if pending, err := r.ledger.PendingIntents(); err == nil {
		metrics.Lending().SetPendingIntents(len(pending))
	}
	if dispatchErr != nil {
		return fmt.Errorf("dispatch intents: %w", dispatchErr)
	}
	return nil
}
