package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"senja/core/events"
	"senja/crypto"
	"senja/native/oracle"
)

var (
	// ErrPathRequired is returned when the sqlite journal path is missing.
	ErrPathRequired = errors.New("journal path must be configured")
	// ErrNotFound is returned when a lookup matches no rows.
	ErrNotFound = errors.New("journal: not found")
)

// Journal persists audit history for the lending daemon. It implements
// events.Emitter and oracle.Recorder. The ledger itself lives in the KV
// store; nothing here is consulted for accounting.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured driver and applies migrations.
func Open(driver, dsn string) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			return nil, ErrPathRequired
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and applies migrations.
func New(db *gorm.DB) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, logger: slog.Default(), now: time.Now}, nil
}

// SetLogger overrides the logger used for write failures.
func (j *Journal) SetLogger(l *slog.Logger) {
	if j != nil && l != nil {
		j.logger = l
	}
}

// SetClock overrides the record timestamp source.
func (j *Journal) SetClock(now func() time.Time) {
	if j != nil && now != nil {
		j.now = now
	}
}

// Close releases database resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Emit implements events.Emitter. Write failures are logged; the ledger has
// already committed by the time an event is emitted.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if err := j.record(context.Background(), evt); err != nil {
		j.logger.Error("journal write failed", slog.String("event", evt.EventType()), slog.Any("error", err))
	}
}

func (j *Journal) record(ctx context.Context, evt events.Event) error {
	now := j.now().UTC()
	payload := evt.Event()
	attrs := map[string]string{}
	if payload != nil {
		attrs = payload.Attributes
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	entry := EventRecord{
		ID:         uuid.NewString(),
		Type:       evt.EventType(),
		Pool:       attrs["pool"],
		Account:    firstNonEmpty(attrs["account"], attrs["borrower"], attrs["recipient"]),
		Attributes: string(encoded),
		CreatedAt:  now,
	}
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		typed := typedRecord(evt, now)
		if typed == nil {
			return nil
		}
		if err := tx.Create(typed).Error; err != nil {
			return fmt.Errorf("insert %s: %w", evt.EventType(), err)
		}
		return nil
	})
}

func typedRecord(evt events.Event, now time.Time) interface{} {
	switch e := evt.(type) {
	case events.LendingLiquidated:
		return &Liquidation{
			ID:               uuid.NewString(),
			Pool:             e.Pool,
			Liquidator:       address(e.Liquidator),
			Borrower:         address(e.Borrower),
			RepaidShares:     amount(e.RepaidShares),
			RepaidAssets:     amount(e.RepaidAssets),
			SeizedCollateral: amount(e.SeizedCollateral),
			Incentive:        amount(e.Incentive),
			BadDebtAssets:    amount(e.BadDebtAssets),
			CreatedAt:        now,
		}
	case events.LendingBadDebt:
		return &BadDebt{
			ID:        uuid.NewString(),
			Pool:      e.Pool,
			Borrower:  address(e.Borrower),
			Token:     e.Token,
			Shares:    amount(e.Shares),
			Assets:    amount(e.Assets),
			Total:     amount(e.Total),
			CreatedAt: now,
		}
	case events.SettlementIntent:
		return &IntentAudit{
			ID:               uuid.NewString(),
			IntentID:         strings.ToLower(strings.TrimSpace(e.ID)),
			Kind:             e.Kind,
			Pool:             e.Pool,
			Borrower:         address(e.Borrower),
			DestinationChain: e.DestinationChain,
			Recipient:        e.Recipient,
			Token:            e.Token,
			Amount:           amount(e.Amount),
			Nonce:            e.Nonce,
			Status:           e.Status,
			Reason:           e.Reason,
			CreatedAt:        now,
		}
	case events.SettlementReceived:
		return &InboundAudit{
			ID:          uuid.NewString(),
			SourceChain: e.SourceChain,
			Nonce:       e.Nonce,
			Recipient:   address(e.Recipient),
			Token:       e.Token,
			Amount:      amount(e.Amount),
			Action:      e.Action,
			Pool:        e.Pool,
			Relayer:     address(e.Relayer),
			CreatedAt:   now,
		}
	}
	return nil
}

// RecordPriceSnapshot implements oracle.Recorder.
func (j *Journal) RecordPriceSnapshot(ctx context.Context, snap oracle.Snapshot) error {
	if j == nil {
		return fmt.Errorf("journal not configured")
	}
	if snap.Quote.Price == nil {
		return fmt.Errorf("snapshot missing price")
	}
	recorded := snap.Time
	if recorded.IsZero() {
		recorded = j.now()
	}
	row := PriceSnapshot{
		ID:             uuid.NewString(),
		Asset:          snap.Quote.Asset,
		Price:          snap.Quote.Price.String(),
		SourceDecimals: snap.Quote.SourceDecimals,
		Feeders:        strings.Join(snap.Feeders, ","),
		ProofID:        snap.ProofID,
		ObservedAt:     snap.Quote.Timestamp.UTC(),
		RecordedAt:     recorded.UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent aggregate recorded for asset.
func (j *Journal) LatestSnapshot(ctx context.Context, asset string) (PriceSnapshot, error) {
	var row PriceSnapshot
	err := j.db.WithContext(ctx).
		Where("asset = ?", strings.ToUpper(strings.TrimSpace(asset))).
		Order("recorded_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PriceSnapshot{}, ErrNotFound
	}
	if err != nil {
		return PriceSnapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	return row, nil
}

// Liquidations lists the newest liquidations of a pool first. An empty pool
// matches every pool.
func (j *Journal) Liquidations(ctx context.Context, pool string, limit int) ([]Liquidation, error) {
	query := j.db.WithContext(ctx).Order("created_at DESC").Limit(clampLimit(limit))
	if pool = strings.TrimSpace(pool); pool != "" {
		query = query.Where("pool = ?", pool)
	}
	var rows []Liquidation
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query liquidations: %w", err)
	}
	return rows, nil
}

// BadDebts lists the write-offs of a pool in insertion order.
func (j *Journal) BadDebts(ctx context.Context, pool string) ([]BadDebt, error) {
	var rows []BadDebt
	if err := j.db.WithContext(ctx).Where("pool = ?", strings.TrimSpace(pool)).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query bad debts: %w", err)
	}
	return rows, nil
}

// IntentHistory returns every recorded transition of an intent, oldest first.
func (j *Journal) IntentHistory(ctx context.Context, intentID string) ([]IntentAudit, error) {
	var rows []IntentAudit
	if err := j.db.WithContext(ctx).Where("intent_id = ?", strings.ToLower(strings.TrimSpace(intentID))).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query intent audit: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows, nil
}

// Activity lists the newest events touching account, optionally filtered to
// one pool.
func (j *Journal) Activity(ctx context.Context, pool, account string, limit int) ([]EventRecord, error) {
	query := j.db.WithContext(ctx).Where("account = ?", strings.TrimSpace(account)).Order("created_at DESC").Limit(clampLimit(limit))
	if pool = strings.TrimSpace(pool); pool != "" {
		query = query.Where("pool = ?", pool)
	}
	var rows []EventRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	return rows, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func address(addr crypto.Address) string {
	if len(addr.Bytes()) == 0 {
		return ""
	}
	return addr.String()
}
