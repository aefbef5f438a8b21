package storage

import (
	"time"

	"gorm.io/gorm"
)

// EventRecord is the append-only log of every ledger event.
type EventRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	Type       string `gorm:"index;not null"`
	Pool       string `gorm:"index"`
	Account    string `gorm:"index"`
	Attributes string `gorm:"type:text"`
	CreatedAt  time.Time
}

// Liquidation is one settled liquidation.
type Liquidation struct {
	ID               string `gorm:"primaryKey;size:36"`
	Pool             string `gorm:"index;not null"`
	Liquidator       string `gorm:"index"`
	Borrower         string `gorm:"index"`
	RepaidShares     string
	RepaidAssets     string
	SeizedCollateral string
	Incentive        string
	BadDebtAssets    string
	CreatedAt        time.Time `gorm:"index"`
}

// BadDebt is one write-off against lenders.
type BadDebt struct {
	ID        string `gorm:"primaryKey;size:36"`
	Pool      string `gorm:"index;not null"`
	Borrower  string `gorm:"index"`
	Token     string
	Shares    string
	Assets    string
	Total     string
	CreatedAt time.Time
}

// IntentAudit records each lifecycle transition of an outbound intent.
type IntentAudit struct {
	ID               string `gorm:"primaryKey;size:36"`
	IntentID         string `gorm:"index;not null"`
	Kind             string `gorm:"index"`
	Pool             string
	Borrower         string
	DestinationChain string
	Recipient        string
	Token            string
	Amount           string
	Nonce            uint64
	Status           string
	Reason           string
	CreatedAt        time.Time
}

// InboundAudit records each applied inbound settlement message.
type InboundAudit struct {
	ID          string `gorm:"primaryKey;size:36"`
	SourceChain string `gorm:"uniqueIndex:idx_inbound_source_nonce;not null"`
	Nonce       uint64 `gorm:"uniqueIndex:idx_inbound_source_nonce"`
	Recipient   string `gorm:"index"`
	Token       string
	Amount      string
	Action      string
	Pool        string
	Relayer     string
	CreatedAt   time.Time
}

// PriceSnapshot is an aggregated oracle observation.
type PriceSnapshot struct {
	ID             string `gorm:"primaryKey;size:36"`
	Asset          string `gorm:"index;not null"`
	Price          string `gorm:"not null"`
	SourceDecimals uint8
	Feeders        string
	ProofID        string `gorm:"index"`
	ObservedAt     time.Time
	RecordedAt     time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&Liquidation{},
		&BadDebt{},
		&IntentAudit{},
		&InboundAudit{},
		&PriceSnapshot{},
	)
}
