package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BalanceRow holds the persisted counter, one row per account scope. The
// counter is authoritative; it is never recomputed from the entry rows.
type BalanceRow struct {
	AccountKey string    `gorm:"primaryKey"`
	Balance    int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (BalanceRow) TableName() string { return "balances" }

// LedgerEntryRow mirrors the ledger_entries table.
type LedgerEntryRow struct {
	EntryID    string    `gorm:"type:uuid;primaryKey"`
	AccountKey string    `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	Source     string    `gorm:"not null"`
	Delta      int64     `gorm:"not null"`
	Reference  string    `gorm:""`
	Note       string    `gorm:""`
	CreatedAt  time.Time `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntryRow) TableName() string { return "ledger_entries" }

func (entry *LedgerEntryRow) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// AppStateRow is a small key/value table for process-level state such as the
// last known account.
type AppStateRow struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (AppStateRow) TableName() string { return "app_state" }

// VerificationRecordRow is the verifier's audit trail: one row per
// verify-and-grant request, with the raw request payload retained for
// reconciliation. The partial unique index on verified signatures is the
// replay guard: a signature can be granted against at most once, while
// rejected attempts for the same signature keep accumulating rows.
type VerificationRecordRow struct {
	RecordID    string         `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"not null;index"`
	TxSignature string         `gorm:"not null;index;index:uniq_verified_signature,unique,where:valid"`
	Valid       bool           `gorm:"not null"`
	CreditDelta int64          `gorm:"not null"`
	Request     datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (VerificationRecordRow) TableName() string { return "verification_records" }

func (record *VerificationRecordRow) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}
