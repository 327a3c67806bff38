package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arcanalabs/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateVerification marks a verify-and-grant replay: a valid record
// for the same transaction signature already exists.
var ErrDuplicateVerification = errors.New("signature already verified")

const (
	appStateKeyLastKnownAccount = "lastKnownAccount"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectBalance         = "balance"
	errorSubjectEntry           = "entry"
	errorSubjectScope           = "scope"
	errorSubjectVerification    = "verification"
	errorCodeGet                = "get"
	errorCodeSet                = "set"
	errorCodeInsert             = "insert"
	errorCodeDuplicate          = "duplicate"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeTrim               = "trim"
)

// Store implements credits.Store and credits.ScopeStore using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&BalanceRow{}, &LedgerEntryRow{}, &AppStateRow{}, &VerificationRecordRow{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetBalance reads the persisted counter; an account without a row has a
// zero balance (rows appear lazily on the first write).
func (store *Store) GetBalance(ctx context.Context, accountKey string) (int64, error) {
	var row BalanceRow
	err := store.db.WithContext(ctx).
		Where("account_key = ?", accountKey).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return row.Balance, nil
}

// SetBalance upserts the counter row.
func (store *Store) SetBalance(ctx context.Context, accountKey string, balance int64) error {
	row := BalanceRow{
		AccountKey: accountKey,
		Balance:    balance,
		UpdatedAt:  time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSet, err)
	}
	return nil
}

// AppendEntry inserts one immutable ledger row.
func (store *Store) AppendEntry(ctx context.Context, entry credits.Entry) error {
	row := LedgerEntryRow{
		EntryID:    entry.EntryID,
		AccountKey: entry.AccountKey,
		Source:     entry.Source.String(),
		Delta:      entry.Delta,
		Reference:  entry.Reference,
		Note:       entry.Note,
		CreatedAt:  time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isPrimaryKeyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// TrimEntries deletes the oldest rows past keep. The balance counter is left
// alone: trimming is purely a storage-size control.
func (store *Store) TrimEntries(ctx context.Context, accountKey string, keep int) error {
	if keep <= 0 {
		return nil
	}
	keepQuery := store.db.
		Model(&LedgerEntryRow{}).
		Select("entry_id").
		Where("account_key = ?", accountKey).
		Order("created_at DESC, entry_id DESC").
		Limit(keep)
	err := store.db.WithContext(ctx).
		Where("account_key = ? AND entry_id NOT IN (?)", accountKey, keepQuery).
		Delete(&LedgerEntryRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeTrim, err)
	}
	return nil
}

// ListEntries returns retained entries, most recent first. A non-positive
// limit returns all retained rows.
func (store *Store) ListEntries(ctx context.Context, accountKey string, limit int) ([]credits.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("account_key = ?", accountKey).
		Order("created_at DESC, entry_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerEntryRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LastKnownAccount reads the persisted account id, empty when none is stored.
func (store *Store) LastKnownAccount(ctx context.Context) (string, error) {
	var row AppStateRow
	err := store.db.WithContext(ctx).
		Where("key = ?", appStateKeyLastKnownAccount).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectScope, errorCodeGet, err)
	}
	return row.Value, nil
}

// SetLastKnownAccount upserts the persisted account id.
func (store *Store) SetLastKnownAccount(ctx context.Context, accountID string) error {
	row := AppStateRow{Key: appStateKeyLastKnownAccount, Value: accountID}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectScope, errorCodeSet, err)
	}
	return nil
}

// AppendVerificationRecord inserts one audit row for a verify-and-grant
// request and returns the record id. A valid row whose signature already has
// a valid row fails with ErrDuplicateVerification.
func (store *Store) AppendVerificationRecord(ctx context.Context, userID string, txSignature string, valid bool, creditDelta int64, request json.RawMessage) (string, error) {
	row := VerificationRecordRow{
		UserID:      userID,
		TxSignature: txSignature,
		Valid:       valid,
		CreditDelta: creditDelta,
		Request:     datatypes.JSON(request),
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isPrimaryKeyConflict(err) {
			return "", wrapStoreError(errorSubjectVerification, errorCodeDuplicate,
				fmt.Errorf("%w: %v", ErrDuplicateVerification, err))
		}
		return "", wrapStoreError(errorSubjectVerification, errorCodeInsert, err)
	}
	return row.RecordID, nil
}

// ValidVerification is the replay-relevant slice of a stored audit row.
type ValidVerification struct {
	RecordID    string
	CreditDelta int64
}

// FindValidVerification returns the valid record for a signature, or nil when
// the signature has never verified successfully.
func (store *Store) FindValidVerification(ctx context.Context, txSignature string) (*ValidVerification, error) {
	var row VerificationRecordRow
	err := store.db.WithContext(ctx).
		Where("tx_signature = ? AND valid = ?", txSignature, true).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectVerification, errorCodeGet, err)
	}
	return &ValidVerification{RecordID: row.RecordID, CreditDelta: row.CreditDelta}, nil
}

func mapLedgerEntry(row LedgerEntryRow) (credits.Entry, error) {
	source, err := credits.ParseEntrySource(row.Source)
	if err != nil {
		return credits.Entry{}, err
	}
	return credits.Entry{
		EntryID:        row.EntryID,
		AccountKey:     row.AccountKey,
		Source:         source,
		Delta:          row.Delta,
		Reference:      row.Reference,
		Note:           row.Note,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isPrimaryKeyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
