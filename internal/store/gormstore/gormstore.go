// Package gormstore persists balance records through GORM, serving both the
// postgres and sqlite drivers. All transport-specific error codes are
// translated to the ledger taxonomy here; the service never sees them.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pawmorph/credits/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON         = "{}"
	pgCheckViolationCode        = "23514"
	pgInsufficientPrivilegeCode = "42501"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectRecord          = "record"
	errorSubjectReceipt         = "receipt"
	errorCodeRead               = "read"
	errorCodeInsert             = "insert"
	errorCodeUpdate             = "update"
	errorCodeReread             = "reread"
	errorCodeAppend             = "append"
	errorCodeList               = "list"
	errorCodeInvalid            = "invalid"
	errorCodeForbidden          = "forbidden"
	errorCodeConstraint         = "constraint"
	errorCodeConflict           = "conflict"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite deployments and tests; postgres
// deployments manage schema out of band.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&BalanceRecord{}, &PurchaseReceipt{})
}

// Read loads the record for a user. Absence is reported via the boolean, not
// an error.
func (store *Store) Read(ctx context.Context, userID credits.UserID) (credits.BalanceRecord, bool, error) {
	var row BalanceRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.BalanceRecord{}, false, nil
	}
	if err != nil {
		return credits.BalanceRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeRead, translateError(err))
	}
	record, err := mapBalanceRecord(row)
	if err != nil {
		return credits.BalanceRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeInvalid, err)
	}
	return record, true, nil
}

// InsertIfAbsent inserts a zeroed record unless one exists, then returns the
// stored row either way.
func (store *Store) InsertIfAbsent(ctx context.Context, record credits.BalanceRecord) (credits.BalanceRecord, error) {
	row := toRow(record)
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if isAccessDenied(err) {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeForbidden, credits.ErrForbidden)
	}
	if err != nil {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeInsert, translateError(err))
	}
	stored, found, err := store.Read(ctx, record.UserID)
	if err != nil {
		return credits.BalanceRecord{}, err
	}
	if !found {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeReread, credits.ErrUnknown)
	}
	return stored, nil
}

// ConditionalUpdate writes the next record state only if the stored version
// still matches expectedVersion. Zero matched rows means another writer won
// the race.
func (store *Store) ConditionalUpdate(ctx context.Context, userID credits.UserID, expectedVersion int64, next credits.BalanceRecord) (credits.BalanceRecord, error) {
	row := toRow(next)
	result := store.db.WithContext(ctx).
		Model(&BalanceRecord{}).
		Where("user_id = ? AND version = ?", userID.String(), expectedVersion).
		Updates(map[string]interface{}{
			"picture_credits":     row.PictureCredits,
			"bonus_credits":       row.BonusCredits,
			"daily_scans_used":    row.DailyScansUsed,
			"last_scan_date":      row.LastScanDate,
			"last_credit_refill":  row.LastCreditRefill,
			"last_purchased_pack": row.LastPurchasedPack,
			"version":             row.Version,
			"updated_at":          row.UpdatedAt,
		})
	if isBalanceConstraintViolation(result.Error) {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeConstraint, credits.ErrNoCredits)
	}
	if isAccessDenied(result.Error) {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeForbidden, credits.ErrForbidden)
	}
	if result.Error != nil {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeConflict, credits.ErrConcurrentUpdate)
	}
	stored, found, err := store.Read(ctx, userID)
	if err != nil {
		return credits.BalanceRecord{}, err
	}
	if !found {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeReread, credits.ErrUnknown)
	}
	return stored, nil
}

// AppendPurchaseReceipt stores an audit line for an applied purchase.
func (store *Store) AppendPurchaseReceipt(ctx context.Context, receipt credits.PurchaseReceipt) error {
	row := PurchaseReceipt{
		ReceiptID: receipt.ReceiptID,
		UserID:    receipt.UserID.String(),
		ProductID: receipt.ProductID.String(),
		Amount:    receipt.Amount,
		Metadata:  datatypesJSON(receipt.Metadata.String()),
		CreatedAt: receipt.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectReceipt, errorCodeAppend, translateError(err))
	}
	return nil
}

// ListPurchaseReceipts returns the newest receipts first.
func (store *Store) ListPurchaseReceipts(ctx context.Context, userID credits.UserID, limit int) ([]credits.PurchaseReceipt, error) {
	var rows []PurchaseReceipt
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReceipt, errorCodeList, translateError(err))
	}
	receipts := make([]credits.PurchaseReceipt, 0, len(rows))
	for _, row := range rows {
		receipt, err := mapPurchaseReceipt(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReceipt, errorCodeInvalid, err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

func toRow(record credits.BalanceRecord) BalanceRecord {
	var lastPack *string
	if record.LastPurchasedPack != "" {
		value := record.LastPurchasedPack
		lastPack = &value
	}
	return BalanceRecord{
		UserID:            record.UserID.String(),
		PictureCredits:    record.PictureCredits,
		BonusCredits:      record.BonusCredits,
		DailyScansUsed:    record.DailyScansUsed,
		LastScanDate:      record.LastScanDate.String(),
		LastCreditRefill:  record.LastCreditRefill,
		LastPurchasedPack: lastPack,
		Version:           record.Version,
		UpdatedAt:         record.UpdatedAt.UTC(),
	}
}

func mapBalanceRecord(row BalanceRecord) (credits.BalanceRecord, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.BalanceRecord{}, err
	}
	lastScanDate, err := credits.NewScanDate(row.LastScanDate)
	if err != nil {
		return credits.BalanceRecord{}, err
	}
	lastPack := ""
	if row.LastPurchasedPack != nil {
		lastPack = *row.LastPurchasedPack
	}
	return credits.BalanceRecord{
		UserID:            userID,
		PictureCredits:    row.PictureCredits,
		BonusCredits:      row.BonusCredits,
		DailyScansUsed:    row.DailyScansUsed,
		LastScanDate:      lastScanDate,
		LastCreditRefill:  row.LastCreditRefill,
		LastPurchasedPack: lastPack,
		Version:           row.Version,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

func mapPurchaseReceipt(row PurchaseReceipt) (credits.PurchaseReceipt, error) {
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.PurchaseReceipt{}, err
	}
	productID, err := credits.NewProductID(row.ProductID)
	if err != nil {
		return credits.PurchaseReceipt{}, err
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.PurchaseReceipt{}, err
	}
	return credits.PurchaseReceipt{
		ReceiptID: row.ReceiptID,
		UserID:    userID,
		ProductID: productID,
		Amount:    row.Amount,
		Metadata:  metadata,
		CreatedAt: row.CreatedAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func translateError(err error) error {
	if isBalanceConstraintViolation(err) {
		return credits.ErrNoCredits
	}
	if isAccessDenied(err) {
		return credits.ErrForbidden
	}
	return err
}

func isBalanceConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgCheckViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgInsufficientPrivilegeCode
	}
	return false
}
