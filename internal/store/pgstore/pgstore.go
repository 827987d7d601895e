// Package pgstore persists balance records through a pgx connection pool.
// Every mutation is a single conditional statement; no explicit transactions
// are needed.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pawmorph/credits/pkg/credits"
)

const (
	pgCheckViolationCode        = "23514"
	pgInsufficientPrivilegeCode = "42501"
	errorOperationStore         = "store"
	errorSubjectRecord          = "record"
	errorSubjectReceipt         = "receipt"
	errorSubjectSchema          = "schema"
	errorCodeRead               = "read"
	errorCodeInsert             = "insert"
	errorCodeUpdate             = "update"
	errorCodeAppend             = "append"
	errorCodeList               = "list"
	errorCodeInvalid            = "invalid"
	errorCodeForbidden          = "forbidden"
	errorCodeConstraint         = "constraint"
	errorCodeConflict           = "conflict"
	errorCodeEnsure             = "ensure"

	sqlEnsureSchema = `
		create table if not exists balance_records (
			user_id             text primary key,
			picture_credits     bigint not null default 0 check (picture_credits >= 0),
			bonus_credits       bigint not null default 0 check (bonus_credits >= 0),
			daily_scans_used    bigint not null default 0 check (daily_scans_used >= 0),
			last_scan_date      text not null default '',
			last_credit_refill  timestamptz,
			last_purchased_pack text,
			version             bigint not null,
			updated_at          timestamptz not null
		);
		create table if not exists purchase_receipts (
			receipt_id uuid primary key default gen_random_uuid(),
			user_id    text not null,
			product_id text not null,
			amount     bigint not null,
			metadata   jsonb not null default '{}',
			created_at timestamptz not null default now()
		);
		create index if not exists idx_receipts_user_created
			on purchase_receipts (user_id, created_at desc);
	`

	sqlSelectRecord = `
		select user_id, picture_credits, bonus_credits, daily_scans_used,
			last_scan_date, last_credit_refill, coalesce(last_purchased_pack, ''),
			version, updated_at
		from balance_records
		where user_id = $1
	`

	sqlInsertIfAbsent = `
		insert into balance_records(
			user_id, picture_credits, bonus_credits, daily_scans_used,
			last_scan_date, last_credit_refill, last_purchased_pack,
			version, updated_at
		)
		values($1, $2, $3, $4, $5, $6, nullif($7, ''), $8, $9)
		on conflict (user_id) do nothing
	`

	sqlConditionalUpdate = `
		update balance_records
		set picture_credits = $3,
			bonus_credits = $4,
			daily_scans_used = $5,
			last_scan_date = $6,
			last_credit_refill = $7,
			last_purchased_pack = nullif($8, ''),
			version = $9,
			updated_at = $10
		where user_id = $1 and version = $2
		returning user_id, picture_credits, bonus_credits, daily_scans_used,
			last_scan_date, last_credit_refill, coalesce(last_purchased_pack, ''),
			version, updated_at
	`

	sqlInsertReceipt = `
		insert into purchase_receipts(user_id, product_id, amount, metadata, created_at)
		values($1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, $5)
	`

	sqlListReceipts = `
		select receipt_id::text, user_id, product_id, amount,
			coalesce(metadata::text, '{}'),
			created_at
		from purchase_receipts
		where user_id = $1
		order by created_at desc
		limit $2
	`
)

// Store implements credits.Store using a pgx pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlEnsureSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) Read(ctx context.Context, userID credits.UserID) (credits.BalanceRecord, bool, error) {
	row := store.pool.QueryRow(ctx, sqlSelectRecord, userID.String())
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.BalanceRecord{}, false, nil
	}
	if err != nil {
		return credits.BalanceRecord{}, false, wrapStoreError(errorSubjectRecord, errorCodeRead, translateError(err))
	}
	return record, true, nil
}

func (store *Store) InsertIfAbsent(ctx context.Context, record credits.BalanceRecord) (credits.BalanceRecord, error) {
	_, err := store.pool.Exec(ctx, sqlInsertIfAbsent,
		record.UserID.String(),
		record.PictureCredits,
		record.BonusCredits,
		record.DailyScansUsed,
		record.LastScanDate.String(),
		record.LastCreditRefill,
		record.LastPurchasedPack,
		record.Version,
		record.UpdatedAt.UTC(),
	)
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
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeRead, credits.ErrUnknown)
	}
	return stored, nil
}

func (store *Store) ConditionalUpdate(ctx context.Context, userID credits.UserID, expectedVersion int64, next credits.BalanceRecord) (credits.BalanceRecord, error) {
	row := store.pool.QueryRow(ctx, sqlConditionalUpdate,
		userID.String(),
		expectedVersion,
		next.PictureCredits,
		next.BonusCredits,
		next.DailyScansUsed,
		next.LastScanDate.String(),
		next.LastCreditRefill,
		next.LastPurchasedPack,
		next.Version,
		next.UpdatedAt.UTC(),
	)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeConflict, credits.ErrConcurrentUpdate)
	}
	if isBalanceConstraintViolation(err) {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeConstraint, credits.ErrNoCredits)
	}
	if isAccessDenied(err) {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeForbidden, credits.ErrForbidden)
	}
	if err != nil {
		return credits.BalanceRecord{}, wrapStoreError(errorSubjectRecord, errorCodeUpdate, err)
	}
	return record, nil
}

func (store *Store) AppendPurchaseReceipt(ctx context.Context, receipt credits.PurchaseReceipt) error {
	createdAt := receipt.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.pool.Exec(ctx, sqlInsertReceipt,
		receipt.UserID.String(),
		receipt.ProductID.String(),
		receipt.Amount,
		receipt.Metadata.String(),
		createdAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectReceipt, errorCodeAppend, translateError(err))
	}
	return nil
}

func (store *Store) ListPurchaseReceipts(ctx context.Context, userID credits.UserID, limit int) ([]credits.PurchaseReceipt, error) {
	rows, err := store.pool.Query(ctx, sqlListReceipts, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReceipt, errorCodeList, translateError(err))
	}
	defer rows.Close()

	receipts := make([]credits.PurchaseReceipt, 0, limit)
	for rows.Next() {
		var (
			receiptID    string
			userIDValue  string
			productValue string
			amount       int64
			metadataJSON string
			createdAt    time.Time
		)
		if err := rows.Scan(&receiptID, &userIDValue, &productValue, &amount, &metadataJSON, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectReceipt, errorCodeList, err)
		}
		receipt, err := buildReceipt(receiptID, userIDValue, productValue, amount, metadataJSON, createdAt)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReceipt, errorCodeInvalid, err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReceipt, errorCodeList, err)
	}
	return receipts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (credits.BalanceRecord, error) {
	var (
		userIDValue  string
		picture      int64
		bonus        int64
		dailyScans   int64
		lastScanDate string
		lastRefill   *time.Time
		lastPack     string
		version      int64
		updatedAt    time.Time
	)
	if err := row.Scan(&userIDValue, &picture, &bonus, &dailyScans, &lastScanDate, &lastRefill, &lastPack, &version, &updatedAt); err != nil {
		return credits.BalanceRecord{}, err
	}
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.BalanceRecord{}, err
	}
	scanDate, err := credits.NewScanDate(lastScanDate)
	if err != nil {
		return credits.BalanceRecord{}, err
	}
	return credits.BalanceRecord{
		UserID:            userID,
		PictureCredits:    picture,
		BonusCredits:      bonus,
		DailyScansUsed:    dailyScans,
		LastScanDate:      scanDate,
		LastCreditRefill:  lastRefill,
		LastPurchasedPack: lastPack,
		Version:           version,
		UpdatedAt:         updatedAt,
	}, nil
}

func buildReceipt(receiptID string, userIDValue string, productValue string, amount int64, metadataJSON string, createdAt time.Time) (credits.PurchaseReceipt, error) {
	userID, err := credits.NewUserID(userIDValue)
	if err != nil {
		return credits.PurchaseReceipt{}, err
	}
	productID, err := credits.NewProductID(productValue)
	if err != nil {
		return credits.PurchaseReceipt{}, err
	}
	metadata, err := credits.NewMetadataJSON(metadataJSON)
	if err != nil {
		return credits.PurchaseReceipt{}, err
	}
	return credits.PurchaseReceipt{
		ReceiptID: receiptID,
		UserID:    userID,
		ProductID: productID,
		Amount:    amount,
		Metadata:  metadata,
		CreatedAt: createdAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
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
