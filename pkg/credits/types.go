package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a balance record owner.
type UserID struct {
	value string
}

// ProductID identifies a purchasable credit pack.
type ProductID struct {
	value string
}

// CreditAmount is a strictly positive number of picture credits.
type CreditAmount int64

// ScanDate is a UTC calendar date in YYYY-MM-DD form. The zero value means
// "never scanned".
type ScanDate struct {
	value string
}

// MetadataJSON stores arbitrary purchase metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewScanDate validates a YYYY-MM-DD date string. Empty input yields the zero
// date.
func NewScanDate(raw string) (ScanDate, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ScanDate{}, nil
	}
	if _, err := time.Parse(time.DateOnly, trimmed); err != nil {
		return ScanDate{}, fmt.Errorf("%w: %q", ErrInvalidScanDate, trimmed)
	}
	return ScanDate{value: trimmed}, nil
}

// ScanDateOf truncates an instant to its UTC calendar date.
func ScanDateOf(at time.Time) ScanDate {
	return ScanDate{value: at.UTC().Format(time.DateOnly)}
}

// String returns the normalized date.
func (date ScanDate) String() string {
	return date.value
}

// IsZero reports whether the date is unset.
func (date ScanDate) IsZero() bool {
	return date.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// BalanceRecord is the per-user row holding all credit and quota state.
// Version is the optimistic-concurrency token; UpdatedAt strictly advances on
// every successful write.
type BalanceRecord struct {
	UserID            UserID
	PictureCredits    int64
	BonusCredits      int64
	DailyScansUsed    int64
	LastScanDate      ScanDate
	LastCreditRefill  *time.Time
	LastPurchasedPack string
	Version           int64
	UpdatedAt         time.Time
}

// NewBalanceRecord returns a zeroed record for a fresh user.
func NewBalanceRecord(userID UserID, now time.Time) BalanceRecord {
	return BalanceRecord{
		UserID:    userID,
		Version:   1,
		UpdatedAt: now.UTC(),
	}
}

// DailyScansOn returns the free-quota uses already consumed on the given day.
// A record whose LastScanDate is any other day has consumed none.
func (record BalanceRecord) DailyScansOn(day ScanDate) int64 {
	if record.LastScanDate != day {
		return 0
	}
	return record.DailyScansUsed
}

// CanScan reports whether a spend on the given day would be eligible.
func (record BalanceRecord) CanScan(day ScanDate) bool {
	return record.PictureCredits > 0 || record.BonusCredits > 0 || record.DailyScansOn(day) < FreeDailyQuota
}

// PurchaseReceipt is an append-only audit line for an applied purchase.
// ReceiptID is assigned by the store when left empty.
type PurchaseReceipt struct {
	ReceiptID string
	UserID    UserID
	ProductID ProductID
	Amount    int64
	Metadata  MetadataJSON
	CreatedAt time.Time
}

// Session is the authentication collaborator's view of the current caller.
type Session struct {
	UserID string
	Valid  bool
}

// SessionProvider supplies the current session. The second return is false
// when no session exists at all.
type SessionProvider interface {
	CurrentSession(ctx context.Context) (Session, bool, error)
}

// Store is the persistence contract used by Service. Implementations return
// taxonomy errors directly: ConditionalUpdate reports ErrConcurrentUpdate on
// a version mismatch, and access-policy rejections surface as ErrForbidden.
type Store interface {
	Read(ctx context.Context, userID UserID) (BalanceRecord, bool, error)
	InsertIfAbsent(ctx context.Context, record BalanceRecord) (BalanceRecord, error)
	ConditionalUpdate(ctx context.Context, userID UserID, expectedVersion int64, next BalanceRecord) (BalanceRecord, error)
	AppendPurchaseReceipt(ctx context.Context, receipt PurchaseReceipt) error
	ListPurchaseReceipts(ctx context.Context, userID UserID, limit int) ([]PurchaseReceipt, error)
}
