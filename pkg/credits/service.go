package credits

import (
	"context"
	"fmt"
	"time"
)

const (
	errorSubjectSession = "session"
	errorSubjectRecord  = "record"
	errorSubjectReceipt = "receipt"
	errorCodeLookup     = "lookup"
	errorCodeMissing    = "missing"
	errorCodeMismatch   = "mismatch"
	errorCodeInvalid    = "invalid"
	errorCodeRead       = "read"
	errorCodeInsert     = "insert"
	errorCodeWrite      = "write"
	errorCodeAppend     = "append"
	errorCodeList       = "list"
	errorCodeIneligible = "ineligible"
)

// Service contains the transition logic over a Store. It holds no record
// state of its own: every mutation is fetch current, compute next, write
// conditionally.
type Service struct {
	store    Store
	sessions SessionProvider
	nowFn    func() time.Time
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, sessions SessionProvider, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%w: session provider dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, sessions: sessions, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the current record. The second return is false when no
// record exists yet; absence is not an error.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (BalanceRecord, bool, error) {
	if err := service.authorize(ctx, operationGetBalance, userID); err != nil {
		return BalanceRecord{}, false, err
	}
	record, found, err := service.store.Read(ctx, userID)
	if err != nil {
		return BalanceRecord{}, false, WrapError(operationGetBalance, errorSubjectRecord, errorCodeRead, err)
	}
	return record, found, nil
}

// Ensure returns the record, inserting a zeroed one on first access.
// Idempotent: an existing record is returned unchanged.
func (service *Service) Ensure(ctx context.Context, userID UserID) (BalanceRecord, error) {
	if err := service.authorize(ctx, operationEnsure, userID); err != nil {
		return BalanceRecord{}, err
	}
	record, operationError := service.ensureRecord(ctx, operationEnsure, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsure,
		UserID:    userID,
		Error:     operationError,
	})
	return record, operationError
}

// SpendOne consumes one transformation: picture credits first, then bonus
// credits, then the free daily quota. The write is conditioned on the version
// read here; a lost race returns ErrConcurrentUpdate and the caller decides
// whether to retry.
func (service *Service) SpendOne(ctx context.Context, userID UserID) (BalanceRecord, error) {
	if err := service.authorize(ctx, operationSpendOne, userID); err != nil {
		return BalanceRecord{}, err
	}
	updated, operationError := service.spendOne(ctx, userID)
	service.logOperation(ctx, OperationLog{
		Operation: operationSpendOne,
		UserID:    userID,
		Amount:    1,
		Error:     operationError,
	})
	return updated, operationError
}

func (service *Service) spendOne(ctx context.Context, userID UserID) (BalanceRecord, error) {
	current, err := service.ensureRecord(ctx, operationSpendOne, userID)
	if err != nil {
		return BalanceRecord{}, err
	}
	now := service.nowFn().UTC()
	today := ScanDateOf(now)
	if !current.CanScan(today) {
		return BalanceRecord{}, WrapError(operationSpendOne, errorSubjectRecord, errorCodeIneligible, ErrNoCredits)
	}

	next := current
	switch {
	case current.PictureCredits > 0:
		next.PictureCredits--
	case current.BonusCredits > 0:
		next.BonusCredits--
	}
	// Free-quota-only spends leave both balances untouched; the counter alone
	// carries the decrement.
	next.DailyScansUsed = current.DailyScansOn(today) + 1
	next.LastScanDate = today
	next.Version = current.Version + 1
	next.UpdatedAt = nextUpdatedAt(now, current.UpdatedAt)

	updated, err := service.store.ConditionalUpdate(ctx, userID, current.Version, next)
	if err != nil {
		return BalanceRecord{}, WrapError(operationSpendOne, errorSubjectRecord, errorCodeWrite, err)
	}
	return updated, nil
}

// IncrementCredits applies a completed purchase of amount picture credits.
// Not idempotent per product id: a redelivered purchase event credits again,
// so callers must de-duplicate upstream. Every applied purchase appends a
// receipt; receipt failure never fails an applied increment.
func (service *Service) IncrementCredits(ctx context.Context, userID UserID, productID ProductID, amount CreditAmount, metadata MetadataJSON) (BalanceRecord, error) {
	if err := service.authorize(ctx, operationIncrement, userID); err != nil {
		return BalanceRecord{}, err
	}
	updated, operationError := service.incrementCredits(ctx, userID, productID, amount, metadata)
	service.logOperation(ctx, OperationLog{
		Operation: operationIncrement,
		UserID:    userID,
		ProductID: productID.String(),
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return updated, operationError
}

func (service *Service) incrementCredits(ctx context.Context, userID UserID, productID ProductID, amount CreditAmount, metadata MetadataJSON) (BalanceRecord, error) {
	current, err := service.ensureRecord(ctx, operationIncrement, userID)
	if err != nil {
		return BalanceRecord{}, err
	}
	now := service.nowFn().UTC()
	refill := now

	next := current
	next.PictureCredits = current.PictureCredits + amount.Int64()
	next.LastCreditRefill = &refill
	next.LastPurchasedPack = productID.String()
	next.Version = current.Version + 1
	next.UpdatedAt = nextUpdatedAt(now, current.UpdatedAt)

	updated, err := service.store.ConditionalUpdate(ctx, userID, current.Version, next)
	if err != nil {
		return BalanceRecord{}, WrapError(operationIncrement, errorSubjectRecord, errorCodeWrite, err)
	}

	receipt := PurchaseReceipt{
		UserID:    userID,
		ProductID: productID,
		Amount:    amount.Int64(),
		Metadata:  metadata,
		CreatedAt: now,
	}
	if receiptErr := service.store.AppendPurchaseReceipt(ctx, receipt); receiptErr != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationReceipt,
			UserID:    userID,
			ProductID: productID.String(),
			Amount:    amount.Int64(),
			Error:     WrapError(operationReceipt, errorSubjectReceipt, errorCodeAppend, receiptErr),
		})
	}
	return updated, nil
}

// PurchaseHistory lists the most recent purchase receipts, newest first.
func (service *Service) PurchaseHistory(ctx context.Context, userID UserID, limit int) ([]PurchaseReceipt, error) {
	if err := service.authorize(ctx, operationHistory, userID); err != nil {
		return nil, err
	}
	receipts, err := service.store.ListPurchaseReceipts(ctx, userID, limit)
	if err != nil {
		return nil, WrapError(operationHistory, errorSubjectReceipt, errorCodeList, err)
	}
	return receipts, nil
}

func (service *Service) ensureRecord(ctx context.Context, operation string, userID UserID) (BalanceRecord, error) {
	record, found, err := service.store.Read(ctx, userID)
	if err != nil {
		return BalanceRecord{}, WrapError(operation, errorSubjectRecord, errorCodeRead, err)
	}
	if found {
		return record, nil
	}
	inserted, err := service.store.InsertIfAbsent(ctx, NewBalanceRecord(userID, service.nowFn()))
	if err != nil {
		return BalanceRecord{}, WrapError(operation, errorSubjectRecord, errorCodeInsert, err)
	}
	return inserted, nil
}

func (service *Service) authorize(ctx context.Context, operation string, userID UserID) error {
	session, found, err := service.sessions.CurrentSession(ctx)
	if err != nil {
		return WrapError(operation, errorSubjectSession, errorCodeLookup, err)
	}
	if !found || !session.Valid {
		return WrapError(operation, errorSubjectSession, errorCodeMissing, ErrUnauthenticated)
	}
	if session.UserID != userID.String() {
		return WrapError(operation, errorSubjectSession, errorCodeMismatch, ErrForbidden)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// nextUpdatedAt keeps UpdatedAt strictly advancing even when the clock has
// not moved between two writes.
func nextUpdatedAt(now time.Time, previous time.Time) time.Time {
	if now.After(previous) {
		return now
	}
	return previous.Add(time.Microsecond)
}
