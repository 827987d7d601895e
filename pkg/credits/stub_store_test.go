package credits

import (
	"context"
	"sync"
	"testing"
	"time"
)

var frozenNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

// stubStore is an in-memory Store with real compare-and-set semantics so the
// optimistic-lock paths behave as they would against the real row.
type stubStore struct {
	mu       sync.Mutex
	records  map[string]BalanceRecord
	receipts []PurchaseReceipt

	readError    error
	insertError  error
	updateError  error
	receiptError error
	listError    error

	inserts int
	updates int
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[string]BalanceRecord)}
}

func (store *stubStore) Read(ctx context.Context, userID UserID) (BalanceRecord, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.readError != nil {
		return BalanceRecord{}, false, store.readError
	}
	record, found := store.records[userID.String()]
	return record, found, nil
}

func (store *stubStore) InsertIfAbsent(ctx context.Context, record BalanceRecord) (BalanceRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertError != nil {
		return BalanceRecord{}, store.insertError
	}
	store.inserts++
	if existing, found := store.records[record.UserID.String()]; found {
		return existing, nil
	}
	store.records[record.UserID.String()] = record
	return record, nil
}

func (store *stubStore) ConditionalUpdate(ctx context.Context, userID UserID, expectedVersion int64, next BalanceRecord) (BalanceRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateError != nil {
		return BalanceRecord{}, store.updateError
	}
	store.updates++
	current, found := store.records[userID.String()]
	if !found || current.Version != expectedVersion {
		return BalanceRecord{}, ErrConcurrentUpdate
	}
	store.records[userID.String()] = next
	return next, nil
}

func (store *stubStore) AppendPurchaseReceipt(ctx context.Context, receipt PurchaseReceipt) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.receiptError != nil {
		return store.receiptError
	}
	store.receipts = append(store.receipts, receipt)
	return nil
}

func (store *stubStore) ListPurchaseReceipts(ctx context.Context, userID UserID, limit int) ([]PurchaseReceipt, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listError != nil {
		return nil, store.listError
	}
	receipts := make([]PurchaseReceipt, 0, len(store.receipts))
	for _, receipt := range store.receipts {
		if receipt.UserID == userID {
			receipts = append(receipts, receipt)
		}
	}
	if limit > 0 && len(receipts) > limit {
		receipts = receipts[:limit]
	}
	return receipts, nil
}

func (store *stubStore) seed(test *testing.T, record BalanceRecord) BalanceRecord {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if record.Version == 0 {
		record.Version = 1
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = frozenNow.Add(-time.Hour)
	}
	store.records[record.UserID.String()] = record
	return record
}

func (store *stubStore) mustRecord(test *testing.T, userID UserID) BalanceRecord {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	record, found := store.records[userID.String()]
	if !found {
		test.Fatalf("record for %s not found", userID.String())
	}
	return record
}

type stubSessions struct {
	session Session
	found   bool
	err     error
}

func newStubSessions(userID string) *stubSessions {
	return &stubSessions{session: Session{UserID: userID, Valid: true}, found: true}
}

func (sessions *stubSessions) CurrentSession(ctx context.Context) (Session, bool, error) {
	return sessions.session, sessions.found, sessions.err
}

// recordingLogger captures operation log entries for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) recorded() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return append([]OperationLog(nil), logger.entries...)
}

func mustNewService(test *testing.T, store Store, sessions SessionProvider, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, sessions, func() time.Time { return frozenNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustProductID(test *testing.T, raw string) ProductID {
	test.Helper()
	value, err := NewProductID(raw)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	return value
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	value, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustScanDate(test *testing.T, raw string) ScanDate {
	test.Helper()
	value, err := NewScanDate(raw)
	if err != nil {
		test.Fatalf("scan date: %v", err)
	}
	return value
}
