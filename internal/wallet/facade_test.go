package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pawmorph/credits/pkg/credits"
)

const facadeUserIDValue = "user-wallet"

var facadeNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

// fakeLedger scripts the ledger responses one call at a time. spendGate, when
// set, blocks SpendOne until released so tests can hold a spend in flight.
type fakeLedger struct {
	mu          sync.Mutex
	record      credits.BalanceRecord
	ensureErr   error
	spendErr    error
	spendGate   chan struct{}
	ensureCalls int
	spendCalls  int
}

func (ledger *fakeLedger) Ensure(context.Context, credits.UserID) (credits.BalanceRecord, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.ensureCalls++
	if ledger.ensureErr != nil {
		return credits.BalanceRecord{}, ledger.ensureErr
	}
	return ledger.record, nil
}

func (ledger *fakeLedger) SpendOne(ctx context.Context, _ credits.UserID) (credits.BalanceRecord, error) {
	ledger.mu.Lock()
	ledger.spendCalls++
	gate := ledger.spendGate
	ledger.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return credits.BalanceRecord{}, ctx.Err()
		}
	}
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if ledger.spendErr != nil {
		return credits.BalanceRecord{}, ledger.spendErr
	}
	if ledger.record.PictureCredits > 0 {
		ledger.record.PictureCredits--
	}
	ledger.record.DailyScansUsed++
	ledger.record.LastScanDate = credits.ScanDateOf(facadeNow)
	return ledger.record, nil
}

func (ledger *fakeLedger) IncrementCredits(_ context.Context, _ credits.UserID, _ credits.ProductID, amount credits.CreditAmount, _ credits.MetadataJSON) (credits.BalanceRecord, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.record.PictureCredits += amount.Int64()
	return ledger.record, nil
}

func (ledger *fakeLedger) counts() (int, int) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	return ledger.ensureCalls, ledger.spendCalls
}

func mustFacade(test *testing.T, ledger Ledger, options ...Option) *Facade {
	test.Helper()
	userID, err := credits.NewUserID(facadeUserIDValue)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	options = append(options, WithClock(func() time.Time { return facadeNow }))
	facade, err := New(ledger, userID, nil, options...)
	if err != nil {
		test.Fatalf("new facade: %v", err)
	}
	return facade
}

func seededLedger(record credits.BalanceRecord) *fakeLedger {
	return &fakeLedger{record: record}
}

func mustRecord(test *testing.T, picture int64) credits.BalanceRecord {
	test.Helper()
	userID, err := credits.NewUserID(facadeUserIDValue)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	record := credits.NewBalanceRecord(userID, facadeNow)
	record.PictureCredits = picture
	return record
}

func TestRefreshPopulatesSnapshot(test *testing.T) {
	test.Parallel()
	ledger := seededLedger(mustRecord(test, 3))
	facade := mustFacade(test, ledger)

	facade.Refresh(context.Background())
	snapshot := facade.Snapshot()
	if !snapshot.Loaded {
		test.Fatal("expected snapshot to be loaded")
	}
	if snapshot.PictureCredits != 3 || !snapshot.CanScan {
		test.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestRefreshFailureKeepsStaleSnapshot(test *testing.T) {
	test.Parallel()
	ledger := seededLedger(mustRecord(test, 3))
	facade := mustFacade(test, ledger)
	facade.Refresh(context.Background())

	ledger.mu.Lock()
	ledger.ensureErr = errors.New("ledger offline")
	ledger.mu.Unlock()
	facade.Refresh(context.Background())

	snapshot := facade.Snapshot()
	if snapshot.PictureCredits != 3 || !snapshot.Loaded {
		test.Fatalf("expected the stale snapshot to survive, got %+v", snapshot)
	}
}

func TestSpendOneUpdatesSnapshotAndClearsError(test *testing.T) {
	test.Parallel()
	ledger := seededLedger(mustRecord(test, 2))
	facade := mustFacade(test, ledger)
	facade.Refresh(context.Background())

	snapshot, err := facade.SpendOne(context.Background())
	if err != nil {
		test.Fatalf("spend: %v", err)
	}
	if snapshot.PictureCredits != 1 || snapshot.DailyScansUsed != 1 {
		test.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if facade.LastError() != "" {
		test.Fatalf("expected no user message, got %q", facade.LastError())
	}
}

func TestSpendOneDebouncesConcurrentTaps(test *testing.T) {
	test.Parallel()
	gate := make(chan struct{})
	ledger := seededLedger(mustRecord(test, 2))
	ledger.spendGate = gate
	facade := mustFacade(test, ledger)
	facade.Refresh(context.Background())

	firstDone := make(chan error, 1)
	go func() {
		_, err := facade.SpendOne(context.Background())
		firstDone <- err
	}()

	// Wait for the first spend to reach the ledger before the second tap.
	deadline := time.After(2 * time.Second)
	for {
		_, spends := ledger.counts()
		if spends >= 1 {
			break
		}
		select {
		case <-deadline:
			test.Fatal("first spend never reached the ledger")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := facade.SpendOne(context.Background())
	if !errors.Is(err, ErrSpendInFlight) {
		test.Fatalf("expected ErrSpendInFlight, got %v", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		test.Fatalf("first spend: %v", err)
	}
	_, spends := ledger.counts()
	if spends != 1 {
		test.Fatalf("expected a single ledger spend, got %d", spends)
	}
}

func TestSpendOneShortCircuitsWhenCacheSaysNoCredits(test *testing.T) {
	test.Parallel()
	record := mustRecord(test, 0)
	record.DailyScansUsed = credits.FreeDailyQuota
	record.LastScanDate = credits.ScanDateOf(facadeNow)
	ledger := seededLedger(record)
	facade := mustFacade(test, ledger)
	facade.Refresh(context.Background())

	_, err := facade.SpendOne(context.Background())
	if !errors.Is(err, credits.ErrNoCredits) {
		test.Fatalf("expected ErrNoCredits, got %v", err)
	}
	if facade.LastError() != messageNoCredits {
		test.Fatalf("expected %q, got %q", messageNoCredits, facade.LastError())
	}
	_, spends := ledger.counts()
	if spends != 0 {
		test.Fatalf("expected no ledger call on a cached refusal, got %d", spends)
	}
}

func TestSpendOneTimeoutStillRefreshes(test *testing.T) {
	test.Parallel()
	gate := make(chan struct{})
	ledger := seededLedger(mustRecord(test, 2))
	ledger.spendGate = gate
	facade := mustFacade(test, ledger, WithSpendTimeout(20*time.Millisecond))
	facade.Refresh(context.Background())
	ensureBefore, _ := ledger.counts()

	_, err := facade.SpendOne(context.Background())
	if !errors.Is(err, credits.ErrTimeout) {
		test.Fatalf("expected ErrTimeout, got %v", err)
	}
	if facade.LastError() != messageTryAgain {
		test.Fatalf("expected %q, got %q", messageTryAgain, facade.LastError())
	}
	ensureAfter, _ := ledger.counts()
	if ensureAfter != ensureBefore+1 {
		test.Fatalf("expected a refresh after the timeout, ensures %d -> %d", ensureBefore, ensureAfter)
	}
	close(gate)
}

func TestSpendConflictShowsRetryMessage(test *testing.T) {
	test.Parallel()
	ledger := seededLedger(mustRecord(test, 2))
	ledger.spendErr = credits.ErrConcurrentUpdate
	facade := mustFacade(test, ledger)
	facade.Refresh(context.Background())

	_, err := facade.SpendOne(context.Background())
	if !errors.Is(err, credits.ErrConcurrentUpdate) {
		test.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	if facade.LastError() != messageTryAgain {
		test.Fatalf("expected %q, got %q", messageTryAgain, facade.LastError())
	}

	facade.DismissError()
	if facade.LastError() != "" {
		test.Fatal("expected dismissed message to clear")
	}
}

func TestApplyPurchaseRefreshesSnapshot(test *testing.T) {
	test.Parallel()
	ledger := seededLedger(mustRecord(test, 0))
	facade := mustFacade(test, ledger)
	facade.Refresh(context.Background())

	productID, err := credits.NewProductID("pack_8")
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	amount, err := credits.NewCreditAmount(8)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	metadata, err := credits.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if err := facade.ApplyPurchase(context.Background(), productID, amount, metadata); err != nil {
		test.Fatalf("apply purchase: %v", err)
	}
	snapshot := facade.Snapshot()
	if snapshot.PictureCredits != 8 || !snapshot.CanScan {
		test.Fatalf("expected purchased credits in the snapshot, got %+v", snapshot)
	}
}

func TestMessageForCoversTheTaxonomy(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		err     error
		message string
	}{
		{name: "nil", err: nil, message: ""},
		{name: "no credits", err: credits.ErrNoCredits, message: messageNoCredits},
		{name: "conflict", err: credits.ErrConcurrentUpdate, message: messageTryAgain},
		{name: "timeout", err: credits.ErrTimeout, message: messageTryAgain},
		{name: "in flight", err: ErrSpendInFlight, message: messageTryAgain},
		{name: "unauthenticated", err: credits.ErrUnauthenticated, message: messageSignIn},
		{name: "forbidden", err: credits.ErrForbidden, message: messageSignIn},
		{name: "unknown", err: errors.New("disk on fire"), message: messageGeneric},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := messageFor(testCase.err); got != testCase.message {
				test.Fatalf("expected %q, got %q", testCase.message, got)
			}
		})
	}
}

func TestNewRequiresLedger(test *testing.T) {
	test.Parallel()
	userID, err := credits.NewUserID(facadeUserIDValue)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if _, err := New(nil, userID, nil); !errors.Is(err, credits.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}
