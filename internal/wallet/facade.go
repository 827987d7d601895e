// Package wallet is the client-side session facade over the credits ledger:
// a cached snapshot of the last authoritative record, a spend debounce for
// rapid taps, and user-facing messages for every failure kind. It never
// guesses balances locally; after any mutation attempt it re-reads truth from
// the store.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pawmorph/credits/pkg/credits"
	"go.uber.org/zap"
)

// ErrSpendInFlight reports a spend attempt while another one is running.
var ErrSpendInFlight = errors.New("spend already in flight")

const (
	defaultSpendTimeout   = 5 * time.Second
	defaultRefreshTimeout = 3 * time.Second
)

// Ledger is the slice of the credits service the facade needs.
type Ledger interface {
	Ensure(ctx context.Context, userID credits.UserID) (credits.BalanceRecord, error)
	SpendOne(ctx context.Context, userID credits.UserID) (credits.BalanceRecord, error)
	IncrementCredits(ctx context.Context, userID credits.UserID, productID credits.ProductID, amount credits.CreditAmount, metadata credits.MetadataJSON) (credits.BalanceRecord, error)
}

// Snapshot is the cached view the UI renders from.
type Snapshot struct {
	PictureCredits int64
	BonusCredits   int64
	DailyScansUsed int64
	LastScanDate   string
	CanScan        bool
	Loaded         bool
}

// Option configures a Facade.
type Option func(*Facade)

// WithSpendTimeout bounds a single spend attempt. On firing, the outcome of
// the in-flight write is unknown until the follow-up refresh lands.
func WithSpendTimeout(timeout time.Duration) Option {
	return func(facade *Facade) {
		if timeout > 0 {
			facade.spendTimeout = timeout
		}
	}
}

// WithClock overrides the clock used for eligibility checks.
func WithClock(now func() time.Time) Option {
	return func(facade *Facade) {
		if now != nil {
			facade.nowFn = now
		}
	}
}

// Facade serializes spend attempts from one client process and caches the
// last authoritative record. The spending flag only debounces this client; it
// is not a distributed lock.
type Facade struct {
	ledger       Ledger
	userID       credits.UserID
	logger       *zap.Logger
	nowFn        func() time.Time
	spendTimeout time.Duration

	mu        sync.Mutex
	snapshot  Snapshot
	spending  bool
	lastError string
}

// New wires a Facade for one signed-in user.
func New(ledger Ledger, userID credits.UserID, logger *zap.Logger, options ...Option) (*Facade, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", credits.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	facade := &Facade{
		ledger:       ledger,
		userID:       userID,
		logger:       logger,
		nowFn:        func() time.Time { return time.Now().UTC() },
		spendTimeout: defaultSpendTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(facade)
		}
	}
	return facade, nil
}

// Snapshot returns the cached view.
func (facade *Facade) Snapshot() Snapshot {
	facade.mu.Lock()
	defer facade.mu.Unlock()
	return facade.snapshot
}

// LastError returns the current user-facing message, empty when none.
func (facade *Facade) LastError() string {
	facade.mu.Lock()
	defer facade.mu.Unlock()
	return facade.lastError
}

// DismissError clears the user-facing message.
func (facade *Facade) DismissError() {
	facade.mu.Lock()
	defer facade.mu.Unlock()
	facade.lastError = ""
}

// Refresh re-reads the authoritative record. Failures are logged, not
// surfaced: the balance simply stays stale.
func (facade *Facade) Refresh(ctx context.Context) {
	record, err := facade.ledger.Ensure(ctx, facade.userID)
	if err != nil {
		facade.logger.Warn("balance refresh failed", zap.Error(err))
		return
	}
	facade.mu.Lock()
	defer facade.mu.Unlock()
	facade.snapshot = facade.toSnapshot(record)
}

// SpendOne attempts to consume one transformation. It refuses immediately
// when a spend is already running or the cached state says no credits, and
// always re-reads the store afterwards regardless of outcome.
func (facade *Facade) SpendOne(ctx context.Context) (Snapshot, error) {
	facade.mu.Lock()
	if facade.spending {
		snapshot := facade.snapshot
		facade.mu.Unlock()
		return snapshot, ErrSpendInFlight
	}
	if facade.snapshot.Loaded && !facade.snapshot.CanScan {
		facade.lastError = messageFor(credits.ErrNoCredits)
		snapshot := facade.snapshot
		facade.mu.Unlock()
		return snapshot, credits.ErrNoCredits
	}
	facade.spending = true
	facade.mu.Unlock()

	spendCtx, cancel := context.WithTimeout(ctx, facade.spendTimeout)
	defer cancel()
	_, err := facade.ledger.SpendOne(spendCtx, facade.userID)
	if err != nil && spendCtx.Err() == context.DeadlineExceeded {
		// The write may or may not have landed; only the refresh knows.
		err = fmt.Errorf("%w: spend outcome unknown", credits.ErrTimeout)
	}

	facade.refreshAfterMutation(ctx)

	facade.mu.Lock()
	facade.lastError = messageFor(err)
	facade.spending = false
	snapshot := facade.snapshot
	facade.mu.Unlock()
	return snapshot, err
}

// ApplyPurchase credits a completed purchase reported by the billing
// collaborator, then re-reads the store.
func (facade *Facade) ApplyPurchase(ctx context.Context, productID credits.ProductID, amount credits.CreditAmount, metadata credits.MetadataJSON) error {
	_, err := facade.ledger.IncrementCredits(ctx, facade.userID, productID, amount, metadata)
	facade.refreshAfterMutation(ctx)
	facade.mu.Lock()
	facade.lastError = messageFor(err)
	facade.mu.Unlock()
	return err
}

// refreshAfterMutation re-reads even when the caller's context is already
// done, so a timed-out spend still learns the true state.
func (facade *Facade) refreshAfterMutation(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRefreshTimeout)
	defer cancel()
	facade.Refresh(refreshCtx)
}

func (facade *Facade) toSnapshot(record credits.BalanceRecord) Snapshot {
	today := credits.ScanDateOf(facade.nowFn())
	return Snapshot{
		PictureCredits: record.PictureCredits,
		BonusCredits:   record.BonusCredits,
		DailyScansUsed: record.DailyScansOn(today),
		LastScanDate:   record.LastScanDate.String(),
		CanScan:        record.CanScan(today),
		Loaded:         true,
	}
}
