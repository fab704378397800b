package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/transfer-infra/internal/quote"
)

// Wallet is a ledger account holding a base-asset balance. Counters and
// totals are advisory bookkeeping and never gate settlement.
type Wallet struct {
	ID                string          `json:"id"`
	Address           string          `json:"address"`
	Balance           decimal.Decimal `json:"balance"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
	TransactionCount  int             `json:"transaction_count"`
	TotalSent         decimal.Decimal `json:"total_sent"`
	TotalReceived     decimal.Decimal `json:"total_received"`
	TotalSentFiat     decimal.Decimal `json:"total_sent_fiat"`
	TotalReceivedFiat decimal.Decimal `json:"total_received_fiat"`
}

// InsufficientFundsError is returned when a settlement would drive the
// sender's balance negative. No mutation occurs.
type InsufficientFundsError struct {
	Address string
	Balance decimal.Decimal
	Amount  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: have %s, need %s", e.Address, e.Balance, e.Amount)
}

// WalletStore persists wallet records after each mutation.
type WalletStore interface {
	SaveWallet(ctx context.Context, w *Wallet) error
}

// SeedFunc produces the starting balance for a lazily created wallet.
// It is injected so settlement logic stays deterministic under test.
type SeedFunc func() decimal.Decimal

// Ledger owns wallet records and the non-negative balance invariant.
// The read-check-write sequence of a settlement is a single critical
// section over the wallet map, so settlements touching the same wallet
// serialize.
type Ledger struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	store   WalletStore
	seed    SeedFunc
	now     func() time.Time
}

func NewLedger(store WalletStore, seed SeedFunc) *Ledger {
	if seed == nil {
		seed = RandomSeed
	}
	return &Ledger{
		wallets: make(map[string]*Wallet),
		store:   store,
		seed:    seed,
		now:     time.Now,
	}
}

// Hydrate loads previously persisted wallets. Intended for startup only.
func (l *Ledger) Hydrate(wallets []*Wallet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range wallets {
		cp := *w
		l.wallets[strings.ToLower(w.Address)] = &cp
	}
}

// Ensure creates the wallet for address if unseen, seeding its starting
// balance, and returns a copy of the record. A new wallet is persisted
// before it is published to the map, so a failed save leaves no trace.
func (l *Ledger) Ensure(ctx context.Context, address string) (*Wallet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := strings.ToLower(address)
	if w, ok := l.wallets[key]; ok {
		cp := *w
		return &cp, nil
	}

	w := l.newWalletLocked(address)
	if l.store != nil {
		cp := *w
		if err := l.store.SaveWallet(ctx, &cp); err != nil {
			return nil, fmt.Errorf("persist wallet %s: %w", w.Address, err)
		}
	}
	l.wallets[key] = w

	cp := *w
	return &cp, nil
}

func (l *Ledger) ensureLocked(address string) *Wallet {
	key := strings.ToLower(address)
	if w, ok := l.wallets[key]; ok {
		return w
	}
	w := l.newWalletLocked(address)
	l.wallets[key] = w
	return w
}

func (l *Ledger) newWalletLocked(address string) *Wallet {
	now := l.now()
	return &Wallet{
		ID:                uuid.NewString(),
		Address:           address,
		Balance:           l.seed().Round(quote.AssetPrecision),
		CreatedAt:         now,
		LastActivityAt:    now,
		TotalSent:         decimal.Zero,
		TotalReceived:     decimal.Zero,
		TotalSentFiat:     decimal.Zero,
		TotalReceivedFiat: decimal.Zero,
	}
}

// Get returns a copy of the wallet for address, if it exists.
func (l *Ledger) Get(address string) (*Wallet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.wallets[strings.ToLower(address)]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// Settle atomically moves assetAmount from sender to recipient, creating
// either wallet lazily. It fails with InsufficientFundsError, and without
// any mutation, when the sender's balance cannot cover the amount.
// fiatAmount, when non-nil, feeds the advisory fiat counters.
// Persistence happens inside the critical section so saves for a wallet
// always land in mutation order; a crash can therefore never resurrect a
// balance older than the last durable settlement.
func (l *Ledger) Settle(ctx context.Context, sender, recipient string, assetAmount decimal.Decimal, fiatAmount *decimal.Decimal) error {
	if assetAmount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("settlement amount must be positive, got %s", assetAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.ensureLocked(sender)
	to := l.ensureLocked(recipient)

	if from.Balance.LessThan(assetAmount) {
		return &InsufficientFundsError{Address: from.Address, Balance: from.Balance, Amount: assetAmount}
	}

	now := l.now()
	from.Balance = from.Balance.Sub(assetAmount).Round(quote.AssetPrecision)
	to.Balance = to.Balance.Add(assetAmount).Round(quote.AssetPrecision)

	from.TransactionCount++
	from.TotalSent = from.TotalSent.Add(assetAmount)
	from.LastActivityAt = now

	to.TransactionCount++
	to.TotalReceived = to.TotalReceived.Add(assetAmount)
	to.LastActivityAt = now

	if fiatAmount != nil {
		from.TotalSentFiat = from.TotalSentFiat.Add(*fiatAmount)
		to.TotalReceivedFiat = to.TotalReceivedFiat.Add(*fiatAmount)
	}

	if l.store != nil {
		fromCopy, toCopy := *from, *to
		if err := l.store.SaveWallet(ctx, &fromCopy); err != nil {
			return fmt.Errorf("persist sender wallet: %w", err)
		}
		if err := l.store.SaveWallet(ctx, &toCopy); err != nil {
			return fmt.Errorf("persist recipient wallet: %w", err)
		}
	}
	return nil
}

// Snapshot returns copies of all wallets ordered by creation time.
func (l *Ledger) Snapshot() []*Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Wallet, 0, len(l.wallets))
	for _, w := range l.wallets {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
