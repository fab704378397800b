package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/transfer"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "transfer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSQLite_WalletRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	w := &ledger.Wallet{
		ID:                "w1",
		Address:           "0xdd41b7ee629c3cA606fde07E78eBB29999978426",
		Balance:           dec("5.123456"),
		CreatedAt:         now,
		LastActivityAt:    now,
		TotalSent:         dec("0"),
		TotalReceived:     dec("0"),
		TotalSentFiat:     dec("0"),
		TotalReceivedFiat: dec("0"),
	}
	require.NoError(t, s.SaveWallet(ctx, w))

	// Second save for the same address is an update, not a duplicate.
	w.Balance = dec("4.123456")
	w.TransactionCount = 1
	w.TotalSent = dec("1")
	require.NoError(t, s.SaveWallet(ctx, w))

	wallets, err := s.Wallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)

	got := wallets[0]
	assert.Equal(t, "w1", got.ID)
	assert.True(t, got.Balance.Equal(dec("4.123456")), "balance %s", got.Balance)
	assert.Equal(t, 1, got.TransactionCount)
	assert.True(t, got.TotalSent.Equal(dec("1")))
}

func TestSQLite_RequestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	fiat := dec("100")
	r := &transfer.Request{
		ID:             "r1",
		Sender:         "0xdd41b7ee629c3cA606fde07E78eBB29999978426",
		Recipient:      "0xD3e2DB895692fAf70eD72a97b60ACbeF500b276B",
		AssetAmount:    dec("0.05"),
		FiatAmount:     &fiat,
		Challenge:      `{"type":"transfer_approval","nonce":"abc"}`,
		Nonce:          "abc",
		ExpiresAt:      now.Add(30 * time.Second),
		State:          transfer.StatePending,
		QuoteFallback:  true,
		CurrencySample: []byte(`{"usd":{"eur":0.9}}`),
		CreatedAt:      now,
	}
	require.NoError(t, s.SaveRequest(ctx, r))

	// Completion updates state and attaches settlement metadata.
	settled := now.Add(2 * time.Second)
	r.State = transfer.StateCompleted
	r.SettledAt = &settled
	r.Settlement = &transfer.Settlement{
		Ref:         "ref-1",
		TxHash:      "0xabc",
		BlockNumber: 18_000_001,
		GasUsed:     21_500,
		GasPrice:    42,
	}
	require.NoError(t, s.SaveRequest(ctx, r))

	reqs, err := s.Requests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	got := reqs[0]
	assert.Equal(t, transfer.StateCompleted, got.State)
	assert.True(t, got.AssetAmount.Equal(dec("0.05")))
	require.NotNil(t, got.FiatAmount)
	assert.True(t, got.FiatAmount.Equal(fiat))
	assert.True(t, got.QuoteFallback)
	assert.JSONEq(t, `{"usd":{"eur":0.9}}`, string(got.CurrencySample))
	require.NotNil(t, got.SettledAt)
	require.NotNil(t, got.Settlement)
	assert.Equal(t, "ref-1", got.Settlement.Ref)
	assert.Equal(t, uint64(18_000_001), got.Settlement.BlockNumber)
}

func TestSQLite_RequestNullableFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	r := &transfer.Request{
		ID:            "r2",
		Sender:        "0xdd41b7ee629c3cA606fde07E78eBB29999978426",
		Recipient:     "0xD3e2DB895692fAf70eD72a97b60ACbeF500b276B",
		AssetAmount:   dec("1"),
		Challenge:     `{"type":"transfer_approval","nonce":"def"}`,
		Nonce:         "def",
		ExpiresAt:     now.Add(30 * time.Second),
		State:         transfer.StateFailed,
		FailureReason: transfer.ReasonExpired,
		CreatedAt:     now,
	}
	require.NoError(t, s.SaveRequest(ctx, r))

	reqs, err := s.Requests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	got := reqs[0]
	assert.Nil(t, got.FiatAmount)
	assert.Nil(t, got.SettledAt)
	assert.Nil(t, got.Settlement)
	assert.Empty(t, got.CurrencySample)
	assert.Equal(t, transfer.ReasonExpired, got.FailureReason)
}

func TestSQLite_RequestsOrderedByCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"a", "b", "c"} {
		r := &transfer.Request{
			ID:          id,
			Sender:      "0xdd41b7ee629c3cA606fde07E78eBB29999978426",
			Recipient:   "0xD3e2DB895692fAf70eD72a97b60ACbeF500b276B",
			AssetAmount: dec("1"),
			Challenge:   "{}",
			Nonce:       id,
			ExpiresAt:   base.Add(30 * time.Second),
			State:       transfer.StatePending,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveRequest(ctx, r))
	}

	reqs, err := s.Requests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "a", reqs[0].ID)
	assert.Equal(t, "c", reqs[2].ID)
}
