package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/transfer"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	id TEXT NOT NULL,
	address TEXT PRIMARY KEY,
	balance TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	transaction_count INTEGER NOT NULL DEFAULT 0,
	total_sent TEXT NOT NULL DEFAULT '0',
	total_received TEXT NOT NULL DEFAULT '0',
	total_sent_fiat TEXT NOT NULL DEFAULT '0',
	total_received_fiat TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS transfer_requests (
	id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	asset_amount TEXT NOT NULL,
	fiat_amount TEXT,
	challenge TEXT NOT NULL,
	nonce TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	state TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	quote_fallback INTEGER NOT NULL DEFAULT 0,
	currency_sample BLOB,
	created_at TIMESTAMP NOT NULL,
	settled_at TIMESTAMP,
	settlement TEXT
);

CREATE INDEX IF NOT EXISTS idx_transfer_requests_sender ON transfer_requests (sender);
CREATE INDEX IF NOT EXISTS idx_transfer_requests_recipient ON transfer_requests (recipient);
`

// SQLiteStore is the default file-backed store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the store at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY under concurrent write-through saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveWallet(ctx context.Context, w *ledger.Wallet) error {
	query := `
		INSERT INTO wallets (id, address, balance, created_at, last_activity_at,
			transaction_count, total_sent, total_received, total_sent_fiat, total_received_fiat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			balance = excluded.balance,
			last_activity_at = excluded.last_activity_at,
			transaction_count = excluded.transaction_count,
			total_sent = excluded.total_sent,
			total_received = excluded.total_received,
			total_sent_fiat = excluded.total_sent_fiat,
			total_received_fiat = excluded.total_received_fiat
	`
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.Address, w.Balance.String(), w.CreatedAt, w.LastActivityAt,
		w.TransactionCount, w.TotalSent.String(), w.TotalReceived.String(),
		w.TotalSentFiat.String(), w.TotalReceivedFiat.String())
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.Address, err)
	}
	return nil
}

func (s *SQLiteStore) SaveRequest(ctx context.Context, r *transfer.Request) error {
	fiat, settledAt, settlement, err := encodeRequestFields(r)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transfer_requests (id, sender, recipient, asset_amount, fiat_amount,
			challenge, nonce, expires_at, state, failure_reason, quote_fallback,
			currency_sample, created_at, settled_at, settlement)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			failure_reason = excluded.failure_reason,
			settled_at = excluded.settled_at,
			settlement = excluded.settlement
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Sender, r.Recipient, r.AssetAmount.String(), fiat,
		r.Challenge, r.Nonce, r.ExpiresAt, string(r.State), r.FailureReason,
		r.QuoteFallback, []byte(r.CurrencySample), r.CreatedAt, settledAt, settlement)
	if err != nil {
		return fmt.Errorf("save transfer request %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Wallets(ctx context.Context) ([]*ledger.Wallet, error) {
	query := `
		SELECT id, address, balance, created_at, last_activity_at,
			transaction_count, total_sent, total_received, total_sent_fiat, total_received_fiat
		FROM wallets
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load wallets: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Wallet
	for rows.Next() {
		var w ledger.Wallet
		var balance, sent, received, sentFiat, receivedFiat string
		if err := rows.Scan(&w.ID, &w.Address, &balance, &w.CreatedAt, &w.LastActivityAt,
			&w.TransactionCount, &sent, &received, &sentFiat, &receivedFiat); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		if err := decodeWalletAmounts(&w, balance, sent, received, sentFiat, receivedFiat); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Requests(ctx context.Context) ([]*transfer.Request, error) {
	query := `
		SELECT id, sender, recipient, asset_amount, fiat_amount, challenge, nonce,
			expires_at, state, failure_reason, quote_fallback, currency_sample,
			created_at, settled_at, settlement
		FROM transfer_requests
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load transfer requests: %w", err)
	}
	defer rows.Close()

	var out []*transfer.Request
	for rows.Next() {
		var (
			r          transfer.Request
			state      string
			amount     string
			fiat       sql.NullString
			sample     []byte
			settledAt  sql.NullTime
			settlement sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Sender, &r.Recipient, &amount, &fiat,
			&r.Challenge, &r.Nonce, &r.ExpiresAt, &state, &r.FailureReason,
			&r.QuoteFallback, &sample, &r.CreatedAt, &settledAt, &settlement); err != nil {
			return nil, fmt.Errorf("scan transfer request: %w", err)
		}
		var fiatStr, settlementStr *string
		if fiat.Valid {
			fiatStr = &fiat.String
		}
		if settlement.Valid {
			settlementStr = &settlement.String
		}
		var settled *time.Time
		if settledAt.Valid {
			settled = &settledAt.Time
		}
		if err := decodeRequestFields(&r, state, amount, fiatStr, sample, settled, settlementStr); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func encodeRequestFields(r *transfer.Request) (fiat, settledAt, settlement any, err error) {
	if r.FiatAmount != nil {
		fiat = r.FiatAmount.String()
	}
	if r.SettledAt != nil {
		settledAt = *r.SettledAt
	}
	if r.Settlement != nil {
		b, merr := json.Marshal(r.Settlement)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("encode settlement for %s: %w", r.ID, merr)
		}
		settlement = string(b)
	}
	return fiat, settledAt, settlement, nil
}

func decodeRequestFields(r *transfer.Request, state, amount string, fiat *string, sample []byte, settledAt *time.Time, settlement *string) error {
	var err error
	r.State = transfer.State(state)
	if r.AssetAmount, err = decimal.NewFromString(amount); err != nil {
		return fmt.Errorf("decode asset amount for %s: %w", r.ID, err)
	}
	if fiat != nil {
		f, err := decimal.NewFromString(*fiat)
		if err != nil {
			return fmt.Errorf("decode fiat amount for %s: %w", r.ID, err)
		}
		r.FiatAmount = &f
	}
	if len(sample) > 0 {
		r.CurrencySample = json.RawMessage(sample)
	}
	r.SettledAt = settledAt
	if settlement != nil {
		var st transfer.Settlement
		if err := json.Unmarshal([]byte(*settlement), &st); err != nil {
			return fmt.Errorf("decode settlement for %s: %w", r.ID, err)
		}
		r.Settlement = &st
	}
	return nil
}

func decodeWalletAmounts(w *ledger.Wallet, balance, sent, received, sentFiat, receivedFiat string) error {
	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return fmt.Errorf("decode balance for %s: %w", w.Address, err)
	}
	if w.TotalSent, err = decimal.NewFromString(sent); err != nil {
		return fmt.Errorf("decode total sent for %s: %w", w.Address, err)
	}
	if w.TotalReceived, err = decimal.NewFromString(received); err != nil {
		return fmt.Errorf("decode total received for %s: %w", w.Address, err)
	}
	if w.TotalSentFiat, err = decimal.NewFromString(sentFiat); err != nil {
		return fmt.Errorf("decode total sent fiat for %s: %w", w.Address, err)
	}
	if w.TotalReceivedFiat, err = decimal.NewFromString(receivedFiat); err != nil {
		return fmt.Errorf("decode total received fiat for %s: %w", w.Address, err)
	}
	return nil
}
