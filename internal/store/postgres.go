package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/transfer"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	id TEXT NOT NULL,
	address TEXT PRIMARY KEY,
	balance NUMERIC NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	transaction_count INTEGER NOT NULL DEFAULT 0,
	total_sent NUMERIC NOT NULL DEFAULT 0,
	total_received NUMERIC NOT NULL DEFAULT 0,
	total_sent_fiat NUMERIC NOT NULL DEFAULT 0,
	total_received_fiat NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transfer_requests (
	id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	asset_amount NUMERIC NOT NULL,
	fiat_amount NUMERIC,
	challenge TEXT NOT NULL,
	nonce TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	state TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	quote_fallback BOOLEAN NOT NULL DEFAULT FALSE,
	currency_sample BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	settled_at TIMESTAMPTZ,
	settlement JSONB
);

CREATE INDEX IF NOT EXISTS idx_transfer_requests_sender ON transfer_requests (sender);
CREATE INDEX IF NOT EXISTS idx_transfer_requests_recipient ON transfer_requests (recipient);
`

// PostgresStore backs the service with a shared Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveWallet(ctx context.Context, w *ledger.Wallet) error {
	query := `
		INSERT INTO wallets (id, address, balance, created_at, last_activity_at,
			transaction_count, total_sent, total_received, total_sent_fiat, total_received_fiat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (address) DO UPDATE SET
			balance = EXCLUDED.balance,
			last_activity_at = EXCLUDED.last_activity_at,
			transaction_count = EXCLUDED.transaction_count,
			total_sent = EXCLUDED.total_sent,
			total_received = EXCLUDED.total_received,
			total_sent_fiat = EXCLUDED.total_sent_fiat,
			total_received_fiat = EXCLUDED.total_received_fiat
	`
	_, err := s.pool.Exec(ctx, query,
		w.ID, w.Address, w.Balance.String(), w.CreatedAt, w.LastActivityAt,
		w.TransactionCount, w.TotalSent.String(), w.TotalReceived.String(),
		w.TotalSentFiat.String(), w.TotalReceivedFiat.String())
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.Address, err)
	}
	return nil
}

func (s *PostgresStore) SaveRequest(ctx context.Context, r *transfer.Request) error {
	fiat, settledAt, settlement, err := encodeRequestFields(r)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transfer_requests (id, sender, recipient, asset_amount, fiat_amount,
			challenge, nonce, expires_at, state, failure_reason, quote_fallback,
			currency_sample, created_at, settled_at, settlement)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			failure_reason = EXCLUDED.failure_reason,
			settled_at = EXCLUDED.settled_at,
			settlement = EXCLUDED.settlement
	`
	_, err = s.pool.Exec(ctx, query,
		r.ID, r.Sender, r.Recipient, r.AssetAmount.String(), fiat,
		r.Challenge, r.Nonce, r.ExpiresAt, string(r.State), r.FailureReason,
		r.QuoteFallback, []byte(r.CurrencySample), r.CreatedAt, settledAt, settlement)
	if err != nil {
		return fmt.Errorf("save transfer request %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Wallets(ctx context.Context) ([]*ledger.Wallet, error) {
	query := `
		SELECT id, address, balance::TEXT, created_at, last_activity_at,
			transaction_count, total_sent::TEXT, total_received::TEXT,
			total_sent_fiat::TEXT, total_received_fiat::TEXT
		FROM wallets
	`
	rows, err := s.pool.Query(ctx, query)
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

func (s *PostgresStore) Requests(ctx context.Context) ([]*transfer.Request, error) {
	query := `
		SELECT id, sender, recipient, asset_amount::TEXT, fiat_amount::TEXT, challenge,
			nonce, expires_at, state, failure_reason, quote_fallback, currency_sample,
			created_at, settled_at, settlement::TEXT
		FROM transfer_requests
		ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query)
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
			fiat       *string
			sample     []byte
			settledAt  *time.Time
			settlement *string
		)
		if err := rows.Scan(&r.ID, &r.Sender, &r.Recipient, &amount, &fiat,
			&r.Challenge, &r.Nonce, &r.ExpiresAt, &state, &r.FailureReason,
			&r.QuoteFallback, &sample, &r.CreatedAt, &settledAt, &settlement); err != nil {
			return nil, fmt.Errorf("scan transfer request: %w", err)
		}
		if err := decodeRequestFields(&r, state, amount, fiat, sample, settledAt, settlement); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
