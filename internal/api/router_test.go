package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/transfer-infra/internal/ethsig"
	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/quote"
	"github.com/example/transfer-infra/internal/security"
	"github.com/example/transfer-infra/internal/transfer"
	"github.com/example/transfer-infra/pkg/audit"
)

type stubQuotes struct {
	price decimal.Decimal
}

func (q stubQuotes) Convert(ctx context.Context, fiat decimal.Decimal) (*quote.Quote, error) {
	return &quote.Quote{
		AssetAmount: fiat.DivRound(q.price, quote.AssetPrecision),
		UnitPrice:   q.price,
	}, nil
}

func (q stubQuotes) UnitPrice(ctx context.Context) (decimal.Decimal, bool) {
	return q.price, false
}

type routerEnv struct {
	handler  http.Handler
	svc      *transfer.Service
	ledger   *ledger.Ledger
	auditor  *audit.ChainLogger
	key      *ecdsa.PrivateKey
	sender   string
	receiver string
}

func newRouterEnv(t *testing.T, extra func(*Dependencies)) *routerEnv {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	quotes := stubQuotes{price: decimal.RequireFromString("2000")}
	l := ledger.NewLedger(nil, ledger.FixedSeed(decimal.RequireFromString("5")))
	svc := transfer.NewService(transfer.Params{Quotes: quotes, Ledger: l})
	auditor := audit.NewChainLogger()

	deps := Dependencies{
		Transfers:    svc,
		Wallets:      l,
		Quotes:       quotes,
		Auditor:      auditor,
		MaxBodyBytes: 1 << 20,
	}
	if extra != nil {
		extra(&deps)
	}

	handler, err := NewRouter(deps)
	require.NoError(t, err)

	return &routerEnv{
		handler:  handler,
		svc:      svc,
		ledger:   l,
		auditor:  auditor,
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		receiver: crypto.PubkeyToAddress(otherKey.PublicKey).Hex(),
	}
}

func (e *routerEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestRouter_FullTransferFlow(t *testing.T) {
	env := newRouterEnv(t, nil)

	// Request a transfer authorization.
	rec := env.do(t, http.MethodPost, "/request-transfer", map[string]any{
		"sender":     env.sender,
		"recipient":  env.receiver,
		"amount_eth": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	message, _ := created["message"].(string)
	require.NotEmpty(t, message)
	require.NotZero(t, created["expires_at"])

	// Sign and submit.
	sig, err := ethsig.SignMessage([]byte(message), env.key)
	require.NoError(t, err)

	rec = env.do(t, http.MethodPost, "/submit-transfer", map[string]any{
		"sender":    env.sender,
		"recipient": env.receiver,
		"message":   message,
		"signature": sig,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	submitted := decodeBody(t, rec)
	assert.Equal(t, true, submitted["success"])
	tx := submitted["tx"].(map[string]any)
	assert.Equal(t, "completed", tx["state"])
	txID := tx["id"].(string)

	// Balances moved, priced at the stubbed 2000 USD/ETH.
	rec = env.do(t, http.MethodGet, "/balance/"+env.sender, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody(t, rec)
	assert.Equal(t, "4", fmt.Sprint(balance["balance_eth"]))
	assert.Equal(t, "8000", fmt.Sprint(balance["balance_usd"]))

	// History includes the transfer for both parties.
	for _, addr := range []string{env.sender, env.receiver} {
		rec = env.do(t, http.MethodGet, "/history/"+addr, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody(t, rec)["txs"], 1)
	}

	// Transaction detail lookup.
	rec = env.do(t, http.MethodGet, "/transaction/"+txID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Analytics reflect the settled transfer.
	rec = env.do(t, http.MethodGet, "/analytics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	analytics := decodeBody(t, rec)
	overview := analytics["overview"].(map[string]any)
	assert.Equal(t, float64(2), overview["total_wallets"])
	assert.Equal(t, float64(1), overview["completed_transactions"])

	// The audit chain recorded the requests and verifies.
	rec = env.do(t, http.MethodGet, "/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	auditBody := decodeBody(t, rec)
	assert.Equal(t, true, auditBody["valid"])
	assert.NotEmpty(t, auditBody["entries"])
}

func TestRouter_BalanceUnknownWalletIsZero(t *testing.T) {
	env := newRouterEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/balance/0xdd41b7ee629c3cA606fde07E78eBB29999978426", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "0", fmt.Sprint(body["balance_eth"]))
}

func TestRouter_SchemaValidation(t *testing.T) {
	env := newRouterEnv(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing recipient", map[string]any{"sender": env.sender, "amount_eth": 1}},
		{"no amount", map[string]any{"sender": env.sender, "recipient": env.receiver}},
		{"both amounts", map[string]any{"sender": env.sender, "recipient": env.receiver, "amount_eth": 1, "amount_usd": 100}},
		{"bad address format", map[string]any{"sender": "nope", "recipient": env.receiver, "amount_eth": 1}},
		{"unknown field", map[string]any{"sender": env.sender, "recipient": env.receiver, "amount_eth": 1, "extra": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/request-transfer", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation_error", decodeBody(t, rec)["error"])
		})
	}
}

func TestRouter_SubmitFailureSurfacesReason(t *testing.T) {
	env := newRouterEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/request-transfer", map[string]any{
		"sender":     env.sender,
		"recipient":  env.receiver,
		"amount_eth": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	message := decodeBody(t, rec)["message"].(string)

	// Signed by the wrong key.
	wrongKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := ethsig.SignMessage([]byte(message), wrongKey)
	require.NoError(t, err)

	rec = env.do(t, http.MethodPost, "/submit-transfer", map[string]any{
		"sender":    env.sender,
		"recipient": env.receiver,
		"message":   message,
		"signature": sig,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "transfer_failed", body["error"])
	assert.Equal(t, "invalid_signature", body["reason"])
}

func TestRouter_SubmitUnknownChallenge(t *testing.T) {
	env := newRouterEnv(t, nil)

	message := `{"type":"transfer_approval","nonce":"deadbeef","from":"a","to":"b","ethAmount":"1","amountUsd":null,"expiresAt":1}`
	sig, err := ethsig.SignMessage([]byte(message), env.key)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/submit-transfer", map[string]any{
		"sender":    env.sender,
		"recipient": env.receiver,
		"message":   message,
		"signature": sig,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "no_pending_request", body["reason"])
}

func TestRouter_WalletEndpoints(t *testing.T) {
	env := newRouterEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/wallet/"+env.sender, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Creating a transfer materializes both wallets.
	rec = env.do(t, http.MethodPost, "/request-transfer", map[string]any{
		"sender":     env.sender,
		"recipient":  env.receiver,
		"amount_eth": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/wallet/"+env.sender, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	wallet := decodeBody(t, rec)["wallet"].(map[string]any)
	assert.Equal(t, env.sender, wallet["address"])
	assert.Equal(t, "10000", fmt.Sprint(wallet["balance_usd"]))

	rec = env.do(t, http.MethodGet, "/wallets?page=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeBody(t, rec)
	assert.Len(t, listing["wallets"], 1)
	p := listing["pagination"].(map[string]any)
	assert.Equal(t, float64(2), p["total"])
	assert.Equal(t, float64(2), p["pages"])
}

func TestRouter_TransactionsFilter(t *testing.T) {
	env := newRouterEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/request-transfer", map[string]any{
		"sender":     env.sender,
		"recipient":  env.receiver,
		"amount_eth": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/transactions?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["transactions"], 1)

	rec = env.do(t, http.MethodGet, "/transactions?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["transactions"], 0)

	rec = env.do(t, http.MethodGet, "/transactions?address="+env.receiver, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["transactions"], 1)

	rec = env.do(t, http.MethodGet, "/transactions?from_date=2099-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["transactions"], 0)
}

func TestRouter_RateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	env := newRouterEnv(t, func(deps *Dependencies) {
		deps.RateLimiter = &security.RedisTokenBucket{
			Redis:      client,
			Prefix:     "test",
			Capacity:   2,
			RefillRate: 0.001,
		}
	})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/analytics", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/analytics", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody(t, rec)["error"])
}

func TestRouter_BodySizeLimit(t *testing.T) {
	env := newRouterEnv(t, func(deps *Dependencies) {
		deps.MaxBodyBytes = 64
	})

	rec := env.do(t, http.MethodPost, "/request-transfer", map[string]any{
		"sender":    env.sender,
		"recipient": env.receiver,
		"amount_eth": 1,
		"padding":   bytes.Repeat([]byte("x"), 256),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRouter_NotFound(t *testing.T) {
	env := newRouterEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/transaction/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transaction_not_found", decodeBody(t, rec)["error"])
}
