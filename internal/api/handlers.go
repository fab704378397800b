package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/transfer-infra/internal/ethsig"
	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/quote"
	"github.com/example/transfer-infra/internal/security"
	"github.com/example/transfer-infra/internal/transfer"
	"github.com/example/transfer-infra/pkg/audit"
)

type requestTransferRequest struct {
	Sender    string           `json:"sender"`
	Recipient string           `json:"recipient"`
	AmountEth *decimal.Decimal `json:"amount_eth"`
	AmountUSD *decimal.Decimal `json:"amount_usd"`
}

type requestTransferResponse struct {
	Message        string          `json:"message"`
	ExpiresAt      int64           `json:"expires_at"`
	CurrencySample json.RawMessage `json:"currency_sample,omitempty"`
}

type submitTransferRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type submitTransferResponse struct {
	Success bool              `json:"success"`
	Tx      *transfer.Request `json:"tx"`
}

type balanceResponse struct {
	BalanceEth decimal.Decimal `json:"balance_eth"`
	BalanceUSD decimal.Decimal `json:"balance_usd"`
}

type walletView struct {
	*ledger.Wallet
	BalanceUSD decimal.Decimal `json:"balance_usd"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

func handleRequestTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req requestTransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		res, err := deps.Transfers.Create(r.Context(), transfer.CreateRequest{
			Sender:      req.Sender,
			Recipient:   req.Recipient,
			AssetAmount: req.AmountEth,
			FiatAmount:  req.AmountUSD,
		})
		if err != nil {
			var mie *transfer.MalformedInputError
			if errors.As(err, &mie) {
				security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
				return
			}
			deps.Logger.Error("request transfer failed", "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "quote_unavailable")
			return
		}

		writeJSON(w, r, http.StatusOK, requestTransferResponse{
			Message:        res.Challenge,
			ExpiresAt:      res.ExpiresAt.UnixMilli(),
			CurrencySample: res.CurrencySample,
		})
	}
}

func handleSubmitTransfer(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitTransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		tx, err := deps.Transfers.Confirm(r.Context(), transfer.ConfirmRequest{
			Sender:    req.Sender,
			Recipient: req.Recipient,
			Challenge: req.Message,
			Signature: req.Signature,
		})
		if err != nil {
			var mie *transfer.MalformedInputError
			if errors.As(err, &mie) {
				security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
				return
			}
			var ce *transfer.ConfirmError
			if errors.As(err, &ce) {
				security.WriteJSONErrorReason(w, r, http.StatusBadRequest, "transfer_failed", ce.Reason)
				return
			}
			deps.Logger.Error("submit transfer failed", "error", err)
			security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		writeJSON(w, r, http.StatusOK, submitTransferResponse{Success: true, Tx: tx})
	}
}

func handleBalance(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address, err := ethsig.NormalizeAddress(chi.URLParam(r, "address"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
			return
		}

		wallet, ok := deps.Wallets.Get(address)
		if !ok {
			writeJSON(w, r, http.StatusOK, balanceResponse{
				BalanceEth: decimal.Zero,
				BalanceUSD: decimal.Zero,
			})
			return
		}

		price, _ := deps.Quotes.UnitPrice(r.Context())
		writeJSON(w, r, http.StatusOK, balanceResponse{
			BalanceEth: wallet.Balance,
			BalanceUSD: wallet.Balance.Mul(price).Round(quote.FiatPrecision),
		})
	}
}

func handleHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address, err := ethsig.NormalizeAddress(chi.URLParam(r, "address"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
			return
		}

		txs := deps.Transfers.History(address)
		if txs == nil {
			txs = []*transfer.Request{}
		}
		writeJSON(w, r, http.StatusOK, map[string]any{"txs": txs})
	}
}

func handleWallet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		address, err := ethsig.NormalizeAddress(chi.URLParam(r, "address"))
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
			return
		}

		wallet, ok := deps.Wallets.Get(address)
		if !ok {
			security.WriteJSONError(w, r, http.StatusNotFound, "wallet_not_found")
			return
		}

		price, _ := deps.Quotes.UnitPrice(r.Context())
		writeJSON(w, r, http.StatusOK, map[string]any{
			"wallet": walletView{
				Wallet:     wallet,
				BalanceUSD: wallet.Balance.Mul(price).Round(quote.FiatPrecision),
			},
		})
	}
}

func handleWallets(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, limit := pageParams(r, 10)

		all := deps.Wallets.Snapshot()
		total := len(all)
		wallets := paginate(all, page, limit)

		writeJSON(w, r, http.StatusOK, map[string]any{
			"wallets":    wallets,
			"pagination": newPagination(page, limit, total),
		})
	}
}

func handleTransaction(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, ok := deps.Transfers.Get(chi.URLParam(r, "id"))
		if !ok {
			security.WriteJSONError(w, r, http.StatusNotFound, "transaction_not_found")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{"transaction": tx})
	}
}

func handleTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := transfer.Filter{State: transfer.State(r.URL.Query().Get("status"))}

		if v := r.URL.Query().Get("address"); v != "" {
			address, err := ethsig.NormalizeAddress(v)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
				return
			}
			f.Address = address
		}
		if v := r.URL.Query().Get("from_date"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
				return
			}
			f.CreatedAfter = t
		}
		if v := r.URL.Query().Get("to_date"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				security.WriteJSONError(w, r, http.StatusBadRequest, "malformed_input")
				return
			}
			f.CreatedBefore = t
		}

		matched := deps.Transfers.List(f)
		page, limit := pageParams(r, 20)

		writeJSON(w, r, http.StatusOK, map[string]any{
			"transactions": paginate(matched, page, limit),
			"pagination":   newPagination(page, limit, len(matched)),
		})
	}
}

type analyticsOverview struct {
	TotalWallets          int             `json:"total_wallets"`
	TotalTransactions     int             `json:"total_transactions"`
	CompletedTransactions int             `json:"completed_transactions"`
	FailedTransactions    int             `json:"failed_transactions"`
	PendingTransactions   int             `json:"pending_transactions"`
	TotalEthInCirculation decimal.Decimal `json:"total_eth_in_circulation"`
	TotalEthTransferred   decimal.Decimal `json:"total_eth_transferred"`
	AvgTransactionValue   decimal.Decimal `json:"avg_transaction_value"`
}

type analyticsResponse struct {
	Overview       analyticsOverview `json:"overview"`
	RecentActivity struct {
		Transactions24h int `json:"transactions_24h"`
		NewWallets24h   int `json:"new_wallets_24h"`
	} `json:"recent_activity"`
	SuccessRate decimal.Decimal `json:"success_rate"`
}

func handleAnalytics(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := deps.Transfers.Stats()
		wallets := deps.Wallets.Snapshot()

		circulation := decimal.Zero
		newWallets := 0
		cutoff := time.Now().Add(-24 * time.Hour)
		for _, wlt := range wallets {
			circulation = circulation.Add(wlt.Balance)
			if wlt.CreatedAt.After(cutoff) {
				newWallets++
			}
		}

		avg := decimal.Zero
		if stats.Completed > 0 {
			avg = stats.TotalTransferred.DivRound(decimal.NewFromInt(int64(stats.Completed)), 6)
		}
		successRate := decimal.Zero
		if stats.Total > 0 {
			successRate = decimal.NewFromInt(int64(stats.Completed * 100)).
				DivRound(decimal.NewFromInt(int64(stats.Total)), 2)
		}

		resp := analyticsResponse{
			Overview: analyticsOverview{
				TotalWallets:          len(wallets),
				TotalTransactions:     stats.Total,
				CompletedTransactions: stats.Completed,
				FailedTransactions:    stats.Failed,
				PendingTransactions:   stats.Pending,
				TotalEthInCirculation: circulation.Round(6),
				TotalEthTransferred:   stats.TotalTransferred.Round(6),
				AvgTransactionValue:   avg,
			},
			SuccessRate: successRate,
		}
		resp.RecentActivity.Transactions24h = stats.Recent24h
		resp.RecentActivity.NewWallets24h = newWallets

		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleAuditLog(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := deps.Auditor.Entries()
		writeJSON(w, r, http.StatusOK, map[string]any{
			"entries": entries,
			"valid":   audit.VerifyChain(entries),
		})
	}
}

func pageParams(r *http.Request, defaultLimit int) (page, limit int) {
	page, limit = 1, defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	return page, limit
}

func paginate[T any](items []T, page, limit int) []T {
	offset := (page - 1) * limit
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func newPagination(page, limit, total int) pagination {
	return pagination{
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: (total + limit - 1) / limit,
	}
}

func parseDate(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
