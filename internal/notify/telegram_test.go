package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferCompleted_SendsMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token123", "chat456")
	n.BaseURL = srv.URL

	err := n.TransferCompleted(context.Background(), decimal.RequireFromString("0.05"),
		"0xdd41b7ee629c3cA606fde07E78eBB29999978426",
		"0xD3e2DB895692fAf70eD72a97b60ACbeF500b276B")
	require.NoError(t, err)

	assert.Equal(t, "/bottoken123/sendMessage", gotPath)
	assert.Equal(t, "chat456", gotBody["chat_id"])
	assert.Equal(t,
		"Transfer completed: 0.05 ETH from 0xdd41b7ee629c3cA606fde07E78eBB29999978426 to 0xD3e2DB895692fAf70eD72a97b60ACbeF500b276B",
		gotBody["text"])
}

func TestTransferCompleted_APIErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat")
	n.BaseURL = srv.URL

	err := n.TransferCompleted(context.Background(), decimal.New(1, 0), "a", "b")
	assert.ErrorContains(t, err, "403")
}

func TestTransferCompleted_DisabledWithoutCredentials(t *testing.T) {
	n := NewTelegramNotifier("", "")
	assert.False(t, n.Enabled())
	assert.NoError(t, n.TransferCompleted(context.Background(), decimal.New(1, 0), "a", "b"))
}
