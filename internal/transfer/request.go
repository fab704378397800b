package transfer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a transfer request. pending is initial;
// completed and failed are terminal.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Machine-readable failure reasons recorded on a request when it
// transitions to failed, and surfaced to callers.
const (
	ReasonNoPendingRequest  = "no_pending_request"
	ReasonExpired           = "expired"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonPriceMoved        = "price_moved"
	ReasonInsufficientFunds = "insufficient_funds"
)

// MalformedInputError rejects a call before any record is created or
// matched. It never leaves a durable trace.
type MalformedInputError struct {
	Detail string
}

func (e *MalformedInputError) Error() string {
	return "malformed input: " + e.Detail
}

// ConfirmError is a terminal confirm failure with its taxonomy reason.
type ConfirmError struct {
	Reason string
	Err    error
}

func (e *ConfirmError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("confirm rejected (%s): %v", e.Reason, e.Err)
	}
	return "confirm rejected: " + e.Reason
}

func (e *ConfirmError) Unwrap() error { return e.Err }

// Challenge is the canonical message a client signs to authorize a
// transfer. The encoded JSON form is byte-for-byte reproducible (fixed
// field order) and must be signed exactly as issued.
type Challenge struct {
	Type      string           `json:"type"`
	Nonce     string           `json:"nonce"`
	From      string           `json:"from"`
	To        string           `json:"to"`
	EthAmount decimal.Decimal  `json:"ethAmount"`
	AmountUSD *decimal.Decimal `json:"amountUsd"`
	ExpiresAt int64            `json:"expiresAt"` // unix milliseconds
}

const challengeType = "transfer_approval"

func (c Challenge) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode challenge: %w", err)
	}
	return string(b), nil
}

// ParseChallenge decodes a submitted challenge. The decoded form is used
// only to locate the pending request by nonce; matching is still by exact
// challenge text.
func ParseChallenge(raw string) (*Challenge, error) {
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	if c.Type != challengeType {
		return nil, fmt.Errorf("unexpected challenge type %q", c.Type)
	}
	if c.Nonce == "" {
		return nil, fmt.Errorf("challenge missing nonce")
	}
	return &c, nil
}

// Settlement is the presentational metadata attached to a completed
// transfer. Only the Ref is required to be unique.
type Settlement struct {
	Ref         string `json:"ref"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	GasPrice    uint64 `json:"gas_price"`
}

// Request is a transfer authorization record. It is created pending,
// transitions out of pending at most once, and is never deleted.
type Request struct {
	ID             string           `json:"id"`
	Sender         string           `json:"sender"`
	Recipient      string           `json:"recipient"`
	AssetAmount    decimal.Decimal  `json:"asset_amount"`
	FiatAmount     *decimal.Decimal `json:"fiat_amount,omitempty"`
	Challenge      string           `json:"challenge"`
	Nonce          string           `json:"nonce"`
	ExpiresAt      time.Time        `json:"expires_at"`
	State          State            `json:"state"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	QuoteFallback  bool             `json:"quote_fallback,omitempty"`
	CurrencySample json.RawMessage  `json:"currency_sample,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	SettledAt      *time.Time       `json:"settled_at,omitempty"`
	Settlement     *Settlement      `json:"settlement,omitempty"`
}

func (r *Request) clone() *Request {
	cp := *r
	if r.FiatAmount != nil {
		f := *r.FiatAmount
		cp.FiatAmount = &f
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	if r.Settlement != nil {
		s := *r.Settlement
		cp.Settlement = &s
	}
	return &cp
}
