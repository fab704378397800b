package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/transfer-infra/internal/ethsig"
	"github.com/example/transfer-infra/internal/ledger"
	"github.com/example/transfer-infra/internal/quote"
)

// QuoteService converts fiat amounts to asset amounts. Oracle outages are
// absorbed as fallback quotes, not errors.
type QuoteService interface {
	Convert(ctx context.Context, fiatAmount decimal.Decimal) (*quote.Quote, error)
}

// SettlementLedger is the slice of the ledger the state machine drives.
type SettlementLedger interface {
	Ensure(ctx context.Context, address string) (*ledger.Wallet, error)
	Settle(ctx context.Context, sender, recipient string, assetAmount decimal.Decimal, fiatAmount *decimal.Decimal) error
}

// RequestStore persists transfer requests after each state change.
type RequestStore interface {
	SaveRequest(ctx context.Context, r *Request) error
}

// Notifier is told about completed transfers, fire-and-forget.
type Notifier interface {
	TransferCompleted(ctx context.Context, assetAmount decimal.Decimal, sender, recipient string) error
}

// Auditor appends settlement events to the tamper-evident audit chain.
type Auditor interface {
	Append(payload string)
}

const (
	// DefaultExpiry bounds how long an issued challenge stays signable.
	DefaultExpiry = 30 * time.Second
	notifyTimeout = 10 * time.Second
)

// DefaultDriftTolerance is the maximum relative quote drift accepted at
// confirm time for fiat-denominated requests.
var DefaultDriftTolerance = decimal.RequireFromString("0.01")

// Params wires a Service.
type Params struct {
	Quotes         QuoteService
	Ledger         SettlementLedger
	Store          RequestStore
	Notifier       Notifier
	Auditor        Auditor
	Simulator      *Simulator
	Logger         *slog.Logger
	Expiry         time.Duration
	DriftTolerance decimal.Decimal
}

// Service owns the transfer request lifecycle: challenge issuance, signed
// confirmation, and settlement. Requests transition out of pending at most
// once; confirms racing on the same request serialize on a per-request
// mutex so exactly one observes pending.
type Service struct {
	mu      sync.Mutex
	byNonce map[string]*Request
	byID    map[string]*Request
	order   []*Request
	locks   map[string]*sync.Mutex

	quotes    QuoteService
	ledger    SettlementLedger
	store     RequestStore
	notifier  Notifier
	auditor   Auditor
	sim       *Simulator
	logger    *slog.Logger
	expiry    time.Duration
	tolerance decimal.Decimal

	now   func() time.Time
	nonce func() string
}

func NewService(p Params) *Service {
	if p.Simulator == nil {
		p.Simulator = NewSimulator()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Expiry <= 0 {
		p.Expiry = DefaultExpiry
	}
	if p.DriftTolerance.LessThanOrEqual(decimal.Zero) {
		p.DriftTolerance = DefaultDriftTolerance
	}

	return &Service{
		byNonce:   make(map[string]*Request),
		byID:      make(map[string]*Request),
		locks:     make(map[string]*sync.Mutex),
		quotes:    p.Quotes,
		ledger:    p.Ledger,
		store:     p.Store,
		notifier:  p.Notifier,
		auditor:   p.Auditor,
		sim:       p.Simulator,
		logger:    p.Logger,
		expiry:    p.Expiry,
		tolerance: p.DriftTolerance,
		now:       time.Now,
		nonce:     newNonce,
	}
}

// Hydrate loads previously persisted requests. Intended for startup only.
func (s *Service) Hydrate(requests []*Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range requests {
		cp := r.clone()
		s.byNonce[cp.Nonce] = cp
		s.byID[cp.ID] = cp
		s.order = append(s.order, cp)
		s.locks[cp.ID] = &sync.Mutex{}
	}
}

// CreateRequest asks for a transfer authorization. Exactly one of
// AssetAmount or FiatAmount must be set.
type CreateRequest struct {
	Sender      string
	Recipient   string
	AssetAmount *decimal.Decimal
	FiatAmount  *decimal.Decimal
}

// CreateResult carries the challenge the caller must sign.
type CreateResult struct {
	Request        *Request
	Challenge      string
	ExpiresAt      time.Time
	CurrencySample json.RawMessage
}

// Create validates the parties, derives the asset amount (quoting fiat if
// needed), issues a signed-challenge request in pending state, and
// persists it. On any failure no record is created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	sender, err := ethsig.NormalizeAddress(req.Sender)
	if err != nil {
		return nil, &MalformedInputError{Detail: "sender: " + err.Error()}
	}
	recipient, err := ethsig.NormalizeAddress(req.Recipient)
	if err != nil {
		return nil, &MalformedInputError{Detail: "recipient: " + err.Error()}
	}

	if (req.AssetAmount == nil) == (req.FiatAmount == nil) {
		return nil, &MalformedInputError{Detail: "exactly one of asset amount or fiat amount is required"}
	}

	var (
		assetAmount decimal.Decimal
		fiatAmount  *decimal.Decimal
		fallback    bool
		sample      json.RawMessage
	)
	if req.FiatAmount != nil {
		fiat := req.FiatAmount.Round(quote.FiatPrecision)
		if fiat.LessThanOrEqual(decimal.Zero) {
			return nil, &MalformedInputError{Detail: "fiat amount must be positive"}
		}
		q, err := s.quotes.Convert(ctx, fiat)
		if err != nil {
			return nil, fmt.Errorf("quote fiat amount: %w", err)
		}
		if q.AssetAmount.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("quote produced unusable amount %s", q.AssetAmount)
		}
		assetAmount = q.AssetAmount
		fiatAmount = &fiat
		fallback = q.Fallback
		sample = q.Sample
	} else {
		assetAmount = req.AssetAmount.Round(quote.AssetPrecision)
		if assetAmount.LessThanOrEqual(decimal.Zero) {
			return nil, &MalformedInputError{Detail: "asset amount must be positive"}
		}
	}

	if _, err := s.ledger.Ensure(ctx, sender); err != nil {
		return nil, fmt.Errorf("ensure sender wallet: %w", err)
	}
	if _, err := s.ledger.Ensure(ctx, recipient); err != nil {
		return nil, fmt.Errorf("ensure recipient wallet: %w", err)
	}

	now := s.now()
	expiresAt := now.Add(s.expiry)
	challenge := Challenge{
		Type:      challengeType,
		Nonce:     s.nonce(),
		From:      sender,
		To:        recipient,
		EthAmount: assetAmount,
		AmountUSD: fiatAmount,
		ExpiresAt: expiresAt.UnixMilli(),
	}
	encoded, err := challenge.Encode()
	if err != nil {
		return nil, err
	}

	r := &Request{
		ID:             uuid.NewString(),
		Sender:         sender,
		Recipient:      recipient,
		AssetAmount:    assetAmount,
		FiatAmount:     fiatAmount,
		Challenge:      encoded,
		Nonce:          challenge.Nonce,
		ExpiresAt:      expiresAt,
		State:          StatePending,
		QuoteFallback:  fallback,
		CurrencySample: sample,
		CreatedAt:      now,
	}

	if s.store != nil {
		if err := s.store.SaveRequest(ctx, r); err != nil {
			return nil, fmt.Errorf("persist transfer request: %w", err)
		}
	}

	s.mu.Lock()
	s.byNonce[r.Nonce] = r
	s.byID[r.ID] = r
	s.order = append(s.order, r)
	s.locks[r.ID] = &sync.Mutex{}
	s.mu.Unlock()

	s.logger.Info("transfer request created",
		"request_id", r.ID,
		"sender", sender,
		"recipient", recipient,
		"asset_amount", assetAmount.String(),
		"quote_fallback", fallback,
		"expires_at", expiresAt,
	)

	return &CreateResult{
		Request:        r.clone(),
		Challenge:      encoded,
		ExpiresAt:      expiresAt,
		CurrencySample: sample,
	}, nil
}

// ConfirmRequest submits a signed challenge for settlement.
type ConfirmRequest struct {
	Sender    string
	Recipient string
	Challenge string
	Signature string
}

// Confirm verifies the submitted signature against the pending request
// matching the challenge, re-validates expiry and price drift, and settles
// on the ledger. Every check failure past the lookup terminally fails the
// request with its reason; the returned error is always a *ConfirmError
// or *MalformedInputError except for infrastructure failures.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*Request, error) {
	sender, err := ethsig.NormalizeAddress(req.Sender)
	if err != nil {
		return nil, &MalformedInputError{Detail: "sender: " + err.Error()}
	}
	recipient, err := ethsig.NormalizeAddress(req.Recipient)
	if err != nil {
		return nil, &MalformedInputError{Detail: "recipient: " + err.Error()}
	}

	parsed, err := ParseChallenge(req.Challenge)
	if err != nil {
		return nil, &MalformedInputError{Detail: "challenge: " + err.Error()}
	}

	s.mu.Lock()
	r, ok := s.byNonce[parsed.Nonce]
	var lock *sync.Mutex
	if ok {
		lock = s.locks[r.ID]
	}
	s.mu.Unlock()

	// Match requires the exact challenge text originally issued, submitted
	// against the same parties, still pending. Anything else is rejected
	// without touching state.
	if !ok || r.Challenge != req.Challenge || !strings.EqualFold(recipient, r.Recipient) {
		return nil, &ConfirmError{Reason: ReasonNoPendingRequest}
	}

	lock.Lock()
	defer lock.Unlock()

	if r.State != StatePending {
		return nil, &ConfirmError{Reason: ReasonNoPendingRequest}
	}

	if s.now().After(r.ExpiresAt) {
		return s.fail(ctx, r, ReasonExpired, nil)
	}

	recovered, err := ethsig.RecoverAddress([]byte(req.Challenge), req.Signature)
	if err != nil {
		return s.fail(ctx, r, ReasonInvalidSignature, err)
	}
	if !strings.EqualFold(recovered.Hex(), sender) || !strings.EqualFold(sender, r.Sender) {
		return s.fail(ctx, r, ReasonInvalidSignature, fmt.Errorf("recovered %s, want %s", recovered.Hex(), r.Sender))
	}

	// Drift guard for fiat-denominated requests. A fresh quote that cannot
	// be produced at all fails closed rather than skipping the guard.
	if r.FiatAmount != nil {
		fresh, err := s.quotes.Convert(ctx, *r.FiatAmount)
		if err != nil {
			return s.fail(ctx, r, ReasonPriceMoved, fmt.Errorf("fresh quote unavailable: %w", err))
		}
		floor := decimal.New(1, -12)
		drift := fresh.AssetAmount.Sub(r.AssetAmount).Abs().Div(decimal.Max(r.AssetAmount, floor))
		if drift.GreaterThan(s.tolerance) {
			return s.fail(ctx, r, ReasonPriceMoved, fmt.Errorf("drift %s exceeds tolerance %s", drift, s.tolerance))
		}
	}

	if err := s.ledger.Settle(ctx, r.Sender, r.Recipient, r.AssetAmount, r.FiatAmount); err != nil {
		var ife *ledger.InsufficientFundsError
		if errors.As(err, &ife) {
			return s.fail(ctx, r, ReasonInsufficientFunds, err)
		}
		return nil, fmt.Errorf("settle transfer %s: %w", r.ID, err)
	}

	settledAt := s.now()
	s.mu.Lock()
	r.State = StateCompleted
	r.SettledAt = &settledAt
	r.Settlement = s.sim.Settlement()
	cp := r.clone()
	s.mu.Unlock()
	s.persist(ctx, cp)

	if s.auditor != nil {
		s.auditor.Append(fmt.Sprintf("transfer_completed id=%s ref=%s sender=%s recipient=%s amount=%s",
			cp.ID, cp.Settlement.Ref, cp.Sender, cp.Recipient, cp.AssetAmount))
	}
	s.logger.Info("transfer completed",
		"request_id", cp.ID,
		"settlement_ref", cp.Settlement.Ref,
		"sender", cp.Sender,
		"recipient", cp.Recipient,
		"asset_amount", cp.AssetAmount.String(),
	)
	s.notify(ctx, cp)

	return cp, nil
}

// fail records a terminal failure on the request. The transition is
// persisted so the audit trail keeps the reason.
func (s *Service) fail(ctx context.Context, r *Request, reason string, cause error) (*Request, error) {
	s.mu.Lock()
	r.State = StateFailed
	r.FailureReason = reason
	cp := r.clone()
	s.mu.Unlock()
	s.persist(ctx, cp)

	s.logger.Info("transfer failed",
		"request_id", cp.ID,
		"reason", reason,
		"error", fmt.Sprint(cause),
	)
	return cp, &ConfirmError{Reason: reason, Err: cause}
}

func (s *Service) persist(ctx context.Context, r *Request) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRequest(ctx, r); err != nil {
		s.logger.Error("persist transfer request", "request_id", r.ID, "error", err)
	}
}

// notify fires the completion notification without holding up the caller
// and without letting a notifier failure affect transfer state.
func (s *Service) notify(ctx context.Context, r *Request) {
	if s.notifier == nil {
		return
	}
	amount, sender, recipient := r.AssetAmount, r.Sender, r.Recipient
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.notifier.TransferCompleted(nctx, amount, sender, recipient); err != nil {
			s.logger.Warn("transfer notification failed", "error", err)
		}
	}()
}

// Get returns a copy of the request with the given id.
func (s *Service) Get(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// History returns every request involving address, newest first.
func (s *Service) History(address string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Request
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.order[i]
		if strings.EqualFold(r.Sender, address) || strings.EqualFold(r.Recipient, address) {
			out = append(out, r.clone())
		}
	}
	return out
}

// Filter selects requests for List. Zero values match everything.
type Filter struct {
	State         State
	Address       string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// List returns matching requests, newest first.
func (s *Service) List(f Filter) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Request
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.order[i]
		if f.State != "" && r.State != f.State {
			continue
		}
		if f.Address != "" && !strings.EqualFold(r.Sender, f.Address) && !strings.EqualFold(r.Recipient, f.Address) {
			continue
		}
		if !f.CreatedAfter.IsZero() && r.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		if !f.CreatedBefore.IsZero() && r.CreatedAt.After(f.CreatedBefore) {
			continue
		}
		out = append(out, r.clone())
	}
	return out
}

// Stats are aggregate counts over all requests.
type Stats struct {
	Total            int
	Pending          int
	Completed        int
	Failed           int
	TotalTransferred decimal.Decimal
	Recent24h        int
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{TotalTransferred: decimal.Zero}
	cutoff := s.now().Add(-24 * time.Hour)
	for _, r := range s.order {
		st.Total++
		switch r.State {
		case StatePending:
			st.Pending++
		case StateCompleted:
			st.Completed++
			st.TotalTransferred = st.TotalTransferred.Add(r.AssetAmount)
		case StateFailed:
			st.Failed++
		}
		if r.CreatedAt.After(cutoff) {
			st.Recent24h++
		}
	}
	return st
}
