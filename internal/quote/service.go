package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

const (
	// AssetPrecision is the fixed fractional precision for asset amounts.
	AssetPrecision = 8
	// FiatPrecision is the fixed fractional precision for fiat amounts.
	FiatPrecision = 2
)

// DefaultFallbackPrice is the fixed unit price used when the oracle is
// unavailable.
var DefaultFallbackPrice = decimal.NewFromInt(1800)

// Quote is the result of converting a fiat amount into an asset amount.
type Quote struct {
	AssetAmount decimal.Decimal `json:"asset_amount"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Fallback    bool            `json:"fallback"`
	Sample      json.RawMessage `json:"sample,omitempty"`
}

// Service converts fiat amounts to asset amounts using a live oracle with
// a deterministic fallback. Oracle failure is never surfaced as an error;
// the result is tagged Fallback instead.
type Service struct {
	oracle        Oracle
	samples       *SampleFetcher
	fallbackPrice decimal.Decimal
	logger        *slog.Logger
}

func NewService(oracle Oracle, samples *SampleFetcher, fallbackPrice decimal.Decimal, logger *slog.Logger) *Service {
	if fallbackPrice.LessThanOrEqual(decimal.Zero) {
		fallbackPrice = DefaultFallbackPrice
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oracle:        oracle,
		samples:       samples,
		fallbackPrice: fallbackPrice,
		logger:        logger,
	}
}

// Convert derives the asset amount for fiatAmount at the current unit
// price, rounded to AssetPrecision.
func (s *Service) Convert(ctx context.Context, fiatAmount decimal.Decimal) (*Quote, error) {
	if fiatAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("fiat amount must be positive, got %s", fiatAmount)
	}

	q := &Quote{}
	if s.samples != nil {
		q.Sample = s.samples.Fetch(ctx)
	}

	price, err := s.oracle.UnitPrice(ctx)
	if err != nil {
		s.logger.Warn("oracle unavailable, using fallback price",
			"error", err,
			"fallback_price", s.fallbackPrice.String(),
		)
		price = s.fallbackPrice
		q.Fallback = true
	}

	q.UnitPrice = price
	q.AssetAmount = fiatAmount.DivRound(price, AssetPrecision)
	return q, nil
}

// UnitPrice returns the current unit price, falling back like Convert.
func (s *Service) UnitPrice(ctx context.Context) (decimal.Decimal, bool) {
	price, err := s.oracle.UnitPrice(ctx)
	if err != nil {
		s.logger.Warn("oracle unavailable, using fallback price", "error", err)
		return s.fallbackPrice, true
	}
	return price, false
}
