package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Oracle returns the current unit price of the base asset in fiat terms.
type Oracle interface {
	UnitPrice(ctx context.Context) (decimal.Decimal, error)
}

// CoinGeckoOracle reads the asset price from a CoinGecko-shaped simple
// price endpoint: {"ethereum":{"usd":<price>}}.
type CoinGeckoOracle struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewCoinGeckoOracle(url string, timeout time.Duration) *CoinGeckoOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CoinGeckoOracle{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (o *CoinGeckoOracle) UnitPrice(ctx context.Context) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.URL, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build oracle request: %w", err)
	}

	resp, err := o.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, fmt.Errorf("read oracle response: %w", err)
	}

	var payload struct {
		Ethereum struct {
			USD decimal.Decimal `json:"usd"`
		} `json:"ethereum"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode oracle response: %w", err)
	}

	price := payload.Ethereum.USD
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("oracle returned non-positive price %s", price)
	}
	return price, nil
}

// SampleFetcher grabs a raw sample from the secondary currency API for
// diagnostics. Failures are not errors; callers get a nil sample.
type SampleFetcher struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewSampleFetcher(url string, timeout time.Duration) *SampleFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SampleFetcher{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (s *SampleFetcher) Fetch(ctx context.Context) json.RawMessage {
	if s == nil || s.URL == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	if !json.Valid(body) {
		return nil
	}
	return json.RawMessage(body)
}
