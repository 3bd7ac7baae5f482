package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource fetches a currency's USD price from the public ticker
// endpoint, e.g. USDT-USD. It satisfies the rates refresher's Source
// interface.
type RateSource struct {
	restURL    string
	currency   string
	httpClient *http.Client
}

// NewRateSource creates a ticker-backed rate source for currency-USD.
func NewRateSource(restURL, currency string) *RateSource {
	return &RateSource{
		restURL:  restURL,
		currency: currency,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name identifies the source in logs and published rate events.
func (r *RateSource) Name() string {
	return "coinbase"
}

// Rate returns the last trade price of {currency}-USD.
func (r *RateSource) Rate(ctx context.Context) (float64, error) {
	reqURL := fmt.Sprintf("%s/products/%s-USD/ticker", r.restURL, r.currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("coinbase: rate request: %w", err)
	}
	req.Header.Set("User-Agent", "aggbook/1.0")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coinbase: rate %s: %w", r.currency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("coinbase: rate %s: status %d: %s", r.currency, resp.StatusCode, body)
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return 0, fmt.Errorf("coinbase: rate %s: decode: %w", r.currency, err)
	}

	p, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return 0, fmt.Errorf("coinbase: rate %s: parse %q: %w", r.currency, ticker.Price, err)
	}
	rate := p.InexactFloat64()
	if rate <= 0 {
		return 0, fmt.Errorf("coinbase: rate %s: non-positive price %q", r.currency, ticker.Price)
	}
	return rate, nil
}
