package marketcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/ato/utils/pkg/retry"
)

const DefaultJupiterURL = "https://lite-api.jup.ag/price/v3"

// JupiterPrices reads USD prices from the Jupiter price API.
type JupiterPrices struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Config
}

func NewJupiterPrices(baseURL string) *JupiterPrices {
	if baseURL == "" {
		baseURL = DefaultJupiterURL
	}
	return &JupiterPrices{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// The public endpoint allows 60 requests per minute.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		retry:   retry.DefaultConfig(),
	}
}

type jupiterPrice struct {
	USDPrice decimal.Decimal `json:"usdPrice"`
}

func (j *JupiterPrices) Price(ctx context.Context, mint string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := retry.Do(ctx, j.retry, func() error {
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}
		p, err := j.fetch(ctx, mint)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	return price, err
}

func (j *JupiterPrices) fetch(ctx context.Context, mint string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"?ids="+url.QueryEscape(mint), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var prices map[string]jupiterPrice
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}
	p, ok := prices[mint]
	if !ok {
		return decimal.Zero, retry.Permanent(fmt.Errorf("no price for %s", mint))
	}
	return p.USDPrice, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("price API error: %s (status %d)", e.body, e.code)
}

func (e *statusError) StatusCode() int { return e.code }
