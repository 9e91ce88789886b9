package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/malbeclabs/ato/milestone/pkg/metrics"
	"github.com/malbeclabs/ato/utils/pkg/retry"
)

const (
	DefaultBaseURL     = "http://localhost:3000"
	defaultCallTimeout = 30 * time.Second
)

// Client is an HTTP client for the wallet service. Balance reads are retried
// on transient errors; state-changing calls are attempted once and left to the
// caller's retry policy.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	log         *slog.Logger
	callTimeout time.Duration
	readRetry   retry.Config
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout bounds every request, including reading the response.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithReadRetry replaces the retry policy used for balance reads.
func WithReadRetry(cfg retry.Config) ClientOption {
	return func(c *Client) { c.readRetry = cfg }
}

func NewClient(baseURL string, log *slog.Logger, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
	}
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{Transport: transport},
		log:         log,
		callTimeout: defaultCallTimeout,
		readRetry: retry.Config{
			MaxAttempts: 3,
			BaseBackoff: 1 * time.Second,
			MaxBackoff:  5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type balanceRequest struct {
	Wallet string `json:"wallet"`
	Mint   string `json:"mint,omitempty"`
}

type amountField struct {
	Balance decimal.Decimal `json:"balance"`
}

type balanceResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Native  *amountField `json:"sol,omitempty"`
	Token   *amountField `json:"token,omitempty"`
}

type burnRequest struct {
	PrivateKey string          `json:"privateKey"`
	Wallet     string          `json:"wallet"`
	Mint       string          `json:"mint"`
	Amount     decimal.Decimal `json:"amount"`
	Decimals   uint8           `json:"decimals"`
}

type buyRequest struct {
	PrivateKey string          `json:"privateKey"`
	Mint       string          `json:"mint"`
	SolAmount  decimal.Decimal `json:"solAmount"`
}

type transferRequest struct {
	PrivateKey string          `json:"privateKey"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
	Mint       string          `json:"mint,omitempty"`
}

type txResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Signature     string `json:"signature,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

func (c *Client) CheckBalance(ctx context.Context, wallet, mint string) (Balance, error) {
	var resp balanceResponse
	err := retry.Do(ctx, c.readRetry, func() error {
		resp = balanceResponse{}
		if err := c.post(ctx, "check-balance", balanceRequest{Wallet: wallet, Mint: mint}, &resp); err != nil {
			return err
		}
		if resp.Status != "success" {
			return fmt.Errorf("check-balance: %s: %w", resp.Message, ErrNotSucceeded)
		}
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	var b Balance
	if resp.Native != nil {
		b.Native = resp.Native.Balance
	}
	if resp.Token != nil {
		tok := resp.Token.Balance
		b.Token = &tok
	}
	return b, nil
}

func (c *Client) Burn(ctx context.Context, h Handle, mint string, amount decimal.Decimal, decimals uint8) (string, error) {
	if !amount.IsPositive() {
		return "", retry.Permanent(fmt.Errorf("burn amount must be positive, got %s", amount))
	}
	var resp txResponse
	if err := c.post(ctx, "burn-tokens", burnRequest{
		PrivateKey: h.PrivateKey,
		Wallet:     h.PublicKey,
		Mint:       mint,
		Amount:     amount,
		Decimals:   decimals,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" || resp.Signature == "" {
		return "", fmt.Errorf("burn-tokens: %s: %w", resp.Message, ErrNotSucceeded)
	}
	return resp.Signature, nil
}

func (c *Client) Buyback(ctx context.Context, h Handle, mint string, nativeAmount decimal.Decimal) (string, error) {
	if !nativeAmount.IsPositive() {
		return "", retry.Permanent(fmt.Errorf("buyback amount must be positive, got %s", nativeAmount))
	}
	var resp txResponse
	if err := c.post(ctx, "buy-tokens", buyRequest{
		PrivateKey: h.PrivateKey,
		Mint:       mint,
		SolAmount:  nativeAmount,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" || resp.TransactionID == "" {
		return "", fmt.Errorf("buy-tokens: %s: %w", resp.Message, ErrNotSucceeded)
	}
	return resp.TransactionID, nil
}

func (c *Client) Transfer(ctx context.Context, h Handle, to string, amount decimal.Decimal, mint string) (string, error) {
	if !amount.IsPositive() {
		return "", retry.Permanent(fmt.Errorf("transfer amount must be positive, got %s", amount))
	}
	var resp txResponse
	if err := c.post(ctx, "transfer", transferRequest{
		PrivateKey: h.PrivateKey,
		From:       h.PublicKey,
		To:         to,
		Amount:     amount,
		Mint:       mint,
	}, &resp); err != nil {
		return "", err
	}
	if resp.Status != "success" || resp.Signature == "" {
		return "", fmt.Errorf("transfer: %s: %w", resp.Message, ErrNotSucceeded)
	}
	return resp.Signature, nil
}

// post sends body as JSON to the endpoint and decodes the response into out.
// A per-call deadline that fires while the parent context is still alive is
// reported as a retryable error.
func (c *Client) post(ctx context.Context, endpoint string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.WalletRequestsTotal.WithLabelValues(endpoint, status).Inc()
		metrics.WalletRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	url := c.baseURL + "/" + endpoint
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return retry.Retryable(fmt.Errorf("%s timed out after %s: %w", endpoint, c.callTimeout, err))
		}
		c.log.Warn("wallet: request failed", "endpoint", endpoint, "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return retry.Retryable(fmt.Errorf("%s timed out reading response: %w", endpoint, err))
		}
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &apiError{statusCode: resp.StatusCode, message: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		// A malformed body is treated like any other transient failure.
		return retry.Retryable(fmt.Errorf("failed to decode %s response: %w", endpoint, err))
	}
	return nil
}

// apiError represents an HTTP API error with a status code.
type apiError struct {
	statusCode int
	message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("wallet API error: %s (status %d)", e.message, e.statusCode)
}

func (e *apiError) StatusCode() int {
	return e.statusCode
}
