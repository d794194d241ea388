package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	agentpay "github.com/x402-foundation/agentpay"
)

// RelayClient talks to a fee-sponsoring bundler/paymaster over HTTP.
//
//	POST {url}/operations                         UserOperation  -> {"handle": "..."}
//	GET  {url}/operations/{handle}                               -> RelayReceipt
//	GET  {url}/operations?sender={addr}&nonce={n}                -> RelayReceipt
//
// Submit failures the relay answered, or that happened before the request
// was sent, are marked agentpay.NotSubmitted. Transport failures and 5xx
// answers are not: the relay may have accepted the operation.
type RelayClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
}

var _ agentpay.Relay = (*RelayClient)(nil)

// AuthProvider generates authentication headers for relay requests
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for relay endpoints
type AuthHeaders struct {
	Submit map[string]string
	Status map[string]string
}

// StaticAuth sends the same header on every request.
type StaticAuth struct {
	Header string
	Value  string
}

// GetAuthHeaders implements AuthProvider.
func (a StaticAuth) GetAuthHeaders(context.Context) (AuthHeaders, error) {
	h := map[string]string{a.Header: a.Value}
	return AuthHeaders{Submit: h, Status: h}, nil
}

// RelayConfig configures the HTTP relay client
type RelayConfig struct {
	// URL is the base URL of the relay service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration
}

// rateLimitRetries is the number of attempts on 429 rate limit responses
const rateLimitRetries = 3

// rateLimitBaseDelay is the base delay for exponential backoff on 429
var rateLimitBaseDelay = 1 * time.Second

// ErrRelayRejected marks a 4xx answer; resubmitting the same operation
// cannot succeed.
var ErrRelayRejected = errors.New("relay rejected operation")

// NewRelayClient creates a new HTTP relay client
func NewRelayClient(config RelayConfig) (*RelayClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	return &RelayClient{
		url:          config.URL,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
	}, nil
}

type submitResponse struct {
	Handle string `json:"handle"`
	Error  string `json:"error,omitempty"`
}

// Submit hands the operation to the relay.
func (c *RelayClient) Submit(ctx context.Context, op agentpay.UserOperation) (string, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return "", agentpay.NotSubmitted(agentpay.Permanent(fmt.Errorf("failed to marshal operation: %w", err)))
	}

	responseBody, err := c.do(ctx, http.MethodPost, c.url+"/operations", body, func(h AuthHeaders) map[string]string { return h.Submit })
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("relay returned no handle")
	}
	return resp.Handle, nil
}

// Status polls the inclusion state of a submitted operation.
func (c *RelayClient) Status(ctx context.Context, handle string) (agentpay.RelayReceipt, error) {
	return c.receipt(ctx, c.url+"/operations/"+url.PathEscape(handle), handle)
}

// Lookup finds an operation by sender and nonce. A 404 answer is
// agentpay.ErrUnknownOperation.
func (c *RelayClient) Lookup(ctx context.Context, sender, nonce string) (agentpay.RelayReceipt, error) {
	query := url.Values{"sender": {sender}, "nonce": {nonce}}
	return c.receipt(ctx, c.url+"/operations?"+query.Encode(), "")
}

func (c *RelayClient) receipt(ctx context.Context, endpoint, handle string) (agentpay.RelayReceipt, error) {
	responseBody, err := c.do(ctx, http.MethodGet, endpoint, nil, func(h AuthHeaders) map[string]string { return h.Status })
	if err != nil {
		return agentpay.RelayReceipt{}, err
	}

	var receipt agentpay.RelayReceipt
	if err := json.Unmarshal(responseBody, &receipt); err != nil {
		return agentpay.RelayReceipt{}, fmt.Errorf("failed to decode status response: %w", err)
	}
	switch receipt.Status {
	case agentpay.RelayPending, agentpay.RelayIncluded, agentpay.RelayFailed:
	default:
		return agentpay.RelayReceipt{}, fmt.Errorf("relay returned unknown status %q", receipt.Status)
	}
	if receipt.Handle == "" {
		receipt.Handle = handle
	}
	return receipt, nil
}

// do sends one request, retrying with exponential backoff on 429. Other
// 4xx answers are permanent; 5xx and transport failures are left
// retryable for the caller's policy.
func (c *RelayClient) do(ctx context.Context, method, endpoint string, body []byte, pick func(AuthHeaders) map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := range rateLimitRetries {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, agentpay.NotSubmitted(agentpay.Permanent(fmt.Errorf("failed to create relay request: %w", err)))
		}
		req.Header.Set("Content-Type", "application/json")

		// Add auth headers if available
		if c.authProvider != nil {
			authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
			if err != nil {
				return nil, agentpay.NotSubmitted(fmt.Errorf("failed to get auth headers: %w", err))
			}
			for k, v := range pick(authHeaders) {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("relay request failed: %w", err)
		}
		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return responseBody, nil
		}

		lastErr = fmt.Errorf("relay %s failed (%d): %s", method, resp.StatusCode, string(responseBody))

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt == rateLimitRetries-1 {
				return nil, agentpay.NotSubmitted(lastErr)
			}
			delay := rateLimitBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, agentpay.NotSubmitted(agentpay.Permanent(fmt.Errorf("%w: %w (%d): %s",
				agentpay.ErrUnknownOperation, ErrRelayRejected, resp.StatusCode, string(responseBody))))
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, agentpay.NotSubmitted(agentpay.Permanent(fmt.Errorf("%w (%d): %s", ErrRelayRejected, resp.StatusCode, string(responseBody))))
		}
		return nil, lastErr
	}

	return nil, lastErr
}
