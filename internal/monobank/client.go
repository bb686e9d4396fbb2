package monobank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"monoledger/internal/core"
)

const (
	DefaultAPIURL    = "https://api.monobank.ua"
	clientInfoPath   = "/personal/client-info"
	statementPath    = "/personal/statement"
	webhookPath      = "/personal/webhook"
	requestTimeout   = 30 * time.Second
	// StatementWindow is the provider's maximum statement span per request.
	StatementWindow = 30 * 24 * time.Hour
)

// Client talks to the Monobank personal API. All calls authenticate with
// the per-account token in the X-Token header.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// GetClientInfo fetches the cards and jars reachable with a token. Used
// when an operator links an account.
func (c *Client) GetClientInfo(ctx context.Context, token string) (*ClientInfo, error) {
	body, err := c.get(ctx, token, clientInfoPath)
	if err != nil {
		return nil, err
	}

	var info ClientInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode client info: %w", err)
	}
	return &info, nil
}

// GetStatement fetches an account's statement items for [from, to].
// The provider caps the span at 30 days per request.
func (c *Client) GetStatement(ctx context.Context, token, accountRef string, from, to time.Time) ([]StatementItem, error) {
	path := fmt.Sprintf("%s/%s/%d/%d", statementPath, accountRef, from.Unix(), to.Unix())
	body, err := c.get(ctx, token, path)
	if err != nil {
		return nil, err
	}

	var items []StatementItem
	if err := json.Unmarshal(body, &items); err != nil {
		// A non-list body carries an errorDescription
		var apiErr apiError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.ErrorDescription != "" {
			return nil, fmt.Errorf("provider error: %s: %w", apiErr.ErrorDescription, core.ErrProviderUnavailable)
		}
		return nil, fmt.Errorf("decode statement: %w", err)
	}

	slog.DebugContext(ctx, "Statement fetched",
		"account_id", accountRef,
		"items", len(items),
		"from", from.Unix(),
		"to", to.Unix())
	return items, nil
}

// RegisterWebhook points the provider's push deliveries for this token
// at webhookURL.
func (c *Client) RegisterWebhook(ctx context.Context, token, webhookURL string) error {
	payload, err := json.Marshal(map[string]string{"webHookUrl": webhookURL})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+webhookPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("X-Token", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register webhook: %w: %w", err, core.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}

	slog.InfoContext(ctx, "Webhook registered with provider", "url", webhookURL)
	return nil
}

func (c *Client) get(ctx context.Context, token, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Token", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w: %w", err, core.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	if err := statusError(resp.StatusCode); err != nil {
		var apiErr apiError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.ErrorDescription != "" {
			return nil, fmt.Errorf("%s: %w", apiErr.ErrorDescription, err)
		}
		return nil, err
	}

	return body, nil
}

// statusError maps provider HTTP statuses onto the ingestion error
// taxonomy. Monobank answers 403 when the per-token rate budget is
// exhausted.
func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return fmt.Errorf("status %d: %w", status, core.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("status %d: %w", status, core.ErrProviderUnavailable)
	default:
		return fmt.Errorf("status %d: %w", status, core.ErrProviderUnavailable)
	}
}
