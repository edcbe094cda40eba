package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Carrier REST error codes that must never be retried: retrying cannot
// succeed and burns against the carrier's rate limits.
const (
	codeInvalidNumber      = 21211
	codeUnverifiedDest     = 21608
	codePermissionDenied   = 20003
	codeBlockedByRecipient = 21610
)

// sendRetries and sendBaseDelay bound the exponential backoff applied to
// retryable send failures.
const (
	sendRetries   = 2
	sendBaseDelay = 500 * time.Millisecond
)

// ErrNonRetryable wraps carrier errors that must not be retried.
var ErrNonRetryable = errors.New("non-retryable carrier error")

// SendResult is the carrier's acknowledgment of an accepted outbound message.
type SendResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// apiError is the carrier's JSON error body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Sender is the outbound-send API consumed by the notifier and scheduler.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (*SendResult, error)
}

// MediaFetcher streams a carrier-hosted media file to local storage and
// returns the stored path.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, sourceURL, contentType string) (string, error)
}

// RestClient talks to the carrier's REST API: outbound SMS sends and media
// downloads. Requests are paced by a client-side limiter so bursts (e.g. a
// reminder batch) stay inside the carrier's documented request rate.
type RestClient struct {
	accountID string
	authToken string
	from      string
	baseURL   string
	mediaDir  string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	sleepFunc func(ctx context.Context, d time.Duration) error // injectable for testing
}

// NewClient creates a carrier REST client. mediaDir is where fetched MMS
// attachments are rehosted.
func NewClient(accountID, authToken, from, baseURL, mediaDir string, logger *slog.Logger) *RestClient {
	if baseURL == "" {
		baseURL = "https://api.carrier.example.com"
	}
	return &RestClient{
		accountID: accountID,
		authToken: authToken,
		from:      from,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		mediaDir:  mediaDir,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		logger:    logger.With("component", "carrier_client"),
		sleepFunc: sleepCtx,
	}
}

// SendMessage posts an outbound SMS. Transient failures (5xx, network) are
// retried with exponential backoff; documented non-retryable codes (invalid
// number, unverified destination, permission denied) fail immediately
// wrapped in ErrNonRetryable.
func (c *RestClient) SendMessage(ctx context.Context, to, body string) (*SendResult, error) {
	var lastErr error

	for attempt := 0; attempt <= sendRetries; attempt++ {
		if attempt > 0 {
			delay := sendBaseDelay << (attempt - 1)
			c.logger.Warn("retrying outbound send",
				"to", to,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if err := c.sleepFunc(ctx, delay); err != nil {
				return nil, err
			}
		}

		result, err := c.sendOnce(ctx, to, body)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrNonRetryable) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("send to %s failed after %d retries: %w", to, sendRetries, lastErr)
}

func (c *RestClient) sendOnce(ctx context.Context, to, body string) (*SendResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var result SendResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decoding send response: %w", err)
		}
		return &result, nil
	}

	var apiErr apiError
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(respBody, &apiErr)

	if isNonRetryableCode(apiErr.Code) || (resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests) {
		return nil, fmt.Errorf("%w: carrier code %d (%s)", ErrNonRetryable, apiErr.Code, apiErr.Message)
	}
	return nil, fmt.Errorf("carrier returned status %d: %s", resp.StatusCode, apiErr.Message)
}

func isNonRetryableCode(code int) bool {
	switch code {
	case codeInvalidNumber, codeUnverifiedDest, codePermissionDenied, codeBlockedByRecipient:
		return true
	}
	return false
}

// FetchMedia downloads a carrier-hosted media file using account credentials
// and stores it under the media directory. Returns the stored path.
func (c *RestClient) FetchMedia(ctx context.Context, sourceURL, contentType string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("building media request: %w", err)
	}
	req.SetBasicAuth(c.accountID, c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.mediaDir, 0750); err != nil {
		return "", fmt.Errorf("creating media directory: %w", err)
	}

	name := fmt.Sprintf("%d%s", time.Now().UnixNano(), extensionFor(contentType))
	path := filepath.Join(c.mediaDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating media file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing media file: %w", err)
	}

	return path, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
