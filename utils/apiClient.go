package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"go.uber.org/zap"
)

type APIClient struct {
	baseUrl    string
	authSecret string
	guardName  string
	httpClient *http.Client
}

type RequestOptions struct {
	Method      string
	Endpoint    string
	Body        []byte
	MaxRetries  int
	InitBackoff time.Duration
}

// StatusError is returned for a non-200 answer that was not retried.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %s", e.Status)
}

// Creates a new feed API client with the given config
func NewAPIClient(cfg *config.Config) *APIClient {
	return &APIClient{
		baseUrl:    cfg.FeedUrl,
		authSecret: cfg.AuthSecret,
		guardName:  cfg.GuardName,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Performs an authenticated HTTP request with retry logic.
// 5xx responses and transport errors are retried with exponential backoff;
// the caller closes the body of the returned response.
func (c *APIClient) DoRequest(ctx context.Context, opts RequestOptions) (*http.Response, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitBackoff == 0 {
		opts.InitBackoff = time.Second
	}

	url := fmt.Sprintf("%s%s", c.baseUrl, opts.Endpoint)
	backoff := opts.InitBackoff

	zap.L().Debug("Starting API request",
		zap.String("method", opts.Method),
		zap.String("url", url),
	)

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		var body io.Reader
		if opts.Body != nil {
			body = bytes.NewReader(opts.Body)
		}
		req, err := http.NewRequestWithContext(ctx, opts.Method, url, body)
		if err != nil {
			zap.L().Error("Failed to create API request",
				zap.String("url", url),
				zap.Error(err),
			)
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("X_AUTH_KEY", c.authSecret)
		req.Header.Set("X_GUARD_NAME", c.guardName)
		if opts.Body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < opts.MaxRetries {
				zap.L().Warn("API request failed, retrying",
					zap.Int("attempt", attempt+1),
					zap.Int("maxRetries", opts.MaxRetries),
					zap.String("url", url),
					zap.Error(err),
				)
				if err := sleep(ctx, backoff); err != nil {
					return nil, err
				}
				backoff *= 2
				continue
			}
			zap.L().Error("API request failed after retries",
				zap.Int("maxRetries", opts.MaxRetries),
				zap.String("url", url),
				zap.Error(err),
			)
			return nil, fmt.Errorf("failed to fetch data after retries: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			zap.L().Debug("API request successful",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
			)
			return resp, nil
		}

		resp.Body.Close()
		lastErr = &StatusError{Code: resp.StatusCode, Status: resp.Status}

		if resp.StatusCode >= 500 && attempt < opts.MaxRetries {
			zap.L().Warn("Server error, retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", opts.MaxRetries),
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
			)
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			continue
		}

		zap.L().Error("API returned non-retriable status",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.String("statusText", resp.Status),
		)
		return nil, lastErr
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", opts.MaxRetries, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
