package uptime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

const maxRetries = 3

type Heartbeat struct {
	baseURL    string
	identifier string
	apikey     string
	guardName  string
	client     *http.Client
	backoff    time.Duration
}

func NewHeartbeat(baseURL, identifier, apikey, guardName string) *Heartbeat {
	return &Heartbeat{
		baseURL:    baseURL,
		identifier: identifier,
		apikey:     apikey,
		guardName:  guardName,
		client:     &http.Client{Timeout: 10 * time.Second},
		backoff:    time.Second,
	}
}

func (h *Heartbeat) pingURL(st types.Statistics) string {
	q := url.Values{}
	q.Set("guard", h.guardName)
	q.Set("packets", strconv.FormatUint(st.TotalPackets, 10))
	q.Set("dropped", strconv.FormatUint(st.DroppedPackets, 10))
	q.Set("blocked", strconv.Itoa(st.BlockedIps))
	q.Set("activeAttacks", strconv.Itoa(st.ActiveAttacks))
	q.Set("threat", string(st.ThreatLevel))
	return fmt.Sprintf("%s/ping/%s?%s", h.baseURL, h.identifier, q.Encode())
}

// Send pings the uptime endpoint, retrying transport errors and 5xx answers.
func (h *Heartbeat) Send(ctx context.Context, st types.Statistics) error {
	backoff := h.backoff
	target := h.pingURL(st)

	zap.L().Debug("Sending heartbeat")

	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("apikey", h.apikey)

		resp, err := h.client.Do(req)
		if err != nil {
			zap.L().Warn("Request failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.String("identifier", h.identifier),
				zap.Error(err),
			)
			if attempt < maxRetries && sleep(ctx, backoff) == nil {
				backoff *= 2
				continue
			}
			return fmt.Errorf("failed to send heartbeat after retries: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			zap.L().Debug("Heartbeat request succeeded", zap.Int("status", resp.StatusCode))
			return nil
		}
		if resp.StatusCode >= 500 && attempt < maxRetries {
			zap.L().Warn("Server error, retrying",
				zap.Int("attempt", attempt+1),
				zap.String("identifier", h.identifier),
				zap.Int("status", resp.StatusCode),
			)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			continue
		}
		return fmt.Errorf("heartbeat rejected with status %d", resp.StatusCode)
	}

	return fmt.Errorf("heartbeat failed after %d attempts", maxRetries+1)
}

// Run sends a heartbeat every interval until ctx is canceled.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration, stats func() types.Statistics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Send(ctx, stats()); err != nil {
				zap.L().Error("Failed to send heartbeat", zap.Error(err))
			}
		}
	}
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
