package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/blocklist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"go.uber.org/zap"
)

// Alert is the payload posted to the feed backend.
type Alert struct {
	Kind        string             `json:"kind"` // attack type or "blocked"
	IP          string             `json:"ip"`
	Reason      string             `json:"reason,omitempty"`
	Intensity   float64            `json:"intensity,omitempty"`
	PacketCount int                `json:"packetCount,omitempty"`
	Status      types.AttackStatus `json:"status,omitempty"`
	Time        time.Time          `json:"time"`
}

// Reporter posts detected attacks and local blocks to the backend's /alert
// endpoint. Rate-limited alerts are queued and retried.
type Reporter struct {
	client *utils.APIClient
	queue  *retryQueue
	tick   time.Duration
}

func NewReporter(client *utils.APIClient, queueLimit int) *Reporter {
	if queueLimit <= 0 {
		queueLimit = 1000
	}
	return &Reporter{client: client, queue: newRetryQueue(queueLimit), tick: 5 * time.Second}
}

// alertFor maps a bus event to an alert. Blocks that came from the feed
// itself are not echoed back.
func alertFor(e events.Event) (Alert, bool) {
	switch e.Type {
	case events.AttackDetected:
		if e.Attack == nil {
			return Alert{}, false
		}
		return Alert{
			Kind:        string(e.Attack.Type),
			IP:          e.Attack.SourceIP,
			Intensity:   e.Attack.Intensity,
			PacketCount: e.Attack.PacketCount,
			Status:      e.Attack.Status,
			Time:        e.Time,
		}, true
	case events.IPBlocked:
		if e.Reason == blocklist.ReasonFeed {
			return Alert{}, false
		}
		return Alert{Kind: "blocked", IP: e.IP, Reason: e.Reason, Time: e.Time}, true
	}
	return Alert{}, false
}

// Run forwards alerts until ctx is canceled.
func (r *Reporter) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(256, func(e events.Event) bool {
		return e.Type == events.AttackDetected || e.Type == events.IPBlocked
	})
	defer cancel()

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("Alert reporter stopping", zap.Int("queued", r.queue.size()))
			return
		case <-ticker.C:
			r.queue.process(ctx, r.send)
		case e, ok := <-ch:
			if !ok {
				return
			}
			if a, ok := alertFor(e); ok {
				if err := r.Send(ctx, a); err != nil {
					zap.L().Error("Failed to send alert", zap.String("ip", a.IP), zap.Error(err))
				}
			}
		}
	}
}

// Send posts a; a 429 answer queues it for retry and is not an error.
func (r *Reporter) Send(ctx context.Context, a Alert) error {
	err := r.send(ctx, a)
	if isRateLimited(err) {
		zap.L().Warn("Alert rate limited, queuing for retry", zap.String("ip", a.IP))
		r.queue.add(a)
		return nil
	}
	return err
}

func (r *Reporter) send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}
	resp, err := r.client.DoRequest(ctx, utils.RequestOptions{
		Method:   http.MethodPost,
		Endpoint: "/alert",
		Body:     body,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()

	zap.L().Debug("Sent alert successfully",
		zap.String("ip", a.IP),
		zap.String("kind", a.Kind),
	)
	return nil
}

func isRateLimited(err error) bool {
	var se *utils.StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}
