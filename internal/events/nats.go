package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher forwards bus events (all but per-packet verdicts) to a NATS subject as JSON.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject, name string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	zap.L().Info("Connected to NATS", zap.String("url", url), zap.String("subject", subject))
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

// Run publishes until ctx is canceled, then drains the connection.
func (p *NATSPublisher) Run(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe(1024, func(e Event) bool { return !e.Type.IsPacketEvent() })
	defer cancel()
	defer p.Close()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("NATS publisher stopping")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(e); err != nil {
				zap.L().Warn("Failed to publish event to NATS",
					zap.String("type", string(e.Type)),
					zap.Error(err),
				)
			}
		}
	}
}

func (p *NATSPublisher) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.nc.Publish(p.subject+"."+string(e.Type), data)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			zap.L().Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}
}
