package syslog

import (
	"context"
	"fmt"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
	"gopkg.in/mcuadros/go-syslog.v2"
)

// StartSyslogServer listens on UDP and TCP and ingests every firewall log
// record it can parse. It blocks until ctx is canceled.
func StartSyslogServer(ctx context.Context, listenAddr string, port int, ingest types.IngestFunc) error {
	addr := fmt.Sprintf("%s:%d", listenAddr, port)
	zap.L().Info("Starting Syslog Server",
		zap.Strings("protocols", []string{"udp", "tcp"}),
		zap.String("address", addr),
	)

	channel := make(syslog.LogPartsChannel, 1024)
	handler := syslog.NewChannelHandler(channel)

	server := syslog.NewServer()
	server.SetFormat(syslog.Automatic)
	server.SetHandler(handler)
	if err := server.ListenUDP(addr); err != nil {
		return fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}
	if err := server.ListenTCP(addr); err != nil {
		return fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
	}
	if err := server.Boot(); err != nil {
		return fmt.Errorf("failed to start syslog server: %w", err)
	}

	go consume(ctx, channel, ingest)

	go func() {
		<-ctx.Done()
		zap.L().Info("Shutting down syslog server")
		if err := server.Kill(); err != nil {
			zap.L().Warn("Failed to stop syslog server", zap.Error(err))
		}
	}()

	server.Wait()
	zap.L().Info("Syslog server exited cleanly")
	return nil
}

func consume(ctx context.Context, channel syslog.LogPartsChannel, ingest types.IngestFunc) {
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("Syslog server stopping: context canceled")
			return
		case logParts, ok := <-channel:
			if !ok {
				return
			}
			p, ok := packetFromLogParts(logParts)
			if !ok {
				continue
			}
			d := ingest(p)
			zap.L().Debug("Syslog record decided",
				zap.String("src", p.SourceIP),
				zap.String("dst", p.DestinationIP),
				zap.String("decision", string(d)),
			)
		}
	}
}
