package traffic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

type ReplayStats struct {
	Frames    int                    `json:"frames"`
	Skipped   int                    `json:"skipped"`
	Decisions map[types.Decision]int `json:"decisions"`
}

type frameReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// openCapture accepts classic pcap and pcapng files.
func openCapture(r io.Reader) (frameReader, layers.LinkType, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read capture header: %w", err)
	}
	// pcapng section header block type
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open pcapng capture: %w", err)
		}
		return ng, ng.LinkType(), nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open pcap capture: %w", err)
	}
	return pr, pr.LinkType(), nil
}

// Replay feeds every frame of a capture file to ingest in file order, using
// the capture timestamps as packet time.
func Replay(ctx context.Context, path string, ingest types.IngestFunc) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open capture file: %w", err)
	}
	defer f.Close()

	return ReplayFrom(ctx, f, ingest)
}

func ReplayFrom(ctx context.Context, r io.Reader, ingest types.IngestFunc) (ReplayStats, error) {
	src, linkType, err := openCapture(r)
	if err != nil {
		return ReplayStats{}, err
	}

	stats := ReplayStats{Decisions: make(map[types.Decision]int)}
	decoder := NewDecoder("replay", nil)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read frame %d: %w", stats.Frames+1, err)
		}
		stats.Frames++

		pkt := gopacket.NewPacket(data, linkType, gopacket.NoCopy)
		md := pkt.Metadata()
		md.CaptureInfo = ci

		p, ok := decoder.Decode(pkt)
		if !ok {
			stats.Skipped++
			continue
		}
		stats.Decisions[ingest(p)]++
	}

	zap.L().Info("Capture replayed",
		zap.Int("frames", stats.Frames),
		zap.Int("skipped", stats.Skipped),
		zap.Int("allowed", stats.Decisions[types.DecisionAllow]),
		zap.Int("denied", stats.Decisions[types.DecisionDeny]),
		zap.Int("dropped", stats.Decisions[types.DecisionDrop]),
	)
	return stats, nil
}
