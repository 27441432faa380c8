package traffic

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

const snapLen = 1600

func isDockerInterface(name string) bool {
	// Common Docker interface prefixes: docker0, br-*, veth*
	return strings.HasPrefix(name, "docker") ||
		strings.HasPrefix(name, "br-") ||
		strings.HasPrefix(name, "veth")
}

func isLoopback(name string) bool {
	return strings.HasPrefix(name, "loopback") ||
		strings.HasPrefix(name, "lo")
}

// selectInterfaces keeps the named interfaces, or every active non-docker,
// non-loopback one when names is empty.
func selectInterfaces(all []pcap.Interface, names []string) []pcap.Interface {
	var out []pcap.Interface
	if len(names) > 0 {
		want := make(map[string]struct{}, len(names))
		for _, n := range names {
			want[n] = struct{}{}
		}
		for _, iface := range all {
			if _, ok := want[iface.Name]; ok {
				out = append(out, iface)
			}
		}
		return out
	}
	for _, iface := range all {
		if len(iface.Addresses) == 0 || isDockerInterface(iface.Name) || isLoopback(iface.Name) {
			zap.L().Debug("Skipping interface", zap.String("interface", iface.Name))
			continue
		}
		out = append(out, iface)
	}
	return out
}

// MonitorInterfaces captures on the selected interfaces and feeds every
// decoded packet to ingest until ctx is canceled.
func MonitorInterfaces(ctx context.Context, names []string, ingest types.IngestFunc) error {
	all, err := pcap.FindAllDevs()
	if err != nil {
		zap.L().Error("Failed to find network interfaces", zap.Error(err))
		return err
	}

	selected := selectInterfaces(all, names)
	zap.L().Info("Starting interface monitoring", zap.Int("count", len(selected)))

	var wg sync.WaitGroup
	for _, iface := range selected {
		wg.Add(1)
		go func(i pcap.Interface) {
			defer wg.Done()
			if err := monitorInterface(ctx, i, ingest); err != nil {
				zap.L().Error("Error monitoring interface",
					zap.String("interface", i.Name),
					zap.Error(err))
			}
		}(iface)
	}
	wg.Wait()
	zap.L().Info("All interface monitors exited")
	return nil
}

func monitorInterface(ctx context.Context, iface pcap.Interface, ingest types.IngestFunc) error {
	zap.L().Info("Monitoring interface", zap.String("interface", iface.Name))

	handle, err := pcap.OpenLive(iface.Name, snapLen, true, 500*time.Millisecond)
	if err != nil {
		zap.L().Error("Failed to open interface", zap.String("interface", iface.Name), zap.Error(err))
		return err
	}
	defer func() {
		handle.Close()
		zap.L().Info("Stopped monitoring interface", zap.String("interface", iface.Name))
	}()

	local := make([]net.IP, 0, len(iface.Addresses))
	for _, a := range iface.Addresses {
		local = append(local, a.IP)
	}
	decoder := NewDecoder("interface", local)

	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()

	counts := make(map[types.Decision]int)
	skipped := 0
	statsTimer := time.NewTicker(30 * time.Second)
	defer statsTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("Context canceled, stopping interface monitor",
				zap.String("interface", iface.Name),
				zap.Int("allowed", counts[types.DecisionAllow]),
				zap.Int("denied", counts[types.DecisionDeny]),
				zap.Int("dropped", counts[types.DecisionDrop]),
				zap.Int("skipped", skipped))
			return nil

		case <-statsTimer.C:
			zap.L().Debug("Interface stats",
				zap.String("interface", iface.Name),
				zap.Int("allowed", counts[types.DecisionAllow]),
				zap.Int("denied", counts[types.DecisionDeny]),
				zap.Int("dropped", counts[types.DecisionDrop]),
				zap.Int("skipped", skipped))

		case packet, ok := <-packets:
			if !ok {
				zap.L().Info("Packet source closed", zap.String("interface", iface.Name))
				return nil
			}
			p, ok := decoder.Decode(packet)
			if !ok {
				skipped++
				continue
			}
			counts[ingest(p)]++
		}
	}
}
