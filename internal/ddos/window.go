package ddos

import (
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
)

type packetRecord struct {
	at    time.Time
	size  int
	proto types.Protocol
}

type flowRecord struct {
	key types.ConnectionKey
	at  time.Time
}

// sourceWindow keeps one source's recent packets with running totals, so a
// check costs the number of expired records rather than the window size.
type sourceWindow struct {
	packets []packetRecord
	pktHead int
	pkts    int
	bytes   int64
	udp     int
	icmp    int

	syns    []time.Time
	synHead int

	flows     map[types.ConnectionKey]time.Time
	flowOrder []flowRecord
	flowHead  int

	last time.Time
}

// windowStats are the per-source counts inside the lookback windows,
// including the packet just observed.
type windowStats struct {
	packets     int
	bytes       int64
	connections int
	syns        int
	udp         int
	icmp        int
}

func newSourceWindow() *sourceWindow {
	return &sourceWindow{flows: make(map[types.ConnectionKey]time.Time)}
}

func (w *sourceWindow) add(p types.Packet, at time.Time) {
	w.packets = append(w.packets, packetRecord{at: at, size: p.Size, proto: p.Protocol})
	w.pkts++
	w.bytes += int64(p.Size)
	switch p.Protocol {
	case types.ProtocolUDP:
		w.udp++
	case types.ProtocolICMP:
		w.icmp++
	case types.ProtocolTCP:
		if p.HasFlag("SYN") {
			w.syns = append(w.syns, at)
		}
	}

	key := types.KeyOf(p)
	if _, seen := w.flows[key]; !seen {
		w.flows[key] = at
		w.flowOrder = append(w.flowOrder, flowRecord{key: key, at: at})
	}
	if at.After(w.last) {
		w.last = at
	}
}

// prune drops records at or before the cutoffs; lookbacks are exclusive.
func (w *sourceWindow) prune(cutoff, synCutoff time.Time) {
	for w.pktHead < len(w.packets) && !w.packets[w.pktHead].at.After(cutoff) {
		r := w.packets[w.pktHead]
		w.pkts--
		w.bytes -= int64(r.size)
		switch r.proto {
		case types.ProtocolUDP:
			w.udp--
		case types.ProtocolICMP:
			w.icmp--
		}
		w.pktHead++
	}
	if w.pktHead > 0 && w.pktHead*2 >= len(w.packets) {
		w.packets = append(w.packets[:0], w.packets[w.pktHead:]...)
		w.pktHead = 0
	}

	for w.synHead < len(w.syns) && !w.syns[w.synHead].After(synCutoff) {
		w.synHead++
	}
	if w.synHead > 0 && w.synHead*2 >= len(w.syns) {
		w.syns = append(w.syns[:0], w.syns[w.synHead:]...)
		w.synHead = 0
	}

	for w.flowHead < len(w.flowOrder) && !w.flowOrder[w.flowHead].at.After(cutoff) {
		r := w.flowOrder[w.flowHead]
		if first, ok := w.flows[r.key]; ok && first.Equal(r.at) {
			delete(w.flows, r.key)
		}
		w.flowHead++
	}
	if w.flowHead > 0 && w.flowHead*2 >= len(w.flowOrder) {
		w.flowOrder = append(w.flowOrder[:0], w.flowOrder[w.flowHead:]...)
		w.flowHead = 0
	}
}

func (w *sourceWindow) stats() windowStats {
	return windowStats{
		packets:     w.pkts,
		bytes:       w.bytes,
		connections: len(w.flows),
		syns:        len(w.syns) - w.synHead,
		udp:         w.udp,
		icmp:        w.icmp,
	}
}

func (w *sourceWindow) empty() bool {
	return w.pkts == 0 && len(w.syns)-w.synHead == 0 && len(w.flows) == 0
}
