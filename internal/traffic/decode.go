package traffic

import (
	"net"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"inet.af/netaddr"
)

// Decoder turns captured frames into pipeline packets. Frames addressed to
// one of the local addresses are INBOUND, frames sent from one are OUTBOUND.
type Decoder struct {
	local  map[netaddr.IP]struct{}
	source string
}

func NewDecoder(source string, local []net.IP) *Decoder {
	d := &Decoder{local: make(map[netaddr.IP]struct{}, len(local)), source: source}
	for _, ip := range local {
		if a, ok := netaddr.FromStdIP(ip); ok {
			d.local[a] = struct{}{}
		}
	}
	return d
}

// Decode reports false for frames without an IPv4 or IPv6 layer.
func (d *Decoder) Decode(pkt gopacket.Packet) (types.Packet, bool) {
	var src, dst net.IP
	if l := pkt.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		src, dst = ip.SrcIP, ip.DstIP
	} else if l := pkt.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		src, dst = ip.SrcIP, ip.DstIP
	} else {
		return types.Packet{}, false
	}

	out := types.Packet{
		SourceIP:      src.String(),
		DestinationIP: dst.String(),
		Protocol:      types.ProtocolAny,
		Size:          len(pkt.Data()),
		CaptureSource: d.source,
	}
	if md := pkt.Metadata(); md != nil {
		out.Timestamp = md.Timestamp
		if md.Length > 0 {
			out.Size = md.Length
		}
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		out.Protocol = types.ProtocolTCP
		out.SourcePort, out.DestinationPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		out.Flags = tcpFlags(tcp)
		out.Payload = tcp.Payload
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		out.Protocol = types.ProtocolUDP
		out.SourcePort, out.DestinationPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		out.Payload = udp.Payload
	case pkt.Layer(layers.LayerTypeICMPv4) != nil, pkt.Layer(layers.LayerTypeICMPv6) != nil:
		out.Protocol = types.ProtocolICMP
	}

	out.Direction = d.direction(src, dst)
	return out, true
}

func (d *Decoder) direction(src, dst net.IP) types.Direction {
	if len(d.local) == 0 {
		return ""
	}
	if a, ok := netaddr.FromStdIP(dst); ok {
		if _, local := d.local[a]; local {
			return types.DirectionInbound
		}
	}
	if a, ok := netaddr.FromStdIP(src); ok {
		if _, local := d.local[a]; local {
			return types.DirectionOutbound
		}
	}
	return ""
}

func tcpFlags(tcp *layers.TCP) []string {
	var flags []string
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.ACK {
		flags = append(flags, "ACK")
	}
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}
	if tcp.PSH {
		flags = append(flags, "PSH")
	}
	if tcp.URG {
		flags = append(flags, "URG")
	}
	return flags
}
