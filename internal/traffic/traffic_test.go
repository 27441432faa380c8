package traffic

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func frame(t *testing.T, src, dst string, transport gopacket.SerializableLayer) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: net.ParseIP(src), DstIP: net.ParseIP(dst)}

	switch l := transport.(type) {
	case *layers.TCP:
		ip.Protocol = layers.IPProtocolTCP
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	case *layers.UDP:
		ip.Protocol = layers.IPProtocolUDP
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
	case *layers.ICMPv4:
		ip.Protocol = layers.IPProtocolICMPv4
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, transport, gopacket.Payload("hello")))
	return buf.Bytes()
}

func TestDecodeTCP(t *testing.T) {
	data := frame(t, "192.0.2.10", "10.0.0.1", &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true, ACK: true, Window: 1024})
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	d := NewDecoder("interface", []net.IP{net.ParseIP("10.0.0.1")})
	p, ok := d.Decode(pkt)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.10", p.SourceIP)
	assert.Equal(t, "10.0.0.1", p.DestinationIP)
	assert.Equal(t, uint16(40000), p.SourcePort)
	assert.Equal(t, uint16(443), p.DestinationPort)
	assert.Equal(t, types.ProtocolTCP, p.Protocol)
	assert.Equal(t, []string{"SYN", "ACK"}, p.Flags)
	assert.Equal(t, types.DirectionInbound, p.Direction)
	assert.Equal(t, []byte("hello"), p.Payload)
	assert.Equal(t, len(data), p.Size)
	assert.Equal(t, "interface", p.CaptureSource)
}

func TestDecodeUDPAndICMP(t *testing.T) {
	d := NewDecoder("replay", []net.IP{net.ParseIP("10.0.0.1")})

	udp := gopacket.NewPacket(frame(t, "10.0.0.1", "8.8.8.8", &layers.UDP{SrcPort: 5353, DstPort: 53}), layers.LayerTypeEthernet, gopacket.Default)
	p, ok := d.Decode(udp)
	require.True(t, ok)
	assert.Equal(t, types.ProtocolUDP, p.Protocol)
	assert.Equal(t, uint16(53), p.DestinationPort)
	assert.Equal(t, types.DirectionOutbound, p.Direction)

	icmp := gopacket.NewPacket(frame(t, "8.8.8.8", "192.0.2.1", &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}), layers.LayerTypeEthernet, gopacket.Default)
	p, ok = d.Decode(icmp)
	require.True(t, ok)
	assert.Equal(t, types.ProtocolICMP, p.Protocol)
	assert.Empty(t, p.Direction)
}

func TestDecodeSkipsNonIP(t *testing.T) {
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{0, 1, 2, 3, 4, 5}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 2},
	}
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{0, 1, 2, 3, 4, 5}, DstMAC: layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, arp))

	_, ok := NewDecoder("replay", nil).Decode(gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default))
	assert.False(t, ok)
}

func TestReplayUsesCaptureTime(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))

	var capture bytes.Buffer
	w := pcapgo.NewWriter(&capture)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	start := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		data := frame(t, "192.0.2.10", "10.0.0.1", &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true})
		ci := gopacket.CaptureInfo{Timestamp: start.Add(time.Duration(i) * time.Second), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}

	var seen []types.Packet
	stats, err := ReplayFrom(context.Background(), &capture, func(p types.Packet) types.Decision {
		seen = append(seen, p)
		if len(seen) == 3 {
			return types.DecisionDrop
		}
		return types.DecisionAllow
	})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Frames)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 2, stats.Decisions[types.DecisionAllow])
	assert.Equal(t, 1, stats.Decisions[types.DecisionDrop])
	require.Len(t, seen, 3)
	assert.True(t, seen[2].Timestamp.Equal(start.Add(2*time.Second)))
	assert.Equal(t, "replay", seen[0].CaptureSource)
}

func TestReplayRejectsGarbage(t *testing.T) {
	_, err := ReplayFrom(context.Background(), bytes.NewReader([]byte("definitely not a capture")), func(types.Packet) types.Decision {
		return types.DecisionAllow
	})
	assert.Error(t, err)
}

func TestSelectInterfaces(t *testing.T) {
	addr := []pcap.InterfaceAddress{{IP: net.ParseIP("10.0.0.1")}}
	all := []pcap.Interface{
		{Name: "eth0", Addresses: addr},
		{Name: "docker0", Addresses: addr},
		{Name: "lo", Addresses: addr},
		{Name: "eth1"},
	}

	var names []string
	for _, i := range selectInterfaces(all, nil) {
		names = append(names, i.Name)
	}
	assert.Equal(t, []string{"eth0"}, names)

	names = nil
	for _, i := range selectInterfaces(all, []string{"lo", "eth1"}) {
		names = append(names, i.Name)
	}
	assert.Equal(t, []string{"lo", "eth1"}, names)
}
