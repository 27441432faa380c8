package syslog

import (
	"testing"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestParseCEF(t *testing.T) {
	p, ok := ParseLine("CEF:0|Fortinet|FortiGate|6.4|13|traffic:forward deny|5|src=198.51.100.7 spt=51000 dst=10.0.0.1 dpt=22 proto=TCP in=60 deviceDirection=0")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", p.SourceIP)
	assert.Equal(t, "10.0.0.1", p.DestinationIP)
	assert.Equal(t, uint16(51000), p.SourcePort)
	assert.Equal(t, uint16(22), p.DestinationPort)
	assert.Equal(t, types.ProtocolTCP, p.Protocol)
	assert.Equal(t, 60, p.Size)
	assert.Equal(t, types.DirectionInbound, p.Direction)
}

func TestParsePfSenseIPv4(t *testing.T) {
	p, ok := ParseLine("filterlog[1234]: 5,,,1000000103,em0,match,block,in,4,0x0,,64,12345,0,none,6,tcp,60,198.51.100.7,10.0.0.1,51000,22,0,S,123456,,64240,,mss")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", p.SourceIP)
	assert.Equal(t, "10.0.0.1", p.DestinationIP)
	assert.Equal(t, uint16(22), p.DestinationPort)
	assert.Equal(t, types.ProtocolTCP, p.Protocol)
	assert.Equal(t, []string{"SYN"}, p.Flags)
	assert.Equal(t, 60, p.Size)
	assert.Equal(t, types.DirectionInbound, p.Direction)
}

func TestParsePfSenseUDPOut(t *testing.T) {
	p, ok := ParseLine("5,,,1000000103,em0,match,pass,out,4,0x0,,64,0,0,DF,17,udp,76,10.0.0.1,8.8.8.8,5353,53,56")
	require.True(t, ok)
	assert.Equal(t, types.ProtocolUDP, p.Protocol)
	assert.Equal(t, uint16(53), p.DestinationPort)
	assert.Equal(t, types.DirectionOutbound, p.Direction)
	assert.Empty(t, p.Flags)
}

func TestParseCisco(t *testing.T) {
	p, ok := ParseLine("%SEC-6-IPACCESSLOGP: list 101 denied udp 203.0.113.9(1234) -> 10.0.0.1(161), 1 packet")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.9", p.SourceIP)
	assert.Equal(t, uint16(1234), p.SourcePort)
	assert.Equal(t, uint16(161), p.DestinationPort)
	assert.Equal(t, types.ProtocolUDP, p.Protocol)
}

func TestParseFallbackSkipsReserved(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))

	p, ok := ParseLine("connection from 127.0.0.1 to 198.51.100.7 relayed via 192.0.2.44")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", p.SourceIP)
	assert.Equal(t, "192.0.2.44", p.DestinationIP)
	assert.Equal(t, types.ProtocolAny, p.Protocol)

	_, ok = ParseLine("nothing to see here")
	assert.False(t, ok)
}

func TestPacketFromLogParts(t *testing.T) {
	zap.ReplaceGlobals(zaptest.NewLogger(t))
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	p, ok := packetFromLogParts(map[string]interface{}{
		"content":   "list 101 denied tcp 203.0.113.9(1234) -> 10.0.0.1(22), 1 packet",
		"timestamp": ts,
	})
	require.True(t, ok)
	assert.Equal(t, ts, p.Timestamp)
	assert.Equal(t, "syslog", p.CaptureSource)

	_, ok = packetFromLogParts(map[string]interface{}{"hostname": "fw1"})
	assert.False(t, ok)
}
