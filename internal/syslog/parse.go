package syslog

import (
	"strconv"
	"strings"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

// messageOf picks the free-text part of a parsed syslog record.
func messageOf(logParts map[string]interface{}) (string, bool) {
	for _, field := range []string{"content", "message", "msg"} {
		if m, ok := logParts[field].(string); ok {
			return m, true
		}
	}
	zap.L().Warn("No message found in logParts",
		zap.Any("logPartsKeys", logPartsKeys(logParts)),
	)
	return "", false
}

// ParseLine turns one firewall log message into a packet. CEF, pfSense
// filterlog and Cisco IOS access-list lines are understood; anything else
// falls back to the first valid address pair in the text.
func ParseLine(msg string) (types.Packet, bool) {
	if p, ok := parseCEF(msg); ok {
		return p, true
	}
	if p, ok := parsePfSense(msg); ok {
		return p, true
	}
	if p, ok := parseCisco(msg); ok {
		return p, true
	}
	return parseFallback(msg)
}

func parseCEF(msg string) (types.Packet, bool) {
	idx := strings.Index(msg, "CEF:")
	if idx < 0 {
		return types.Packet{}, false
	}
	fields := make(map[string]string)
	for _, m := range cefFieldRe.FindAllStringSubmatch(msg[idx:], -1) {
		fields[m[1]] = m[2]
	}
	src, dst := fields["src"], fields["dst"]
	if src == "" || dst == "" {
		return types.Packet{}, false
	}

	p := types.Packet{
		SourceIP:        src,
		DestinationIP:   dst,
		SourcePort:      parsePort(fields["spt"]),
		DestinationPort: parsePort(fields["dpt"]),
		Protocol:        parseProtocol(fields["proto"]),
	}
	if n, err := strconv.Atoi(fields["in"]); err == nil {
		p.Size = n
	}
	switch fields["deviceDirection"] {
	case "0":
		p.Direction = types.DirectionInbound
	case "1":
		p.Direction = types.DirectionOutbound
	}
	return p, true
}

// parsePfSense reads the CSV filterlog body of a pfSense/OPNsense record.
func parsePfSense(msg string) (types.Packet, bool) {
	body := msg
	if i := strings.Index(msg, "filterlog"); i >= 0 {
		if j := strings.Index(msg[i:], ":"); j >= 0 {
			body = msg[i+j+1:]
		}
	}
	f := strings.Split(strings.TrimSpace(body), ",")
	if len(f) < 20 {
		return types.Packet{}, false
	}

	var p types.Packet
	var rest []string
	switch f[8] {
	case "4":
		p.Protocol = parseProtocol(f[16])
		p.Size, _ = strconv.Atoi(f[17])
		p.SourceIP, p.DestinationIP = f[18], f[19]
		rest = f[20:]
	case "6":
		if len(f) < 17 {
			return types.Packet{}, false
		}
		p.Protocol = parseProtocol(f[12])
		p.Size, _ = strconv.Atoi(f[14])
		p.SourceIP, p.DestinationIP = f[15], f[16]
		rest = f[17:]
	default:
		return types.Packet{}, false
	}
	if p.SourceIP == "" || p.DestinationIP == "" {
		return types.Packet{}, false
	}

	switch f[7] {
	case "in":
		p.Direction = types.DirectionInbound
	case "out":
		p.Direction = types.DirectionOutbound
	}
	if (p.Protocol == types.ProtocolTCP || p.Protocol == types.ProtocolUDP) && len(rest) >= 2 {
		p.SourcePort, p.DestinationPort = parsePort(rest[0]), parsePort(rest[1])
	}
	if p.Protocol == types.ProtocolTCP && len(rest) >= 4 {
		p.Flags = pfSenseFlags(rest[3])
	}
	return p, true
}

func parseCisco(msg string) (types.Packet, bool) {
	m := ciscoRe.FindStringSubmatch(msg)
	if m == nil {
		return types.Packet{}, false
	}
	return types.Packet{
		Protocol:        parseProtocol(m[1]),
		SourceIP:        m[2],
		SourcePort:      parsePort(m[3]),
		DestinationIP:   m[4],
		DestinationPort: parsePort(m[5]),
	}, true
}

func parseFallback(msg string) (types.Packet, bool) {
	ips := extractIPs(msg)
	for i := 0; i < len(ips)-1; i++ {
		for j := i + 1; j < len(ips); j++ {
			if src, dst := validateSrcDst(ips[i], ips[j]); src != "" {
				zap.L().Debug("Extracted source and destination from IPs",
					zap.Strings("ips", ips),
					zap.String("src", src),
					zap.String("dst", dst),
				)
				return types.Packet{SourceIP: src, DestinationIP: dst, Protocol: types.ProtocolAny}, true
			}
		}
	}
	return types.Packet{}, false
}

// packetFromLogParts parses the record and stamps it with the syslog timestamp.
func packetFromLogParts(logParts map[string]interface{}) (types.Packet, bool) {
	msg, ok := messageOf(logParts)
	if !ok {
		return types.Packet{}, false
	}
	p, ok := ParseLine(msg)
	if !ok {
		zap.L().Debug("No source or destination found in message", zap.String("message", msg))
		return types.Packet{}, false
	}
	if ts, ok := logParts["timestamp"].(time.Time); ok && !ts.IsZero() {
		p.Timestamp = ts
	}
	p.CaptureSource = "syslog"
	return p, true
}
