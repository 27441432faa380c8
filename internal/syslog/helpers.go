package syslog

import (
	"net"
	"regexp"
	"strconv"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
)

var (
	cefFieldRe = regexp.MustCompile(`(\w+)=([^\s|]+)`)
	ciscoRe    = regexp.MustCompile(`(?i)\b(tcp|udp|icmp)?\s*(\d+\.\d+\.\d+\.\d+)\((\d+)\)\s*->\s*(\d+\.\d+\.\d+\.\d+)\((\d+)\)`)
	ipRe       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

func extractIPs(msg string) []string {
	var valid []string
	for _, s := range ipRe.FindAllString(msg, -1) {
		if net.ParseIP(s) != nil {
			valid = append(valid, s)
		}
	}
	return valid
}

// returns true if the IP is invalid, unspecified, or in reserved space.
func isReservedOrInvalidIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return true
	}
	if ip.IsUnspecified() || ip.Equal(net.IPv4bcast) {
		return true
	}
	if ip.IsLoopback() || ip.IsMulticast() || ip.IsLinkLocalUnicast() {
		return true
	}
	return false
}

// returns valid src and dst, or empty strings if invalid.
func validateSrcDst(src, dst string) (string, string) {
	if src == "" || dst == "" || src == dst {
		return "", ""
	}
	if isReservedOrInvalidIP(src) || isReservedOrInvalidIP(dst) {
		return "", ""
	}
	return src, dst
}

func parsePort(s string) uint16 {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

func parseProtocol(s string) types.Protocol {
	if p, ok := types.ParseProtocol(s); ok {
		return p
	}
	return types.ProtocolAny
}

// pfSenseFlags expands filterlog TCP flag letters ("SA", "FPA").
func pfSenseFlags(s string) []string {
	var flags []string
	for _, c := range s {
		switch c {
		case 'S':
			flags = append(flags, "SYN")
		case 'A':
			flags = append(flags, "ACK")
		case 'F':
			flags = append(flags, "FIN")
		case 'R':
			flags = append(flags, "RST")
		case 'P':
			flags = append(flags, "PSH")
		case 'U':
			flags = append(flags, "URG")
		}
	}
	return flags
}

// Helper to get logParts keys for logging
func logPartsKeys(logParts map[string]interface{}) []string {
	keys := make([]string, 0, len(logParts))
	for k := range logParts {
		keys = append(keys, k)
	}
	return keys
}
