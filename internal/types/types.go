package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"inet.af/netaddr"
)

type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolICMP Protocol = "ICMP"
	ProtocolAny  Protocol = "ANY"
)

// ParseProtocol accepts any casing ("tcp", "Tcp", ...). Unknown names return false.
func ParseProtocol(s string) (Protocol, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP", "6":
		return ProtocolTCP, true
	case "UDP", "17":
		return ProtocolUDP, true
	case "ICMP", "ICMPV6", "1", "58":
		return ProtocolICMP, true
	case "ANY", "":
		return ProtocolAny, true
	}
	return "", false
}

// Decision is the verdict for a single packet.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
	DecisionDrop  Decision = "DROP"
)

func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionDeny || d == DecisionDrop
}

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
	DirectionBoth     Direction = "BOTH"
)

// Packet is the abstract packet record consumed by the pipeline, however sourced
// (live capture, syslog, replay, HTTP ingest).
type Packet struct {
	Timestamp       time.Time `json:"timestamp"`
	SourceIP        string    `json:"sourceIp"`
	SourcePort      uint16    `json:"sourcePort"`
	DestinationIP   string    `json:"destinationIp"`
	DestinationPort uint16    `json:"destinationPort"`
	Protocol        Protocol  `json:"protocol"`
	Size            int       `json:"size"`
	Flags           []string  `json:"flags,omitempty"`
	Direction       Direction `json:"direction,omitempty"`
	Payload         []byte    `json:"payload,omitempty"`
	CaptureSource   string    `json:"captureSource,omitempty"` // "interface", "syslog", "replay" or "api"
}

var ErrInvalidPacket = errors.New("invalid packet")

// Normalize canonicalizes the protocol name and unmaps IPv4-mapped IPv6
// addresses. It fails on an unknown protocol or a negative size.
func (p *Packet) Normalize() error {
	proto, ok := ParseProtocol(string(p.Protocol))
	if !ok {
		return fmt.Errorf("%w: protocol %q", ErrInvalidPacket, p.Protocol)
	}
	p.Protocol = proto
	if p.Size < 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidPacket, p.Size)
	}
	p.SourceIP = unmapIP(p.SourceIP)
	p.DestinationIP = unmapIP(p.DestinationIP)
	return nil
}

func unmapIP(s string) string {
	ip, err := netaddr.ParseIP(s)
	if err != nil || !ip.Is4in6() {
		return s
	}
	return ip.Unmap().String()
}

// HasFlag reports whether the packet carries the given TCP flag (case-insensitive).
func (p Packet) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

type ConnectionState string

const (
	StateEstablished ConnectionState = "ESTABLISHED"
	StateSynSent     ConnectionState = "SYN_SENT"
	StateSynRecv     ConnectionState = "SYN_RECV"
	StateFinWait     ConnectionState = "FIN_WAIT"
	StateCloseWait   ConnectionState = "CLOSE_WAIT"
	StateClosed      ConnectionState = "CLOSED"
)

// ConnectionKey is the 5-tuple a connection is tracked under.
type ConnectionKey struct {
	SourceIP        string   `json:"sourceIp"`
	SourcePort      uint16   `json:"sourcePort"`
	DestinationIP   string   `json:"destinationIp"`
	DestinationPort uint16   `json:"destinationPort"`
	Protocol        Protocol `json:"protocol"`
}

func KeyOf(p Packet) ConnectionKey {
	return ConnectionKey{
		SourceIP:        p.SourceIP,
		SourcePort:      p.SourcePort,
		DestinationIP:   p.DestinationIP,
		DestinationPort: p.DestinationPort,
		Protocol:        p.Protocol,
	}
}

// Reverse returns the key of the opposite direction of the same flow.
func (k ConnectionKey) Reverse() ConnectionKey {
	return ConnectionKey{
		SourceIP:        k.DestinationIP,
		SourcePort:      k.DestinationPort,
		DestinationIP:   k.SourceIP,
		DestinationPort: k.SourcePort,
		Protocol:        k.Protocol,
	}
}

type Connection struct {
	ConnectionKey
	State       ConnectionState `json:"state"`
	StartTime   time.Time       `json:"startTime"`
	LastSeen    time.Time       `json:"lastSeen"`
	PacketCount uint64          `json:"packetCount"`
	ByteCount   uint64          `json:"byteCount"`
}

// Rule is a firewall rule. IP fields accept an exact address, "ANY" or a CIDR;
// port fields accept an exact port, "ANY" or an inclusive range "a-b".
type Rule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Action          Decision        `json:"action"`
	Protocol        Protocol        `json:"protocol"`
	SourceIP        string          `json:"sourceIp"`
	SourcePort      string          `json:"sourcePort"`
	DestinationIP   string          `json:"destinationIp"`
	DestinationPort string          `json:"destinationPort"`
	Direction       Direction       `json:"direction"`
	Priority        int             `json:"priority"`
	Enabled         bool            `json:"enabled"`
	ConnState       ConnectionState `json:"connState,omitempty"` // only match packets of a tracked flow in this state
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type AttackType string

const (
	AttackPacketFlood     AttackType = "PACKET_FLOOD"
	AttackConnectionFlood AttackType = "CONNECTION_FLOOD"
	AttackByteFlood       AttackType = "BYTE_FLOOD"
	AttackSynFlood        AttackType = "SYN_FLOOD"
	AttackUDPFlood        AttackType = "UDP_FLOOD"
	AttackICMPFlood       AttackType = "ICMP_FLOOD"
)

type AttackStatus string

const (
	AttackActive   AttackStatus = "ACTIVE"
	AttackResolved AttackStatus = "RESOLVED"
)

type AttackPattern struct {
	Type        AttackType   `json:"type"`
	SourceIP    string       `json:"sourceIp"`
	StartTime   time.Time    `json:"startTime"`
	EndTime     time.Time    `json:"endTime"`
	PacketCount int          `json:"packetCount"`
	ByteCount   int64        `json:"byteCount"`
	Intensity   float64      `json:"intensity"`
	Status      AttackStatus `json:"status"`
}

type BlockEntry struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blockedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"` // zero means no expiry
}

type ThreatLevel string

const (
	ThreatNormal    ThreatLevel = "NORMAL"
	ThreatNotice    ThreatLevel = "NOTICE"
	ThreatWarning   ThreatLevel = "WARNING"
	ThreatCritical  ThreatLevel = "CRITICAL"
	ThreatEmergency ThreatLevel = "EMERGENCY"
)

// Severity orders threat levels, NORMAL being 0.
func (t ThreatLevel) Severity() int {
	switch t {
	case ThreatNotice:
		return 1
	case ThreatWarning:
		return 2
	case ThreatCritical:
		return 3
	case ThreatEmergency:
		return 4
	}
	return 0
}

// Statistics merges the firewall and DDoS counters.
type Statistics struct {
	TotalPackets      uint64      `json:"totalPackets"`
	AllowedPackets    uint64      `json:"allowedPackets"`
	DeniedPackets     uint64      `json:"deniedPackets"`
	DroppedPackets    uint64      `json:"droppedPackets"`
	ActiveConnections int         `json:"activeConnections"`
	TotalConnections  uint64      `json:"totalConnections"`
	RulesEvaluated    uint64      `json:"rulesEvaluated"`
	AttacksDetected   uint64      `json:"attacksDetected"`
	ActiveAttacks     int         `json:"activeAttacks"`
	IpsBlocked        uint64      `json:"ipsBlocked"`
	BlockedIps        int         `json:"blockedIps"`
	WhitelistedIps    int         `json:"whitelistedIps"`
	ThreatLevel       ThreatLevel `json:"threatLevel"`
	LastUpdateTime    time.Time   `json:"lastUpdateTime"`
}

type WhitelistResponse struct {
	CIDRs []string `json:"cidrs"`
}

type BlocklistResponse struct {
	IPs []string `json:"ips"`
}

// IngestFunc is how capture adapters hand packets to the pipeline.
type IngestFunc func(Packet) Decision
