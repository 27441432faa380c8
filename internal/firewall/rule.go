package firewall

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
	"inet.af/netaddr"
)

var ErrInvalidRule = errors.New("invalid rule")

const anyValue = "ANY"

type ipMatcher struct {
	any    bool
	prefix netaddr.IPPrefix // single addresses are full-length prefixes
}

func parseIPMatcher(s string) (ipMatcher, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, anyValue) {
		return ipMatcher{any: true}, nil
	}
	if strings.Contains(s, "/") {
		p, err := netaddr.ParseIPPrefix(s)
		if err != nil {
			return ipMatcher{}, err
		}
		return ipMatcher{prefix: p.Masked()}, nil
	}
	ip, err := netaddr.ParseIP(s)
	if err != nil {
		return ipMatcher{}, err
	}
	return ipMatcher{prefix: netaddr.IPPrefixFrom(ip, ip.BitLen())}, nil
}

func (m ipMatcher) match(ip netaddr.IP, ok bool) bool {
	if m.any {
		return true
	}
	return ok && m.prefix.Contains(ip)
}

type portMatcher struct {
	any    bool
	lo, hi uint16
}

func parsePortMatcher(s string) (portMatcher, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, anyValue) {
		return portMatcher{any: true}, nil
	}
	if lo, hi, found := strings.Cut(s, "-"); found {
		a, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
		if err != nil {
			return portMatcher{}, err
		}
		b, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil {
			return portMatcher{}, err
		}
		if a > b {
			return portMatcher{}, fmt.Errorf("port range %q is reversed", s)
		}
		return portMatcher{lo: uint16(a), hi: uint16(b)}, nil
	}
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return portMatcher{}, err
	}
	return portMatcher{lo: uint16(p), hi: uint16(p)}, nil
}

func (m portMatcher) match(port uint16) bool {
	return m.any || (port >= m.lo && port <= m.hi)
}

// compiledRule is a rule with its matchers parsed once. A rule whose address
// or port fields do not parse is kept but never matches.
type compiledRule struct {
	types.Rule
	broken       bool
	src, dst     ipMatcher
	sport, dport portMatcher
}

func compile(r types.Rule) compiledRule {
	c := compiledRule{Rule: r}
	var err error
	if c.src, err = parseIPMatcher(r.SourceIP); err == nil {
		if c.dst, err = parseIPMatcher(r.DestinationIP); err == nil {
			if c.sport, err = parsePortMatcher(r.SourcePort); err == nil {
				c.dport, err = parsePortMatcher(r.DestinationPort)
			}
		}
	}
	if err != nil {
		c.broken = true
		zap.L().Warn("Rule has an unparseable matcher and will never match",
			zap.String("rule", r.ID),
			zap.String("name", r.Name),
			zap.Error(err),
		)
	}
	return c
}

// packetAddrs holds the parsed packet addresses so each rule does not reparse them.
type packetAddrs struct {
	src, dst     netaddr.IP
	srcOK, dstOK bool
}

func addrsOf(p types.Packet) packetAddrs {
	var a packetAddrs
	var err error
	a.src, err = netaddr.ParseIP(p.SourceIP)
	a.srcOK = err == nil
	a.dst, err = netaddr.ParseIP(p.DestinationIP)
	a.dstOK = err == nil
	// ::ffff:a.b.c.d must match IPv4 rules
	a.src, a.dst = a.src.Unmap(), a.dst.Unmap()
	return a
}

func (c *compiledRule) matches(p types.Packet, a packetAddrs, conns ConnLookup) bool {
	if c.broken {
		return false
	}
	if c.Protocol != types.ProtocolAny && c.Protocol != p.Protocol {
		return false
	}
	if !c.src.match(a.src, a.srcOK) || !c.sport.match(p.SourcePort) {
		return false
	}
	if !c.dst.match(a.dst, a.dstOK) || !c.dport.match(p.DestinationPort) {
		return false
	}
	if p.Direction != "" && c.Direction != "" && c.Direction != types.DirectionBoth && c.Direction != p.Direction {
		return false
	}
	if c.ConnState != "" {
		if conns == nil {
			return false
		}
		state, ok := conns.ConnState(types.KeyOf(p))
		if !ok || state != c.ConnState {
			return false
		}
	}
	return true
}

// normalize fills defaults and rejects rules with an unknown action, protocol
// or direction.
func normalize(r *types.Rule) error {
	r.Action = types.Decision(strings.ToUpper(string(r.Action)))
	if !r.Action.Valid() {
		return fmt.Errorf("%w: action %q", ErrInvalidRule, r.Action)
	}
	proto, ok := types.ParseProtocol(string(r.Protocol))
	if !ok {
		return fmt.Errorf("%w: protocol %q", ErrInvalidRule, r.Protocol)
	}
	r.Protocol = proto
	r.Direction = types.Direction(strings.ToUpper(string(r.Direction)))
	switch r.Direction {
	case "":
		r.Direction = types.DirectionBoth
	case types.DirectionInbound, types.DirectionOutbound, types.DirectionBoth:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidRule, r.Direction)
	}
	for _, f := range []*string{&r.SourceIP, &r.DestinationIP, &r.SourcePort, &r.DestinationPort} {
		if strings.TrimSpace(*f) == "" {
			*f = anyValue
		}
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	return nil
}
