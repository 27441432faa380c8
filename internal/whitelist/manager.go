package whitelist

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yl2chen/cidranger"
	"go.uber.org/zap"
	"inet.af/netaddr"
)

var ErrInvalidEntry = errors.New("invalid whitelist entry")

// Manager holds whitelisted addresses and networks. Single addresses live in
// a map for O(1) checks; networks go into a cidranger trie that is rebuilt and
// swapped on every change, so readers never see a half-built trie.
type Manager struct {
	mu     sync.RWMutex
	exact  map[netaddr.IP]struct{}
	cidrs  map[netaddr.IPPrefix]struct{}
	feed   []netaddr.IPPrefix // last synced feed, replaced wholesale
	ranger cidranger.Ranger
}

func NewManager() *Manager {
	return &Manager{
		exact:  make(map[netaddr.IP]struct{}),
		cidrs:  make(map[netaddr.IPPrefix]struct{}),
		ranger: cidranger.NewPCTrieRanger(),
	}
}

// Canonical parses an address or a CIDR. A full-length prefix is reduced to
// its address.
func Canonical(entry string) (netaddr.IP, netaddr.IPPrefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netaddr.ParseIPPrefix(entry)
		if err != nil {
			return netaddr.IP{}, netaddr.IPPrefix{}, fmt.Errorf("%w: %s", ErrInvalidEntry, entry)
		}
		prefix = prefix.Masked()
		if prefix.IsSingleIP() {
			return prefix.IP(), netaddr.IPPrefix{}, nil
		}
		return netaddr.IP{}, prefix, nil
	}
	ip, err := netaddr.ParseIP(entry)
	if err != nil {
		return netaddr.IP{}, netaddr.IPPrefix{}, fmt.Errorf("%w: %s", ErrInvalidEntry, entry)
	}
	return ip.Unmap(), netaddr.IPPrefix{}, nil
}

// Add whitelists an address or network. It returns the canonical form and
// false when the entry was already present.
func (wm *Manager) Add(entry string) (string, bool, error) {
	ip, prefix, err := Canonical(entry)
	if err != nil {
		return "", false, err
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()

	if !ip.IsZero() {
		if _, ok := wm.exact[ip]; ok {
			return ip.String(), false, nil
		}
		wm.exact[ip] = struct{}{}
		return ip.String(), true, nil
	}
	if _, ok := wm.cidrs[prefix]; ok {
		return prefix.String(), false, nil
	}
	wm.cidrs[prefix] = struct{}{}
	wm.rebuild()
	return prefix.String(), true, nil
}

// Remove drops an operator entry. Feed networks are only replaced by ReplaceFeed.
func (wm *Manager) Remove(entry string) (string, bool, error) {
	ip, prefix, err := Canonical(entry)
	if err != nil {
		return "", false, err
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()

	if !ip.IsZero() {
		if _, ok := wm.exact[ip]; !ok {
			return ip.String(), false, nil
		}
		delete(wm.exact, ip)
		return ip.String(), true, nil
	}
	if _, ok := wm.cidrs[prefix]; !ok {
		return prefix.String(), false, nil
	}
	delete(wm.cidrs, prefix)
	wm.rebuild()
	return prefix.String(), true, nil
}

// ReplaceFeed swaps the synced network list. Invalid entries are skipped.
func (wm *Manager) ReplaceFeed(entries []string) int {
	feed := make([]netaddr.IPPrefix, 0, len(entries))
	for _, e := range entries {
		prefix, err := netaddr.ParseIPPrefix(strings.TrimSpace(e))
		if err != nil {
			ip, ipErr := netaddr.ParseIP(strings.TrimSpace(e))
			if ipErr != nil {
				zap.L().Warn("Invalid CIDR in whitelist", zap.String("cidr", e), zap.Error(err))
				continue
			}
			ip = ip.Unmap()
			prefix = netaddr.IPPrefixFrom(ip, ip.BitLen())
		}
		feed = append(feed, prefix.Masked())
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.feed = feed
	wm.rebuild()
	return len(feed)
}

// caller holds wm.mu
func (wm *Manager) rebuild() {
	ranger := cidranger.NewPCTrieRanger()
	insert := func(p netaddr.IPPrefix) {
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*p.IPNet())); err != nil {
			zap.L().Warn("Failed to insert whitelist network", zap.String("cidr", p.String()), zap.Error(err))
		}
	}
	for p := range wm.cidrs {
		insert(p)
	}
	for _, p := range wm.feed {
		insert(p)
	}
	wm.ranger = ranger
}

// Contains reports whether ipStr is whitelisted, either directly or by a network.
func (wm *Manager) Contains(ipStr string) bool {
	ip, err := netaddr.ParseIP(ipStr)
	if err != nil {
		return false
	}
	return wm.ContainsIP(ip)
}

func (wm *Manager) ContainsIP(ip netaddr.IP) bool {
	ip = ip.Unmap()
	wm.mu.RLock()
	_, ok := wm.exact[ip]
	ranger := wm.ranger
	wm.mu.RUnlock()
	if ok {
		return true
	}

	ok, err := ranger.Contains(ip.IPAddr().IP)
	if err != nil {
		zap.L().Error("CIDR check error", zap.Error(err))
		return false
	}
	return ok
}

// List returns the operator entries, sorted. Feed networks are not included.
func (wm *Manager) List() []string {
	wm.mu.RLock()
	out := make([]string, 0, len(wm.exact)+len(wm.cidrs))
	for ip := range wm.exact {
		out = append(out, ip.String())
	}
	for p := range wm.cidrs {
		out = append(out, p.String())
	}
	wm.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (wm *Manager) Len() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return len(wm.exact) + len(wm.cidrs)
}
