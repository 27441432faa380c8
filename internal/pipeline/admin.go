package pipeline

import (
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/blocklist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

func (p *Pipeline) AddRule(r types.Rule) (types.Rule, error) {
	return p.rules.AddRule(r)
}

func (p *Pipeline) UpdateRule(id string, r types.Rule) (types.Rule, error) {
	return p.rules.UpdateRule(id, r)
}

func (p *Pipeline) DeleteRule(id string) (types.Rule, error) {
	return p.rules.DeleteRule(id)
}

func (p *Pipeline) Rule(id string) (types.Rule, bool) {
	return p.rules.Rule(id)
}

// Rules returns every rule in evaluation order.
func (p *Pipeline) Rules() []types.Rule {
	return p.rules.Rules()
}

func (p *Pipeline) ReplaceRules(rules []types.Rule) (int, error) {
	return p.rules.ReplaceRules(rules)
}

// BlockIP blocks ip for the configured block duration. The bool is false when
// the address was already blocked.
func (p *Pipeline) BlockIP(ip string) (types.BlockEntry, bool, error) {
	return p.registry.Block(ip, blocklist.ReasonOperator, p.live.Get().BlockFor())
}

func (p *Pipeline) UnblockIP(ip string) (bool, error) {
	return p.registry.Unblock(ip)
}

func (p *Pipeline) AddToWhitelist(entry string) (string, bool, error) {
	return p.registry.AddToWhitelist(entry)
}

func (p *Pipeline) RemoveFromWhitelist(entry string) (string, bool, error) {
	return p.registry.RemoveFromWhitelist(entry)
}

func (p *Pipeline) BlockedIPs() []types.BlockEntry {
	return p.registry.Blocked()
}

func (p *Pipeline) WhitelistedIPs() []string {
	return p.registry.Whitelisted()
}

func (p *Pipeline) ActiveConnections() []types.Connection {
	return p.conns.Snapshot()
}

// AttackHistory returns resolved attacks followed by the active ones.
func (p *Pipeline) AttackHistory() []types.AttackPattern {
	return p.detector.AttackHistory()
}

func (p *Pipeline) ActiveAttacks() []types.AttackPattern {
	return p.detector.ActiveAttacks()
}

func (p *Pipeline) Config() config.Settings {
	return p.live.Get().Clone()
}

// UpdateConfig merges patch into the live settings. A rejected patch leaves
// the settings unchanged.
func (p *Pipeline) UpdateConfig(patch map[string]any) (config.Settings, error) {
	next, err := p.live.Apply(patch)
	if err != nil {
		zap.L().Warn("Rejected config update", zap.Error(err))
		return config.Settings{}, err
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	zap.L().Info("Config updated", zap.Strings("keys", keys))
	p.bus.Publish(events.Event{
		Type:    events.ConfigUpdated,
		Time:    p.now(),
		Details: patch,
	})
	return next, nil
}
