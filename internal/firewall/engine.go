package firewall

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/events"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	// ErrPersist means the change is live in memory but the rules file was not updated.
	ErrPersist = errors.New("rule set changed in memory but could not be persisted")
)

// ConnLookup reports the state of the tracked flow a packet belongs to.
type ConnLookup interface {
	ConnState(key types.ConnectionKey) (types.ConnectionState, bool)
}

type Verdict struct {
	Decision types.Decision
	Rule     *types.Rule // nil when the default policy applied
}

// Engine evaluates packets against a priority-ordered rule set. Evaluation
// reads an immutable snapshot; mutations build a new snapshot, swap it in and
// then persist the whole set.
type Engine struct {
	mu       sync.Mutex // serializes mutations and persistence
	snapshot atomic.Pointer[[]compiledRule]

	store Store
	conns ConnLookup
	live  *config.Live
	bus   *events.Bus

	rulesEvaluated atomic.Uint64
	dirty          bool // last save failed; guarded by mu
	seedDefaults   bool
	now            func() time.Time
}

type Option func(*Engine)

// WithoutDefaults skips seeding the default rules into an empty store.
func WithoutDefaults() Option {
	return func(e *Engine) { e.seedDefaults = false }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine loads the rule set from store. A store that cannot be read or
// parsed is an error; a missing or empty store is seeded with DefaultRules.
func NewEngine(store Store, conns ConnLookup, live *config.Live, bus *events.Bus, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:        store,
		conns:        conns,
		live:         live,
		bus:          bus,
		seedDefaults: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	rules, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load firewall rules: %w", err)
	}
	for i := range rules {
		if err := normalize(&rules[i]); err != nil {
			return nil, fmt.Errorf("rule %q in store: %w", rules[i].ID, err)
		}
	}

	if len(rules) == 0 && e.seedDefaults {
		rules = DefaultRules(e.now())
		if err := store.Save(rules); err != nil {
			zap.L().Warn("Failed to persist default rules", zap.Error(err))
		}
		zap.L().Info("Seeded default firewall rules", zap.Int("count", len(rules)))
	}

	e.install(rules)
	zap.L().Info("Loaded firewall rules", zap.Int("count", len(rules)))
	return e, nil
}

// DefaultRules is the rule set a fresh install starts with.
func DefaultRules(now time.Time) []types.Rule {
	rule := func(name string, action types.Decision, src string, dir types.Direction, prio int, desc string) types.Rule {
		return types.Rule{
			ID: uuid.NewString(), Name: name, Action: action, Protocol: types.ProtocolAny,
			SourceIP: src, SourcePort: anyValue, DestinationIP: anyValue, DestinationPort: anyValue,
			Direction: dir, Priority: prio, Enabled: true, Description: desc,
			CreatedAt: now, UpdatedAt: now,
		}
	}
	established := rule("Allow Established", types.DecisionAllow, anyValue, types.DirectionBoth, 900, "Allow packets of tracked established connections")
	established.ConnState = types.StateEstablished
	return []types.Rule{
		rule("Allow Localhost", types.DecisionAllow, "127.0.0.1", types.DirectionBoth, 1000, "Allow all traffic from localhost"),
		established,
		rule("Deny Invalid", types.DecisionDeny, "0.0.0.0", types.DirectionInbound, 100, "Deny packets from invalid source IPs"),
	}
}

// install compiles rules, orders them and publishes the snapshot.
// Equal priorities keep creation order, then ID order.
func (e *Engine) install(rules []types.Rule) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		compiled[i] = compile(r)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i], compiled[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	e.snapshot.Store(&compiled)
}

func (e *Engine) current() []compiledRule {
	if p := e.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Evaluate returns the action of the first enabled rule matching p, or the
// default policy when none does.
func (e *Engine) Evaluate(p types.Packet) Verdict {
	addrs := addrsOf(p)
	rules := e.current()
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		e.rulesEvaluated.Add(1)
		if r.matches(p, addrs, e.conns) {
			matched := r.Rule
			return Verdict{Decision: r.Action, Rule: &matched}
		}
	}
	return Verdict{Decision: types.Decision(e.live.Get().DefaultPolicy)}
}

// Rules returns a copy of the rule set in evaluation order.
func (e *Engine) Rules() []types.Rule {
	rules := e.current()
	out := make([]types.Rule, len(rules))
	for i, r := range rules {
		out[i] = r.Rule
	}
	return out
}

func (e *Engine) Rule(id string) (types.Rule, bool) {
	for _, r := range e.current() {
		if r.ID == id {
			return r.Rule, true
		}
	}
	return types.Rule{}, false
}

// AddRule assigns an ID when r has none. An ErrPersist error still returns
// the added rule.
func (e *Engine) AddRule(r types.Rule) (types.Rule, error) {
	if err := normalize(&r); err != nil {
		return types.Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	} else if _, exists := e.Rule(r.ID); exists {
		return types.Rule{}, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
	}
	now := e.now()
	r.CreatedAt, r.UpdatedAt = now, now

	rules := append(e.Rules(), r)
	err := e.commit(rules)
	e.bus.Publish(events.Event{Type: events.RuleAdded, Time: now, Rule: &r})
	zap.L().Info("Added firewall rule", zap.String("id", r.ID), zap.String("name", r.Name), zap.String("action", string(r.Action)))
	return r, err
}

// UpdateRule replaces the rule with the given id. ID and CreatedAt are kept.
func (e *Engine) UpdateRule(id string, r types.Rule) (types.Rule, error) {
	if err := normalize(&r); err != nil {
		return types.Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rules := e.Rules()
	idx := -1
	for i := range rules {
		if rules[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return types.Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	r.ID = id
	r.CreatedAt = rules[idx].CreatedAt
	r.UpdatedAt = e.now()
	rules[idx] = r

	err := e.commit(rules)
	e.bus.Publish(events.Event{Type: events.RuleUpdated, Time: r.UpdatedAt, Rule: &r})
	zap.L().Info("Updated firewall rule", zap.String("id", id), zap.String("name", r.Name))
	return r, err
}

func (e *Engine) DeleteRule(id string) (types.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := e.Rules()
	for i, r := range rules {
		if r.ID != id {
			continue
		}
		rules = append(rules[:i], rules[i+1:]...)
		err := e.commit(rules)
		e.bus.Publish(events.Event{Type: events.RuleDeleted, Time: e.now(), Rule: &r})
		zap.L().Info("Deleted firewall rule", zap.String("id", id), zap.String("name", r.Name))
		return r, err
	}
	return types.Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
}

// ReplaceRules swaps the whole rule set, as done by an import. Every rule is
// validated before anything changes.
func (e *Engine) ReplaceRules(rules []types.Rule) (int, error) {
	now := e.now()
	seen := make(map[string]struct{}, len(rules))
	for i := range rules {
		if err := normalize(&rules[i]); err != nil {
			return 0, err
		}
		if rules[i].ID == "" {
			rules[i].ID = uuid.NewString()
		}
		if _, dup := seen[rules[i].ID]; dup {
			return 0, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, rules[i].ID)
		}
		seen[rules[i].ID] = struct{}{}
		if rules[i].CreatedAt.IsZero() {
			rules[i].CreatedAt = now
		}
		rules[i].UpdatedAt = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.commit(rules)
	zap.L().Info("Replaced firewall rule set", zap.Int("count", len(rules)))
	return len(rules), err
}

// caller holds e.mu. The in-memory swap always happens; a failed save is
// reported as ErrPersist and retried by Flush.
func (e *Engine) commit(rules []types.Rule) error {
	e.install(rules)
	if err := e.store.Save(e.Rules()); err != nil {
		e.dirty = true
		zap.L().Error("Failed to persist firewall rules, in-memory rules have diverged", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	e.dirty = false
	return nil
}

// Flush saves the current rules if an earlier save failed.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return nil
	}
	if err := e.store.Save(e.Rules()); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	e.dirty = false
	zap.L().Info("Firewall rules persisted after earlier failure", zap.Int("count", len(e.Rules())))
	return nil
}

// RulesEvaluated counts rule match attempts across all packets.
func (e *Engine) RulesEvaluated() uint64 {
	return e.rulesEvaluated.Load()
}

func (e *Engine) ResetCounters() {
	e.rulesEvaluated.Store(0)
}
