package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrUnknownKey = errors.New("unknown config key")

// Settings are the detection and policy knobs that can change at runtime.
// A *Settings obtained from Live is shared and must be treated as read-only.
type Settings struct {
	Enabled              bool     `json:"enabled" yaml:"enabled"`
	DefaultPolicy        string   `json:"defaultPolicy" yaml:"defaultPolicy"`
	DetectionWindow      int      `json:"detectionWindow" yaml:"detectionWindow"` // seconds
	ThresholdPackets     int      `json:"thresholdPackets" yaml:"thresholdPackets"`
	ThresholdBytes       int64    `json:"thresholdBytes" yaml:"thresholdBytes"`
	ThresholdConnections int      `json:"thresholdConnections" yaml:"thresholdConnections"`
	BlockDuration        int      `json:"blockDuration" yaml:"blockDuration"` // seconds
	AutoBlock            bool     `json:"autoBlock" yaml:"autoBlock"`
	RateLimitEnabled     bool     `json:"rateLimitEnabled" yaml:"rateLimitEnabled"`
	ConnectionTimeout    int      `json:"connectionTimeout" yaml:"connectionTimeout"` // seconds
	SynFloodThreshold    int      `json:"synFloodThreshold" yaml:"synFloodThreshold"`
	SynFloodWindow       int      `json:"synFloodWindow" yaml:"synFloodWindow"` // seconds
	UDPFloodRatio        float64  `json:"udpFloodRatio" yaml:"udpFloodRatio"`
	ICMPFloodThreshold   int      `json:"icmpFloodThreshold" yaml:"icmpFloodThreshold"`
	MLEnabled            bool     `json:"mlEnabled" yaml:"mlEnabled"`
	Scorer               string   `json:"scorer" yaml:"scorer"`
	Sensitivity          float64  `json:"sensitivity" yaml:"sensitivity"`
	AnalysisWindow       int      `json:"analysisWindow" yaml:"analysisWindow"` // seconds
	WarningThreshold     float64  `json:"warningThreshold" yaml:"warningThreshold"`
	CriticalThreshold    float64  `json:"criticalThreshold" yaml:"criticalThreshold"`
	TrendThreshold       float64  `json:"trendThreshold" yaml:"trendThreshold"`
	WhitelistIPs         []string `json:"whitelistIps" yaml:"whitelistIps"`
	BlacklistIPs         []string `json:"blacklistIps" yaml:"blacklistIps"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:              true,
		DefaultPolicy:        "DENY",
		DetectionWindow:      60,
		ThresholdPackets:     1000,
		ThresholdBytes:       1000000,
		ThresholdConnections: 100,
		BlockDuration:        3600,
		AutoBlock:            true,
		RateLimitEnabled:     true,
		ConnectionTimeout:    3600,
		SynFloodThreshold:    50,
		SynFloodWindow:       10,
		UDPFloodRatio:        0.8,
		ICMPFloodThreshold:   100,
		MLEnabled:            true,
		Scorer:               "heuristic",
		Sensitivity:          0.1,
		AnalysisWindow:       300,
		WarningThreshold:     100,
		CriticalThreshold:    200,
		TrendThreshold:       0.1,
	}
}

func (s Settings) Window() time.Duration {
	return time.Duration(s.DetectionWindow) * time.Second
}

func (s Settings) BlockFor() time.Duration {
	return time.Duration(s.BlockDuration) * time.Second
}

func (s Settings) IdleTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeout) * time.Second
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.WhitelistIPs = append([]string(nil), s.WhitelistIPs...)
	s.BlacklistIPs = append([]string(nil), s.BlacklistIPs...)
	return s
}

func (s Settings) Validate() error {
	switch s.DefaultPolicy {
	case "ALLOW", "DENY", "DROP":
	default:
		return fmt.Errorf("defaultPolicy must be ALLOW, DENY or DROP, got %q", s.DefaultPolicy)
	}
	switch s.Scorer {
	case "heuristic", "baseline":
	default:
		return fmt.Errorf("scorer must be heuristic or baseline, got %q", s.Scorer)
	}
	positive := map[string]int64{
		"detectionWindow":      int64(s.DetectionWindow),
		"thresholdPackets":     int64(s.ThresholdPackets),
		"thresholdBytes":       s.ThresholdBytes,
		"thresholdConnections": int64(s.ThresholdConnections),
		"connectionTimeout":    int64(s.ConnectionTimeout),
		"synFloodThreshold":    int64(s.SynFloodThreshold),
		"synFloodWindow":       int64(s.SynFloodWindow),
		"icmpFloodThreshold":   int64(s.ICMPFloodThreshold),
		"analysisWindow":       int64(s.AnalysisWindow),
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, v)
		}
	}
	if s.BlockDuration < 0 {
		return fmt.Errorf("blockDuration must not be negative, got %d", s.BlockDuration)
	}
	if s.Sensitivity < 0 || s.UDPFloodRatio <= 0 || s.WarningThreshold <= 0 || s.CriticalThreshold <= 0 || s.TrendThreshold < 0 {
		return errors.New("sensitivity, udpFloodRatio, warningThreshold, criticalThreshold and trendThreshold must be positive")
	}
	return nil
}

// Live holds the current Settings and swaps them atomically on update.
type Live struct {
	current atomic.Pointer[Settings]

	mu        sync.Mutex // serializes writers
	listeners []func(old, updated *Settings)
}

func NewLive(s Settings) (*Live, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	l := &Live{}
	c := s.Clone()
	l.current.Store(&c)
	return l, nil
}

func (l *Live) Get() *Settings {
	return l.current.Load()
}

// OnChange registers a listener called after every successful update.
func (l *Live) OnChange(fn func(old, updated *Settings)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Replace validates and installs a complete settings value.
func (l *Live) Replace(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c := s.Clone()
	l.swap(&c)
	return nil
}

// Apply merges a partial update keyed by the JSON field names. Unknown keys,
// type mismatches and invalid values reject the whole patch.
func (l *Live) Apply(patch map[string]any) (Settings, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.current.Load()
	merged, err := toMap(*cur)
	if err != nil {
		return Settings{}, err
	}

	var unknown []string
	for key, value := range patch {
		if _, ok := merged[key]; !ok {
			unknown = append(unknown, key)
			continue
		}
		merged[key] = value
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Settings{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(unknown, ", "))
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to encode config patch: %w", err)
	}
	var next Settings
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return Settings{}, fmt.Errorf("invalid config patch: %w", err)
	}
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}

	l.swap(&next)
	return next.Clone(), nil
}

// caller holds l.mu
func (l *Live) swap(next *Settings) {
	old := l.current.Swap(next)
	for _, fn := range l.listeners {
		fn(old, next)
	}
}

func toMap(s Settings) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	m := make(map[string]any)
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	return m, nil
}
