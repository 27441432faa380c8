package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

type Report struct {
	Timestamp         time.Time             `json:"timestamp"`
	Statistics        types.Statistics      `json:"statistics"`
	AttackHistory     []types.AttackPattern `json:"attackHistory"`
	BlockedIPs        []types.BlockEntry    `json:"blockedIps"`
	WhitelistedIPs    []string              `json:"whitelistedIps"`
	ActiveConnections int                   `json:"activeConnections"`
	Rules             []types.Rule          `json:"rules"`
	Config            config.Settings       `json:"config"`
}

func (p *Pipeline) BuildReport() Report {
	st := p.Statistics()
	return Report{
		Timestamp:         st.LastUpdateTime,
		Statistics:        st,
		AttackHistory:     nonNil(p.AttackHistory()),
		BlockedIPs:        nonNil(p.BlockedIPs()),
		WhitelistedIPs:    nonNil(p.WhitelistedIPs()),
		ActiveConnections: st.ActiveConnections,
		Rules:             nonNil(p.Rules()),
		Config:            p.Config(),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ExportReport renders the current report as indented JSON.
func (p *Pipeline) ExportReport() ([]byte, error) {
	data, err := json.MarshalIndent(p.BuildReport(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}

// SaveReport writes the report to path, replacing any previous file.
func (p *Pipeline) SaveReport(path string) error {
	data, err := p.ExportReport()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace report: %w", err)
	}
	zap.L().Info("Report saved", zap.String("path", path))
	return nil
}
