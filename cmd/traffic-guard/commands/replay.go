package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/bootstrap"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/traffic"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	replayRules    string
	replaySettings string
	replayDB       string
	replayOut      string
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.pcap>",
	Short: "Decide every packet of a pcap or pcapng file and print the report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// stdout carries the report
		cfg := loadConfig("stderr")
		cfg.RulesFile = replayRules
		cfg.SqliteDbPath = replayDB
		cfg.ReportFile = ""
		if replaySettings != "" {
			if err := config.LoadFile(replaySettings, &cfg.Detection); err != nil {
				return err
			}
		}

		sys, err := bootstrap.Build(cfg)
		if err != nil {
			return err
		}
		defer sys.Close()

		stats, err := traffic.Replay(ctx, args[0], sys.Pipeline.ProcessPacket)
		if err != nil {
			return err
		}
		sys.Pipeline.Snapshot()

		st := sys.Pipeline.Statistics()
		zap.L().Info("Replay finished",
			zap.String("frames", humanize.Comma(int64(stats.Frames))),
			zap.String("skipped", humanize.Comma(int64(stats.Skipped))),
			zap.Uint64("dropped", st.DroppedPackets),
			zap.Int("blockedIps", st.BlockedIps),
			zap.String("threatLevel", string(st.ThreatLevel)),
		)

		if replayOut != "" {
			return sys.Pipeline.SaveReport(replayOut)
		}
		report, err := sys.Pipeline.ExportReport()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(report))
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayRules, "rules", "", "rules JSON file (default rules in memory when empty)")
	replayCmd.Flags().StringVar(&replaySettings, "settings", "", "YAML file with a detection section")
	replayCmd.Flags().StringVar(&replayDB, "db", "", "SQLite database for attack history and baseline")
	replayCmd.Flags().StringVarP(&replayOut, "out", "o", "", "write the report to this file instead of stdout")
}
