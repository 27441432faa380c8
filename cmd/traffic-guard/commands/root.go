package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/config"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	envFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "traffic-guard",
	Short: "Packet filtering, flood detection and traffic anomaly scoring",
	Long: `Traffic Guard decides every observed packet against a whitelist, a
blocklist and prioritized firewall rules, detects floods per source and scores
the packet rate for anomalies. Packets come from live capture, syslog firewall
logs, the admin API or a capture file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil {
			// a missing default .env is fine, an explicit one is not
			if !cmd.Flags().Changed("env-file") && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	},
	RunE: runServe,
}

// Execute runs the command line and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug logging (overrides DEBUG)")

	rootCmd.AddCommand(serveCmd, replayCmd)
}

// loadConfig reads the environment and installs the global logger. A
// non-empty logOutput overrides LOG_OUTPUT.
func loadConfig(logOutput string) *config.Config {
	cfg := config.Load()
	if debug {
		cfg.Debug = true
	}
	if logOutput != "" {
		cfg.LogOutput = logOutput
	}
	utils.InitLogger(cfg)
	return cfg
}
