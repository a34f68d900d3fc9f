// Command cmpra inspects CMP messages and checks RA configurations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
)

// Build-time variables
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	auditLogPath string
	logLevel     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cmpra",
	Short: "CMP registration authority tooling",
	Long: `cmpra is a command-line tool for the CMP (RFC 4210, Lightweight CMP)
registration authority engine.

It decodes PKIMessages, verifies their protection against an RA
configuration, validates configurations and checks audit logs.

Examples:
  # Show a request
  cmpra dump request.der

  # Verify a request the way the RA would
  cmpra verify request.der --config ra.yaml --profile tls

  # Check a configuration
  cmpra config check ra.yaml`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogger(logLevel); err != nil {
			return err
		}

		if auditLogPath == "" {
			auditLogPath = os.Getenv("CMPRA_AUDIT_LOG")
		}
		if auditLogPath != "" {
			if err := audit.InitFile(auditLogPath); err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		_ = zap.L().Sync()
		return audit.Close()
	},
}

// setupLogger installs a production zap logger at the given level as the
// global logger.
func setupLogger(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file (or set CMPRA_AUDIT_LOG env var)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level (debug, info, warn, error)")

	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(configCmd) // cmpra config ...
	rootCmd.AddCommand(auditCmd)  // cmpra audit ...
}
