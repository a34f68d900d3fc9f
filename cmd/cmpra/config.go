package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cmp-ra/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "RA configuration management",
}

var configCheckCmd = &cobra.Command{
	Use:   "check CFG",
	Short: "Validate an RA configuration",
	Long: `Load an RA configuration, resolving trust stores, credentials and
PKCS#11 tokens, and print a summary of its profiles.

Secrets are never printed.

Examples:
  cmpra config check ra.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigCheck,
}

func init() {
	configCmd.AddCommand(configCheckCmd)
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration: %s\n", args[0])
	fmt.Fprintf(out, "  Default profile:    %s\n", orNone(cfg.DefaultProfile))
	fmt.Fprintf(out, "  Retry after:        %ds\n", cfg.RetryAfter(cfg.DefaultProfile, 0))
	fmt.Fprintf(out, "  Transaction expiry: %s\n", cfg.Expiry())
	fmt.Fprintf(out, "  Redact errors:      %t\n", cfg.RedactErrors)
	printPolicy(out, "  ", "Downstream", cfg.Downstream)
	printPolicy(out, "  ", "Upstream", cfg.Upstream)

	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "\nProfiles (%d):\n", len(names))
	for _, name := range names {
		p := cfg.Profiles[name]
		fmt.Fprintf(out, "  %s\n", name)
		printPolicy(out, "    ", "Downstream", p.Downstream)
		printPolicy(out, "    ", "Upstream", p.Upstream)
		if p.CKG != nil {
			signer := "none"
			if p.CKG.SigningCredentials != nil {
				signer = config.DescribeCredentials(p.CKG.SigningCredentials)
			}
			fmt.Fprintf(out, "    Key generation:   %s, signed by %s\n", orNone(string(p.CKG.Algorithm)), signer)
		}
		if p.ForceRAVerify {
			fmt.Fprintf(out, "    Force raVerified: true\n")
		}
		if p.RAVerifiedAcceptable {
			fmt.Fprintf(out, "    Accept raVerified: true\n")
		}
	}

	if len(cfg.Support) > 0 {
		oids := make([]string, 0, len(cfg.Support))
		for oid := range cfg.Support {
			oids = append(oids, oid)
		}
		sort.Strings(oids)
		fmt.Fprintf(out, "\nSupport messages:\n")
		for _, oid := range oids {
			fmt.Fprintf(out, "  %s\n", oid)
		}
	}

	fmt.Fprintf(out, "\nConfiguration OK\n")
	return nil
}

func printPolicy(w io.Writer, indent, label string, p *config.MessagePolicy) {
	if p == nil {
		return
	}
	fmt.Fprintf(w, "%s%s:\n", indent, label)
	fmt.Fprintf(w, "%s  Reprotect:   %s\n", indent, p.ReprotectMode)
	fmt.Fprintf(w, "%s  Credentials: %s\n", indent, config.DescribeCredentials(p.OutputCredentials))
	if vc := p.InputVerification; vc != nil {
		fmt.Fprintf(w, "%s  Trust:       %d anchors, %d shared secrets\n", indent, len(vc.TrustAnchors), len(vc.SharedSecrets))
	}
	if p.NestedEndpoint != nil {
		fmt.Fprintf(w, "%s  Nested:      %s\n", indent, config.DescribeCredentials(p.NestedEndpoint.OutputCredentials))
	}
	if p.MaxTimeDeviation > 0 {
		fmt.Fprintf(w, "%s  Max skew:    %s\n", indent, p.MaxTimeDeviation)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
