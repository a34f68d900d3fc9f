package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cmp-ra/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log management",
	Long: `Commands for verifying and reading RA audit logs.

Every request the RA rejects, forwards or answers leaves an event in the
audit log. Events are chained by SHA-256 hashes.

Examples:
  # Verify audit log integrity
  cmpra audit verify --log /var/log/cmpra/audit.jsonl

  # Show the last 10 events
  cmpra audit tail --log /var/log/cmpra/audit.jsonl -n 10`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log integrity",
	Long: `Verify the hash chain of an audit log file.

The chain starts with hash_prev="sha256:genesis". A modified, deleted or
inserted event breaks the chain and is reported with its position.`,
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events",
	RunE:  runAuditTail,
}

var (
	auditLogFile  string
	auditTailNum  int
	auditShowJSON bool
)

func init() {
	auditVerifyCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (required)")
	_ = auditVerifyCmd.MarkFlagRequired("log")

	auditTailCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (required)")
	_ = auditTailCmd.MarkFlagRequired("log")
	auditTailCmd.Flags().IntVarP(&auditTailNum, "num", "n", 10, "Number of events to show")
	auditTailCmd.Flags().BoolVar(&auditShowJSON, "json", false, "Output as JSON")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verifying audit log: %s\n\n", auditLogFile)

	count, err := audit.VerifyChain(auditLogFile)
	if err != nil {
		fmt.Fprintf(out, "VERIFICATION FAILED\n")
		fmt.Fprintf(out, "  Valid events: %d\n", count)
		fmt.Fprintf(out, "  Error: %s\n", err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}

	fmt.Fprintf(out, "VERIFICATION PASSED\n")
	fmt.Fprintf(out, "  Total events: %d\n", count)
	fmt.Fprintf(out, "  Hash chain: VALID\n")
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(auditLogFile)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	out := cmd.OutOrStdout()

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	if len(lines) == 0 {
		fmt.Fprintln(out, "Audit log is empty")
		return nil
	}
	if len(lines) > auditTailNum {
		lines = lines[len(lines)-auditTailNum:]
	}

	if auditShowJSON {
		fmt.Fprintf(out, "[%s]\n", strings.Join(lines, ",\n"))
		return nil
	}

	for _, line := range lines {
		var event audit.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Fprintf(out, "  [ERROR] %s\n", err)
			continue
		}
		printEvent(out, &event)
	}
	return nil
}

func printEvent(w io.Writer, e *audit.Event) {
	resultIcon := "✓"
	if e.Result == audit.ResultFailure {
		resultIcon = "✗"
	}

	fmt.Fprintf(w, "[%s] %s %s\n", e.Timestamp, resultIcon, e.EventType)
	fmt.Fprintf(w, "    Actor:  %s %s", e.Actor.Type, e.Actor.ID)
	if e.Actor.KID != "" {
		fmt.Fprintf(w, " kid=%s", e.Actor.KID)
	}
	fmt.Fprintln(w)

	if e.Object.Type != "" {
		fmt.Fprintf(w, "    Object: %s", e.Object.Type)
		if e.Object.Serial != "" {
			fmt.Fprintf(w, " serial=%s", e.Object.Serial)
		}
		if e.Object.Subject != "" {
			fmt.Fprintf(w, " subject=%s", e.Object.Subject)
		}
		fmt.Fprintln(w)
	}

	c := e.Context
	if c.TransactionID != "" || c.BodyType != "" || c.Profile != "" {
		fmt.Fprintf(w, "    Context:")
		for _, kv := range [][2]string{
			{"tx", c.TransactionID},
			{"body", c.BodyType},
			{"profile", c.Profile},
			{"direction", c.Direction},
			{"algorithm", c.Algorithm},
			{"failinfo", c.FailInfo},
			{"reason", c.Reason},
		} {
			if kv[1] != "" {
				fmt.Fprintf(w, " %s=%s", kv[0], kv[1])
			}
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)
}
