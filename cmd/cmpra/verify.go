package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/internal/nested"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/config"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

var (
	verifyConfigPath string
	verifyProfile    string
	verifyDirection  string
)

var verifyCmd = &cobra.Command{
	Use:   "verify FILE",
	Short: "Verify the protection of a PKIMessage",
	Long: `Verify the protection of a PKIMessage with the policy the RA would
apply to it.

The policy is selected by profile (--profile, else the certProfile of the
message, else the configured default) and direction: "downstream" for
requests from end entities, "upstream" for responses from the CA.
Nested messages are unwrapped with the configured nested endpoint, and
signature proofs of possession of enrollment requests are checked.

Examples:
  cmpra verify ir.der --config ra.yaml
  cmpra verify ip.der --config ra.yaml --profile tls --direction upstream`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyConfigPath, "config", "", "Path to RA configuration (required)")
	_ = verifyCmd.MarkFlagRequired("config")
	verifyCmd.Flags().StringVar(&verifyProfile, "profile", "", "Certificate profile")
	verifyCmd.Flags().StringVar(&verifyDirection, "direction", "downstream", "Message direction (downstream, upstream)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFile(verifyConfigPath)
	if err != nil {
		return err
	}
	msg, err := readMessage(args[0])
	if err != nil {
		return err
	}

	profile := verifyProfile
	if profile == "" {
		profile = msg.Header.CertProfile()
	}
	if profile == "" {
		profile = cfg.DefaultProfile
	}

	var policy *config.MessagePolicy
	switch verifyDirection {
	case "downstream":
		policy = cfg.DownstreamPolicy(profile, msg.Body.Type)
	case "upstream":
		policy = cfg.UpstreamPolicy(profile, msg.Body.Type)
	default:
		return fmt.Errorf("invalid --direction %q (expected downstream or upstream)", verifyDirection)
	}
	policy = policy.OrDefault()

	log := zap.L().With(
		zap.String("profile", profile),
		zap.Stringer("body_type", msg.Body.Type),
		zap.String("direction", verifyDirection))
	out := cmd.OutOrStdout()
	opts := protection.VerifyOptions{MaxTimeDeviation: policy.MaxTimeDeviation, Now: time.Now()}

	if msg.Body.Type == cmp.BodyNested {
		inner, res, err := nested.Unwrap(msg, policy.NestedEndpoint, opts)
		if err != nil {
			log.Warn("nested message rejected", zap.Error(err))
			return verifyFailed(msg, profile, err)
		}
		printResult(cmd, msg, res)
		fmt.Fprintf(out, "  Inner messages: %d\n", len(inner))
		for i, m := range inner {
			fmt.Fprintf(out, "    [%d] %s, transactionID %x\n", i, m.Body.Type, m.Header.TransactionID)
		}
		return nil
	}

	res, err := protection.Verify(msg, policy.InputVerification, opts)
	if err != nil {
		log.Warn("protection rejected", zap.Error(err))
		return verifyFailed(msg, profile, err)
	}
	printResult(cmd, msg, res)
	return checkPOP(cmd, msg)
}

// verifyFailed records the rejection in the audit log, if one is open.
func verifyFailed(msg *cmp.Message, profile string, cause error) error {
	event := audit.NewEvent(audit.EventProtectionFailed, audit.ResultFailure).
		WithObject(audit.Object{Type: "transaction"}).
		WithContext(audit.Context{
			TransactionID: fmt.Sprintf("%x", msg.Header.TransactionID),
			Profile:       profile,
			BodyType:      msg.Body.Type.String(),
			Direction:     verifyDirection,
			Reason:        cause.Error(),
		})
	if err := audit.MustLog(event); err != nil {
		return err
	}
	return fmt.Errorf("verification failed: %w", cause)
}

func printResult(cmd *cobra.Command, msg *cmp.Message, res *protection.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "VERIFICATION PASSED\n")
	fmt.Fprintf(out, "  Body:       %s\n", msg.Body.Type)
	fmt.Fprintf(out, "  Protection: %s\n", res.Kind)
	if res.Certificate != nil {
		fmt.Fprintf(out, "  Signer:     %s\n", res.Certificate.Subject)
		for i, c := range res.Chain {
			fmt.Fprintf(out, "    chain[%d]: %s\n", i, c.Subject)
		}
	}
	if len(res.SenderKID) > 0 {
		fmt.Fprintf(out, "  SenderKID:  %x\n", res.SenderKID)
	}
}

// checkPOP verifies the signature proofs of possession of ir, cr and kur.
func checkPOP(cmd *cobra.Command, msg *cmp.Message) error {
	if !msg.Body.Type.IsEnrollment() || msg.Body.Type == cmp.BodyP10CR {
		return nil
	}
	reqs, err := msg.Body.CertReqMessages()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, req := range reqs {
		if req.POPO.Kind != cmp.POPOSignature {
			fmt.Fprintf(out, "  POP[%d]:     %s\n", req.CertReqID, req.POPO.Kind)
			continue
		}
		if err := protection.VerifyPOP(req); err != nil {
			return fmt.Errorf("certReqId %d: %w", req.CertReqID, err)
		}
		fmt.Fprintf(out, "  POP[%d]:     signature valid\n", req.CertReqID)
	}
	return nil
}
