package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cmp-ra/pkg/cmp"
)

var dumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Print a PKIMessage",
	Long: `Decode a DER or PEM PKIMessage and print its header, body and
protection in human-readable form.

Examples:
  cmpra dump request.der
  cmpra dump response.pem`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func runDump(cmd *cobra.Command, args []string) error {
	msg, err := readMessage(args[0])
	if err != nil {
		return err
	}
	return cmp.Dump(cmd.OutOrStdout(), msg)
}

// readMessage reads and decodes a DER or PEM PKIMessage file.
func readMessage(path string) (*cmp.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	msg, err := cmp.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return msg, nil
}
