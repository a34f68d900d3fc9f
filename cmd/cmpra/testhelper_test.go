package main

import (
	"bytes"
	"crypto/rand"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/cmp-ra/internal/audit"
	"github.com/remiblancher/cmp-ra/pkg/cmp"
	"github.com/remiblancher/cmp-ra/pkg/protection"
)

// executeCommand runs root with args and returns its combined output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// resetFlags restores global flag values between commands run in the same
// process, and closes an audit log left open by a failed command.
func resetFlags() {
	auditLogPath = ""
	logLevel = "warn"
	verifyConfigPath = ""
	verifyProfile = ""
	verifyDirection = "downstream"
	auditLogFile = ""
	auditTailNum = 10
	auditShowJSON = false
	_ = audit.Close()
}

// testContext holds test resources.
type testContext struct {
	t       *testing.T
	tempDir string
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)
	return &testContext{t: t, tempDir: t.TempDir()}
}

func (tc *testContext) path(name string) string {
	return filepath.Join(tc.tempDir, name)
}

func (tc *testContext) writeFile(name string, content []byte) string {
	tc.t.Helper()
	path := tc.path(name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		tc.t.Fatalf("Failed to write file %s: %v", name, err)
	}
	return path
}

// writeMessage encodes msg, protecting it with creds when set.
func (tc *testContext) writeMessage(name string, msg *cmp.Message, creds protection.Credentials) string {
	tc.t.Helper()
	if creds != nil {
		var err error
		if msg, err = protection.Protect(msg, creds); err != nil {
			tc.t.Fatalf("Protect failed: %v", err)
		}
	}
	der, err := msg.Encode()
	if err != nil {
		tc.t.Fatalf("Encode failed: %v", err)
	}
	return tc.writeFile(name, der)
}

func genm(t *testing.T, kid string) *cmp.Message {
	t.Helper()
	body, err := cmp.NewGenBody(cmp.BodyGenM, cmp.InfoTypeAndValue{Type: cmp.OIDCACerts})
	if err != nil {
		t.Fatalf("NewGenBody failed: %v", err)
	}
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	hdr := cmp.Header{
		PVNO:          cmp.PVNO2000,
		Sender:        cmp.DirectoryName(pkix.Name{CommonName: "Test EE"}),
		Recipient:     cmp.DirectoryName(pkix.Name{CommonName: "Test RA"}),
		MessageTime:   time.Now().UTC().Truncate(time.Second),
		TransactionID: bytes.Repeat([]byte{0x42}, 16),
		SenderNonce:   nonce,
	}
	if kid != "" {
		hdr.SenderKID = []byte(kid)
	}
	return &cmp.Message{Header: hdr, Body: body}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func assertContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("output does not contain %q:\n%s", want, output)
	}
}
