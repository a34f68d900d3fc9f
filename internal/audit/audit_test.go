package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Event Tests
// =============================================================================

func TestU_NewEvent_Creation(t *testing.T) {
	event := NewEvent(EventCertEnrolled, ResultSuccess)

	if event.EventType != EventCertEnrolled {
		t.Errorf("expected EventType=%s, got %s", EventCertEnrolled, event.EventType)
	}
	if event.Result != ResultSuccess {
		t.Errorf("expected Result=%s, got %s", ResultSuccess, event.Result)
	}
	if event.Timestamp == "" || event.ID == "" {
		t.Error("Timestamp and ID should be set")
	}
	if event.Actor.Type != "service" {
		t.Errorf("expected Actor.Type=service, got %s", event.Actor.Type)
	}
	if NewEvent(EventCertEnrolled, ResultSuccess).ID == event.ID {
		t.Error("event IDs should be unique")
	}
}

func TestU_Event_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{
			name:    "[Unit] Validate: valid event",
			event:   NewEvent(EventRequestForwarded, ResultSuccess),
			wantErr: false,
		},
		{
			name: "[Unit] Validate: missing event_type",
			event: &Event{
				Timestamp: "2026-01-15T10:00:00Z",
				Actor:     Actor{Type: "service", ID: "cmpra"},
				Result:    ResultSuccess,
			},
			wantErr: true,
		},
		{
			name: "[Unit] Validate: missing actor",
			event: &Event{
				EventType: EventRequestRejected,
				Timestamp: "2026-01-15T10:00:00Z",
				Result:    ResultFailure,
			},
			wantErr: true,
		},
		{
			name: "[Unit] Validate: missing result",
			event: &Event{
				EventType: EventRequestRejected,
				Timestamp: "2026-01-15T10:00:00Z",
				Actor:     Actor{Type: "service", ID: "cmpra"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestU_Event_CanonicalJSON(t *testing.T) {
	event := NewEvent(EventCertEnrolled, ResultSuccess).
		WithObject(Object{Type: "certificate", Serial: "01"}).
		WithContext(Context{TransactionID: "abcd", BodyType: "ir"})
	event.HashPrev = GenesisHash
	event.Hash = "sha256:ignored"

	canonical, err := event.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if strings.Contains(string(canonical), `"hash":`) {
		t.Error("CanonicalJSON should not contain hash field")
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(canonical, &parsed); err != nil {
		t.Fatalf("CanonicalJSON produced invalid JSON: %v", err)
	}
	ctx, _ := parsed["context"].(map[string]interface{})
	if ctx["transaction_id"] != "abcd" {
		t.Errorf("context = %v", parsed["context"])
	}
}

// =============================================================================
// FileWriter Tests
// =============================================================================

func TestU_FileWriter_Chain(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	writer, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	defer func() { _ = writer.Close() }()

	event1 := NewEvent(EventRequestForwarded, ResultSuccess)
	if err := writer.Write(event1); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if event1.HashPrev != GenesisHash {
		t.Errorf("first event HashPrev = %s, want %s", event1.HashPrev, GenesisHash)
	}
	if !strings.HasPrefix(event1.Hash, HashPrefix) {
		t.Errorf("Hash should start with %s, got %s", HashPrefix, event1.Hash)
	}

	event2 := NewEvent(EventCertEnrolled, ResultSuccess)
	if err := writer.Write(event2); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if event2.HashPrev != event1.Hash {
		t.Errorf("second event HashPrev = %s, want %s", event2.HashPrev, event1.Hash)
	}
	if writer.LastHash() != event2.Hash {
		t.Error("LastHash() should return the hash of the last event")
	}
	if writer.Path() != logPath {
		t.Errorf("Path() = %s", writer.Path())
	}

	_ = writer.Close()
	n, err := VerifyChain(logPath)
	if err != nil || n != 2 {
		t.Fatalf("VerifyChain() = %d, %v", n, err)
	}
}

func TestU_FileWriter_Append(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	w1, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	first := NewEvent(EventRequestRejected, ResultFailure)
	if err := w1.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = w1.Close()

	w2, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	defer func() { _ = w2.Close() }()
	if w2.LastHash() != first.Hash {
		t.Fatal("reopened writer should continue the chain")
	}
	second := NewEvent(EventResponseDelivered, ResultSuccess)
	if err := w2.Write(second); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = w2.Close()

	if n, err := VerifyChain(logPath); err != nil || n != 2 {
		t.Errorf("VerifyChain() = %d, %v", n, err)
	}
}

func TestU_FileWriter_WriteAfterClose(t *testing.T) {
	w, err := NewFileWriter(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := w.Write(NewEvent(EventCertEnrolled, ResultSuccess)); err == nil {
		t.Error("Write() after Close() should fail")
	}
}

func TestU_FileWriter_InvalidEvent(t *testing.T) {
	w, err := NewFileWriter(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Write(&Event{}); err == nil {
		t.Error("Write() should reject an invalid event")
	}
	if w.LastHash() != GenesisHash {
		t.Error("a rejected event must not advance the chain")
	}
}

func TestU_FileWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Write(NewEvent(EventRequestForwarded, ResultSuccess)); err != nil {
				t.Errorf("Write() error = %v", err)
			}
		}()
	}
	wg.Wait()
	_ = w.Close()

	if n, err := VerifyChain(logPath); err != nil || n != 20 {
		t.Errorf("VerifyChain() = %d, %v", n, err)
	}
}

// =============================================================================
// VerifyChain Tests
// =============================================================================

func TestU_VerifyChain_Tampering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	w, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	for _, et := range []EventType{EventRequestForwarded, EventCertEnrolled, EventResponseDelivered} {
		e := NewEvent(et, ResultSuccess).WithObject(Object{Type: "transaction", Subject: "CN=Device"})
		if err := w.Write(e); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	_ = w.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	tampered := strings.Replace(string(data), "CN=Device", "CN=Evil", 1)
	if err := os.WriteFile(logPath, []byte(tampered), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	n, err := VerifyChain(logPath)
	if err == nil {
		t.Fatal("VerifyChain() should detect the modification")
	}
	if n != 0 {
		t.Errorf("VerifyChain() valid count = %d, want 0", n)
	}
}

func TestU_VerifyChain_Edges(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.jsonl")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if n, err := VerifyChain(empty); err != nil || n != 0 {
		t.Errorf("VerifyChain(empty) = %d, %v", n, err)
	}

	if _, err := VerifyChain(filepath.Join(dir, "missing.jsonl")); err == nil {
		t.Error("VerifyChain(missing) should fail")
	}

	garbage := filepath.Join(dir, "garbage.jsonl")
	if err := os.WriteFile(garbage, []byte("{not json}\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := VerifyChain(garbage); err == nil {
		t.Error("VerifyChain(garbage) should fail")
	}
}

// =============================================================================
// Writer Tests
// =============================================================================

type failingWriter struct{ NopWriter }

func (failingWriter) Write(*Event) error { return errors.New("disk full") }

func TestU_MultiWriter(t *testing.T) {
	a, b := &MemoryWriter{}, &MemoryWriter{}
	m := NewMultiWriter(a, b)
	if err := m.Write(NewEvent(EventCertEnrolled, ResultSuccess)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(a.Events) != 1 || len(b.Events) != 1 {
		t.Error("MultiWriter should write to every writer")
	}
	if m.LastHash() != a.LastHash() {
		t.Error("LastHash() should come from the first writer")
	}

	if err := NewMultiWriter(a, failingWriter{}).Write(NewEvent(EventCertEnrolled, ResultSuccess)); err == nil {
		t.Error("MultiWriter should fail when a writer fails")
	}
	if NewMultiWriter().LastHash() != GenesisHash {
		t.Error("empty MultiWriter LastHash() should be genesis")
	}
}

func TestU_MemoryWriter(t *testing.T) {
	w := &MemoryWriter{}
	if w.LastHash() != GenesisHash {
		t.Errorf("LastHash() = %s", w.LastHash())
	}
	_ = w.Write(NewEvent(EventRequestForwarded, ResultSuccess))
	_ = w.Write(NewEvent(EventCertEnrolled, ResultSuccess))
	got := w.Types()
	if len(got) != 2 || got[0] != EventRequestForwarded || got[1] != EventCertEnrolled {
		t.Errorf("Types() = %v", got)
	}
	if w.Events[1].HashPrev != w.Events[0].Hash {
		t.Error("MemoryWriter should chain events")
	}
}

// =============================================================================
// Global Writer Tests
// =============================================================================

func TestU_GlobalAudit(t *testing.T) {
	defer func() { _ = Close() }()

	if Enabled() {
		t.Fatal("auditing should be disabled by default")
	}
	if err := Log(NewEvent(EventCertEnrolled, ResultSuccess)); err != nil {
		t.Errorf("Log() while disabled error = %v", err)
	}

	mem := &MemoryWriter{}
	if err := Init(mem); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !Enabled() {
		t.Fatal("Init() should enable auditing")
	}
	if err := Global().Write(NewEvent(EventKeyGenerated, ResultSuccess)); err != nil {
		t.Fatalf("Global().Write() error = %v", err)
	}
	if len(mem.Events) != 1 || Global().LastHash() != mem.LastHash() {
		t.Error("Global() should forward to the installed writer")
	}

	if err := Init(failingWriter{}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := MustLog(NewEvent(EventKeyGenerated, ResultSuccess)); err == nil || !strings.Contains(err.Error(), "audit log failed") {
		t.Errorf("MustLog() error = %v", err)
	}

	if err := InitFile(""); err != nil || Enabled() {
		t.Errorf("InitFile(\"\") should disable auditing: %v", err)
	}
}
