package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

const (
	// GenesisHash is the HashPrev of the first event in a chain.
	GenesisHash = "sha256:genesis"

	// HashPrefix is prepended to all hash values.
	HashPrefix = "sha256:"
)

// chain links events: hash = SHA256(canonical_json || prev_hash).
type chain struct {
	mu       sync.Mutex
	lastHash string
}

// link sets the hash fields of event and returns its JSON line. Must be
// called with c.mu held.
func (c *chain) link(event *Event) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if c.lastHash == "" {
		c.lastHash = GenesisHash
	}
	event.HashPrev = c.lastHash
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	event.Hash = calculateHash(canonical, c.lastHash)
	line, err := event.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	c.lastHash = event.Hash
	return append(line, '\n'), nil
}

// LastHash returns the hash of the last linked event.
func (c *chain) LastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHash == "" {
		return GenesisHash
	}
	return c.lastHash
}

// FileWriter appends events to a JSONL file, syncing after each write.
type FileWriter struct {
	chain
	file *os.File
	path string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending. An existing log is continued
// from its last hash.
func NewFileWriter(path string) (*FileWriter, error) {
	lastHash := GenesisHash
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		h, err := readLastHash(data)
		if err != nil {
			return nil, fmt.Errorf("failed to read last hash from existing log: %w", err)
		}
		lastHash = h
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	w := &FileWriter{file: file, path: path}
	w.lastHash = lastHash
	return w, nil
}

func readLastHash(data []byte) (string, error) {
	var last []byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if last == nil {
		return GenesisHash, nil
	}
	var event struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(last, &event); err != nil {
		return "", fmt.Errorf("failed to parse last event: %w", err)
	}
	if event.Hash == "" {
		return "", fmt.Errorf("last event has no hash")
	}
	return event.Hash, nil
}

// Write appends the event and syncs the file.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("audit log %s is closed", w.path)
	}
	prev := w.lastHash
	line, err := w.link(event)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		w.lastHash = prev
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Path returns the file path of the audit log.
func (w *FileWriter) Path() string {
	return w.path
}

func calculateHash(data []byte, prevHash string) string {
	h := sha256.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte(prevHash))
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks the hash chain of an audit log file and returns the
// number of valid events.
func VerifyChain(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	expectedPrev := GenesisHash
	lineNum, valid := 0, 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return valid, fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		if event.HashPrev != expectedPrev {
			return valid, fmt.Errorf("line %d: hash chain broken: expected prev=%s, got prev=%s",
				lineNum, expectedPrev, event.HashPrev)
		}
		canonical, err := event.CanonicalJSON()
		if err != nil {
			return valid, fmt.Errorf("line %d: failed to serialize: %w", lineNum, err)
		}
		if got := calculateHash(canonical, event.HashPrev); event.Hash != got {
			return valid, fmt.Errorf("line %d: hash mismatch: expected=%s, got=%s", lineNum, got, event.Hash)
		}
		expectedPrev = event.Hash
		valid++
	}
	if err := scanner.Err(); err != nil {
		return valid, fmt.Errorf("scan error: %w", err)
	}
	return valid, nil
}
