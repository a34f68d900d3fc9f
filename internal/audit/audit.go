package audit

import (
	"fmt"
	"sync"
)

var (
	globalWriter Writer = NopWriter{}
	globalMu     sync.RWMutex
	enabled      bool
)

// Init installs the process-wide audit writer. A nil writer disables
// auditing.
func Init(w Writer) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if w == nil {
		globalWriter = NopWriter{}
		enabled = false
		return nil
	}
	globalWriter = w
	enabled = true
	return nil
}

// InitFile installs a FileWriter for path. An empty path disables auditing.
func InitFile(path string) error {
	if path == "" {
		return Init(nil)
	}
	w, err := NewFileWriter(path)
	if err != nil {
		return err
	}
	return Init(w)
}

// Close closes the process-wide writer and disables auditing.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	err := globalWriter.Close()
	globalWriter = NopWriter{}
	enabled = false
	return err
}

// Enabled returns whether a process-wide writer is installed.
func Enabled() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return enabled
}

// Log writes an event to the process-wide writer.
func Log(event *Event) error {
	globalMu.RLock()
	w := globalWriter
	globalMu.RUnlock()
	return w.Write(event)
}

// MustLog writes an event and wraps a failure so that the calling
// operation can fail with it.
func MustLog(event *Event) error {
	if err := Log(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

// Global returns a Writer forwarding to the process-wide writer installed
// by Init, whichever it is at write time.
func Global() Writer {
	return globalForwarder{}
}

type globalForwarder struct{}

func (globalForwarder) Write(e *Event) error { return Log(e) }
func (globalForwarder) Close() error         { return nil }
func (globalForwarder) LastHash() string {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalWriter.LastHash()
}
