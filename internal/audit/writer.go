package audit

import "io"

// Writer persists audit events.
//
// Implementations must validate the event, set HashPrev and Hash, and
// return an error when the event could not be durably written.
type Writer interface {
	Write(event *Event) error
	Close() error

	// LastHash returns the hash of the last written event, or GenesisHash.
	LastHash() string
}

// NopWriter discards all events. Used when auditing is disabled.
type NopWriter struct{}

var _ Writer = (*NopWriter)(nil)

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// MultiWriter writes to several writers. A write fails if any fails.
type MultiWriter struct {
	writers []Writer
}

var _ Writer = (*MultiWriter)(nil)

// NewMultiWriter creates a writer that writes to all provided writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(event *Event) error {
	for _, w := range m.writers {
		if err := w.Write(event); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiWriter) Close() error {
	var lastErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (m *MultiWriter) LastHash() string {
	if len(m.writers) > 0 {
		return m.writers[0].LastHash()
	}
	return GenesisHash
}

// MemoryWriter keeps events in memory, chained like a FileWriter.
type MemoryWriter struct {
	chain
	Events []*Event
}

var _ Writer = (*MemoryWriter)(nil)

func (m *MemoryWriter) Write(event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.link(event); err != nil {
		return err
	}
	m.Events = append(m.Events, event)
	return nil
}

func (m *MemoryWriter) Close() error { return nil }

// Types returns the types of the written events, in order.
func (m *MemoryWriter) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.Events))
	for _, e := range m.Events {
		out = append(out, e.EventType)
	}
	return out
}

var _ io.Closer = (Writer)(nil)
