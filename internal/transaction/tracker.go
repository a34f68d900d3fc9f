package transaction

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var (
	// ErrInUse indicates an active transaction with the same ID.
	ErrInUse = errors.New("transaction ID in use")

	// ErrNotFound indicates no active transaction with the ID.
	ErrNotFound = errors.New("unknown transaction")
)

// Tracker is a keyed store of active transactions. A single mutex guards
// the map; changes are applied by closures run under the lock, which must
// not block.
type Tracker struct {
	mu       sync.Mutex
	items    map[string]*Transaction
	wrappers map[string][]string

	expiry time.Duration
	now    func() time.Time

	// OnExpire, if set, is called outside the lock for each transaction
	// that expired.
	OnExpire func(Transaction)
}

// NewTracker creates a tracker whose transactions expire after expiry.
func NewTracker(expiry time.Duration) *Tracker {
	return &Tracker{
		items:    make(map[string]*Transaction),
		wrappers: make(map[string][]string),
		expiry:   expiry,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func (t *Tracker) expired(tx *Transaction, now time.Time) bool {
	return t.expiry > 0 && now.Sub(tx.Created) > t.expiry
}

// lookup returns the live transaction, dropping it if expired. Must be
// called with t.mu held.
func (t *Tracker) lookup(key string, gone *[]Transaction) *Transaction {
	tx, ok := t.items[key]
	if !ok {
		return nil
	}
	if t.expired(tx, t.now()) {
		t.remove(key)
		*gone = append(*gone, tx.clone())
		return nil
	}
	return tx
}

func (t *Tracker) remove(key string) {
	tx, ok := t.items[key]
	if !ok {
		return
	}
	delete(t.items, key)
	if tx.Wrapper == nil {
		return
	}
	wk := Key(tx.Wrapper)
	inner := t.wrappers[wk]
	for i, k := range inner {
		if k == key {
			inner = append(inner[:i], inner[i+1:]...)
			break
		}
	}
	if len(inner) == 0 {
		delete(t.wrappers, wk)
	} else {
		t.wrappers[wk] = inner
	}
}

func (t *Tracker) expire(gone []Transaction) {
	if t.OnExpire == nil {
		return
	}
	for _, tx := range gone {
		t.OnExpire(tx)
	}
}

// Begin registers a new transaction and lets init fill it in. It fails
// with ErrInUse when a live transaction has the same ID, and registers
// nothing when init returns an error.
func (t *Tracker) Begin(id []byte, init func(*Transaction) error) error {
	var gone []Transaction
	defer func() { t.expire(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(id)
	if t.lookup(key, &gone) != nil {
		return ErrInUse
	}
	now := t.now()
	tx := &Transaction{
		ID:             append([]byte(nil), id...),
		Status:         PendingUpstream,
		Created:        now,
		Updated:        now,
		SentDownstream: make(Fingerprints),
		SentUpstream:   make(Fingerprints),
	}
	if init != nil {
		if err := init(tx); err != nil {
			return err
		}
	}
	t.items[key] = tx
	t.index(key, tx.Wrapper)
	return nil
}

// Get returns a copy of a live transaction.
func (t *Tracker) Get(id []byte) (Transaction, bool) {
	var gone []Transaction
	defer func() { t.expire(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	tx := t.lookup(Key(id), &gone)
	if tx == nil {
		return Transaction{}, false
	}
	return tx.clone(), true
}

// Update applies fn to a live transaction. The transaction is left
// unchanged when fn returns an error.
func (t *Tracker) Update(id []byte, fn func(*Transaction) error) error {
	return t.apply(id, fn, false)
}

// Take applies fn to a live transaction and removes it if fn succeeds.
func (t *Tracker) Take(id []byte, fn func(*Transaction) error) error {
	return t.apply(id, fn, true)
}

func (t *Tracker) apply(id []byte, fn func(*Transaction) error, remove bool) error {
	var gone []Transaction
	defer func() { t.expire(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key(id)
	tx := t.lookup(key, &gone)
	if tx == nil {
		return ErrNotFound
	}
	work := tx.clone()
	if fn != nil {
		if err := fn(&work); err != nil {
			return err
		}
	}
	if remove {
		t.remove(key)
		return nil
	}
	work.Updated = t.now()
	if !bytes.Equal(work.Wrapper, tx.Wrapper) {
		t.remove(key)
		t.items[key] = tx
		t.index(key, work.Wrapper)
	}
	*tx = work
	return nil
}

func (t *Tracker) index(key string, wrapper []byte) {
	if wrapper == nil {
		return
	}
	wk := Key(wrapper)
	t.wrappers[wk] = append(t.wrappers[wk], key)
}

// Remove drops a transaction. Removing an unknown ID is a no-op.
func (t *Tracker) Remove(id []byte) {
	t.mu.Lock()
	t.remove(Key(id))
	t.mu.Unlock()
}

// Wrapped returns the IDs of the live transactions forwarded inside the
// nested message with the given ID.
func (t *Tracker) Wrapped(wrapperID []byte) [][]byte {
	var gone []Transaction
	defer func() { t.expire(gone) }()

	t.mu.Lock()
	defer t.mu.Unlock()

	keys := append([]string(nil), t.wrappers[Key(wrapperID)]...)
	var ids [][]byte
	for _, k := range keys {
		if tx := t.lookup(k, &gone); tx != nil {
			ids = append(ids, append([]byte(nil), tx.ID...))
		}
	}
	return ids
}

// Len returns the number of stored transactions, expired ones included
// until the next sweep.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Sweep removes all expired transactions and returns them.
func (t *Tracker) Sweep() []Transaction {
	var gone []Transaction

	t.mu.Lock()
	now := t.now()
	for key, tx := range t.items {
		if t.expired(tx, now) {
			gone = append(gone, tx.clone())
			t.remove(key)
		}
	}
	t.mu.Unlock()

	t.expire(gone)
	return gone
}
