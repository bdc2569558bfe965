package kvlogtable

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Txn marks that its holder is running inside Engine.Transaction, with
// every registered table's write lock already held. It carries no
// state beyond that; TransactionTable wrappers are constructed against
// it purely so the type system nudges callers toward calling ForTx
// only from inside a transaction closure.
type Txn struct {
	engine *Engine
}

// ForTx returns a typed view of table for use inside a transaction
// closure. It must only be called with the *Txn passed into that
// closure and a table that was registered on the same engine;
// otherwise its reads and writes touch a table whose lock the
// transaction does not hold.
func ForTx[K comparable, V any](tx *Txn, table *Table[K, V]) *TransactionTable[K, V] {
	return &TransactionTable[K, V]{table: table}
}

// TransactionTable is a typed view over a Table for use inside a
// transaction closure. Reads see the live, exclusively-locked map;
// writes mutate it in place and buffer an event that Engine.Transaction
// persists as part of the commit's single batch record, per spec.md
// §4.5 — the Go equivalent of original_source/src/transaction.rs's
// TransactionTable, translated from borrow-checked field access to an
// explicit wrapper around the already-locked Table.
type TransactionTable[K comparable, V any] struct {
	table *Table[K, V]
}

// Get returns the value for key and whether it is present.
func (tt *TransactionTable[K, V]) Get(key K) (V, bool) {
	v, ok := tt.table.data[key]
	return v, ok
}

// GetAll returns a copy of every key/value pair currently in the table.
func (tt *TransactionTable[K, V]) GetAll() map[K]V {
	out := make(map[K]V, len(tt.table.data))
	for k, v := range tt.table.data {
		out[k] = v
	}
	return out
}

// Keys returns every key currently in the table, in unspecified order.
func (tt *TransactionTable[K, V]) Keys() []K {
	keys := make([]K, 0, len(tt.table.data))
	for k := range tt.table.data {
		keys = append(keys, k)
	}
	return keys
}

// Exists reports whether key is present.
func (tt *TransactionTable[K, V]) Exists(key K) bool {
	_, ok := tt.table.data[key]
	return ok
}

// Insert stores value under key and buffers the corresponding event.
func (tt *TransactionTable[K, V]) Insert(key K, value V) error {
	keyBytes, err := msgpack.Marshal(key)
	if err != nil {
		return &SerializeError{Op: "marshal key", Err: err}
	}
	valueBytes, err := msgpack.Marshal(value)
	if err != nil {
		return &SerializeError{Op: "marshal value", Err: err}
	}
	tt.table.data[key] = value
	tt.table.pending = append(tt.table.pending, wireEvent{
		Table: uint16(tt.table.tableOrdinal),
		Kind:  uint8(kindInsert),
		Key:   keyBytes,
		Value: valueBytes,
	})
	return nil
}

// Delete removes key and buffers the corresponding event.
func (tt *TransactionTable[K, V]) Delete(key K) error {
	keyBytes, err := msgpack.Marshal(key)
	if err != nil {
		return &SerializeError{Op: "marshal key", Err: err}
	}
	delete(tt.table.data, key)
	tt.table.pending = append(tt.table.pending, wireEvent{
		Table: uint16(tt.table.tableOrdinal),
		Kind:  uint8(kindDelete),
		Key:   keyBytes,
	})
	return nil
}

// Clear empties the table and buffers a Clear event.
func (tt *TransactionTable[K, V]) Clear() {
	tt.table.data = make(map[K]V)
	tt.table.pending = append(tt.table.pending, wireEvent{
		Table: uint16(tt.table.tableOrdinal),
		Kind:  uint8(kindClear),
	})
}

// Transaction acquires an exclusive lock on every registered table in
// declaration order, runs fn against a Txn, and — only if fn returns
// without error — appends every table's buffered events as one batch
// record, per spec.md §4.5. Locks release in reverse declaration order
// once fn and the commit append have both run.
//
// If fn returns a non-nil error, none of its buffered events are
// persisted; whatever in-memory mutations it made through a
// TransactionTable remain (Table has no in-memory undo log, matching
// the single-table divergence-on-failure behavior spec.md §7 already
// accepts for Insert/Delete).
//
// If fn panics, the engine is marked poisoned before the panic
// propagates: every subsequent Table or Transaction call on this
// engine returns *ErrLockPoisoned, the Go stand-in for spec.md's lock
// poisoning (Go's sync.RWMutex, unlike Rust's, does not poison itself).
func (e *Engine) Transaction(fn func(tx *Txn) error) (err error) {
	if perr := e.checkPoison(); perr != nil {
		return perr
	}
	start := time.Now()
	defer func() { e.metrics.transactionDurations.Observe(time.Since(start).Seconds()) }()

	for _, h := range e.tables {
		h.lockExclusive()
	}
	defer func() {
		if r := recover(); r != nil {
			e.poison()
			for _, h := range e.tables {
				h.takePending()
			}
			for i := len(e.tables) - 1; i >= 0; i-- {
				e.tables[i].unlockExclusive()
			}
			panic(r)
		}
		for i := len(e.tables) - 1; i >= 0; i-- {
			e.tables[i].unlockExclusive()
		}
	}()

	tx := &Txn{engine: e}
	if err = fn(tx); err != nil {
		for _, h := range e.tables {
			h.takePending()
		}
		return err
	}

	var batch []wireEvent
	for _, h := range e.tables {
		batch = append(batch, h.takePending()...)
	}
	if len(batch) == 0 {
		return nil
	}
	if err = e.writer.AppendBatch(batch); err != nil {
		return err
	}
	e.metrics.observeTransaction()
	return nil
}
