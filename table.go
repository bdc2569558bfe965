package kvlogtable

import (
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const maxTableNameLength = 255

// tableHandle is the type-erased face Engine uses to drive replay,
// lock ordering, pending-batch collection, and compaction snapshots
// without knowing a table's K/V types. It is the Go substitute for the
// tagged-union "one variant per table" log entry spec.md describes:
// Go has no sum types, so dispatch happens through this interface
// instead of a match arm.
type tableHandle interface {
	setOrdinal(i int)
	ordinal() int
	name() string
	lockExclusive()
	unlockExclusive()
	applyReplay(ev wireEvent) error
	takePending() []wireEvent
	snapshotEvents() ([]wireEvent, error)
}

// Table is one declared (KeyType, ValueType) mapping. It owns an
// in-memory map guarded by a reader-writer lock and mirrors every
// mutation to the schema's shared Writer, exactly per spec.md §4.4.
type Table[K comparable, V any] struct {
	tableName     string
	tableOrdinal  int
	engine        *Engine
	writer        *Writer
	mu            sync.RWMutex
	data          map[K]V
	pending       []wireEvent
}

// NewTable declares a table named name on engine and registers it in
// the order it is called — that registration order is the schema's
// declaration order, used for lock ordering in transactions and
// compaction. Call NewTable for every table before calling
// engine.Replay.
func NewTable[K comparable, V any](engine *Engine, name string) (*Table[K, V], error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	t := &Table[K, V]{
		tableName: name,
		engine:    engine,
		writer:    engine.writer,
		data:      make(map[K]V),
	}
	engine.register(t)
	return t, nil
}

func validateTableName(name string) error {
	if name == "" {
		return &InvalidNameError{Name: name, Reason: "cannot be empty"}
	}
	if len(name) > maxTableNameLength {
		return &InvalidNameError{Name: name, Reason: "too long"}
	}
	if strings.ContainsAny(name, "\x00/\\") {
		return &InvalidNameError{Name: name, Reason: "contains a reserved character"}
	}
	return nil
}

// Get returns the value stored for key and whether it was present.
func (t *Table[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if err := t.engine.checkPoison(); err != nil {
		return zero, false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data[key]
	return v, ok, nil
}

// Exists reports whether key is present.
func (t *Table[K, V]) Exists(key K) (bool, error) {
	if err := t.engine.checkPoison(); err != nil {
		return false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.data[key]
	return ok, nil
}

// Insert stores value under key, returning the prior value if any.
// The map mutation and the log append both happen while the write lock
// is held, so the on-disk order of persisted events equals the order
// of successful mutations (spec.md §4.4's ordering guarantee). If the
// append fails, the in-memory insert has already happened — the error
// is still returned, and per spec.md §7 the caller should treat it as
// fatal and re-init from disk.
func (t *Table[K, V]) Insert(key K, value V) (V, bool, error) {
	var zero V
	if err := t.engine.checkPoison(); err != nil {
		return zero, false, err
	}
	keyBytes, err := msgpack.Marshal(key)
	if err != nil {
		return zero, false, &SerializeError{Op: "marshal key", Err: err}
	}
	valueBytes, err := msgpack.Marshal(value)
	if err != nil {
		return zero, false, &SerializeError{Op: "marshal value", Err: err}
	}

	t.mu.Lock()
	prior, existed := t.data[key]
	t.data[key] = value
	appendErr := t.writer.Append(wireEvent{
		Table: uint16(t.tableOrdinal),
		Kind:  uint8(kindInsert),
		Key:   keyBytes,
		Value: valueBytes,
	})
	t.mu.Unlock()

	if appendErr != nil {
		return prior, existed, &WrappedError{Operation: "insert", Table: t.tableName, Err: appendErr}
	}
	t.engine.metrics.observeOp(t.tableName, "insert")
	return prior, existed, nil
}

// Delete removes key, returning the prior value if any.
func (t *Table[K, V]) Delete(key K) (V, bool, error) {
	var zero V
	if err := t.engine.checkPoison(); err != nil {
		return zero, false, err
	}
	keyBytes, err := msgpack.Marshal(key)
	if err != nil {
		return zero, false, &SerializeError{Op: "marshal key", Err: err}
	}

	t.mu.Lock()
	prior, existed := t.data[key]
	delete(t.data, key)
	appendErr := t.writer.Append(wireEvent{
		Table: uint16(t.tableOrdinal),
		Kind:  uint8(kindDelete),
		Key:   keyBytes,
	})
	t.mu.Unlock()

	if appendErr != nil {
		return prior, existed, &WrappedError{Operation: "delete", Table: t.tableName, Err: appendErr}
	}
	t.engine.metrics.observeOp(t.tableName, "delete")
	return prior, existed, nil
}

// Len reports the number of keys currently in the table.
func (t *Table[K, V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data)
}

func (t *Table[K, V]) setOrdinal(i int) { t.tableOrdinal = i }
func (t *Table[K, V]) ordinal() int     { return t.tableOrdinal }
func (t *Table[K, V]) name() string     { return t.tableName }
func (t *Table[K, V]) lockExclusive()   { t.mu.Lock() }
func (t *Table[K, V]) unlockExclusive() { t.mu.Unlock() }

// applyReplay dispatches one decoded event into the in-memory map. It
// is only ever called during Engine.Replay, single-threaded, before any
// other goroutine can observe the table, so it takes no lock.
func (t *Table[K, V]) applyReplay(ev wireEvent) error {
	switch eventKind(ev.Kind) {
	case kindInsert:
		var key K
		var value V
		if err := msgpack.Unmarshal(ev.Key, &key); err != nil {
			return &WrappedError{Operation: "replay decode key", Table: t.tableName, Err: err}
		}
		if err := msgpack.Unmarshal(ev.Value, &value); err != nil {
			return &WrappedError{Operation: "replay decode value", Table: t.tableName, Err: err}
		}
		t.data[key] = value
	case kindDelete:
		var key K
		if err := msgpack.Unmarshal(ev.Key, &key); err != nil {
			return &WrappedError{Operation: "replay decode key", Table: t.tableName, Err: err}
		}
		delete(t.data, key)
	case kindClear:
		t.data = make(map[K]V)
	}
	return nil
}

// takePending pops and clears the table's buffered transaction events.
// Caller must hold the write lock.
func (t *Table[K, V]) takePending() []wireEvent {
	pending := t.pending
	t.pending = nil
	return pending
}

// snapshotEvents encodes the table's current contents as Insert events
// for compaction. Caller must hold the write lock.
func (t *Table[K, V]) snapshotEvents() ([]wireEvent, error) {
	events := make([]wireEvent, 0, len(t.data))
	for key, value := range t.data {
		keyBytes, err := msgpack.Marshal(key)
		if err != nil {
			return nil, &SerializeError{Op: "marshal key during compaction", Err: err}
		}
		valueBytes, err := msgpack.Marshal(value)
		if err != nil {
			return nil, &SerializeError{Op: "marshal value during compaction", Err: err}
		}
		events = append(events, wireEvent{
			Table: uint16(t.tableOrdinal),
			Kind:  uint8(kindInsert),
			Key:   keyBytes,
			Value: valueBytes,
		})
	}
	return events, nil
}
