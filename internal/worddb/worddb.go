// Package worddb is a small worked schema exercising every operation
// kvlogtable provides: two tables (word_counts<string,uint64> and
// tally<string,int64>), single-table mutation, multi-table
// transactions, compaction, and reopen/replay. It is modeled directly
// on the teacher's own TestUser fixture (database_test.go) and on the
// word_counts schema used throughout the Rust original this module was
// distilled from (original_source/tests/schema_tests.rs).
package worddb

import (
	"time"

	"github.com/kvlogtable/kvlogtable"
)

// Database is a user-authored schema: one named field per declared
// table, built by calling kvlogtable.NewTable once per table in a
// fixed order. This hand-wiring is the Go substitute for the
// compile-time schema macro spec.md §9 describes — spec.md's own
// design notes call this out as an acceptable target-language
// substitute.
type Database struct {
	engine *kvlogtable.Engine

	WordCounts *kvlogtable.Table[string, uint64]
	Tally      *kvlogtable.Table[string, int64]
}

// Open opens or creates the database at dir with default configuration.
func Open(dir string) (*Database, error) {
	return OpenWithConfig(dir, nil)
}

// OpenWithConfig opens or creates the database at dir, applying config.
func OpenWithConfig(dir string, config *kvlogtable.Config) (*Database, error) {
	engine, err := kvlogtable.Open(dir, (*Database)(nil), config)
	if err != nil {
		return nil, err
	}

	wordCounts, err := kvlogtable.NewTable[string, uint64](engine, "word_counts")
	if err != nil {
		return nil, err
	}
	tally, err := kvlogtable.NewTable[string, int64](engine, "tally")
	if err != nil {
		return nil, err
	}

	if err := engine.Replay(); err != nil {
		return nil, err
	}

	return &Database{engine: engine, WordCounts: wordCounts, Tally: tally}, nil
}

// IncompleteWrite reports whether the log had a torn trailing record on load.
func (db *Database) IncompleteWrite() bool { return db.engine.IncompleteWrite() }

// Compact rewrites the log to a minimal equivalent of the current state.
func (db *Database) Compact() error { return db.engine.Compact() }

// StartBackgroundCompactor periodically compacts the log until the
// returned function is called or the database is closed.
func (db *Database) StartBackgroundCompactor(interval time.Duration) func() {
	return db.engine.StartBackgroundCompactor(interval)
}

// Close stops any background compactor and closes the log file.
func (db *Database) Close() error { return db.engine.Close() }

// Tx is the transaction view over Database: one TransactionTable field
// per declared table, mirroring Database's own field layout.
type Tx struct {
	WordCounts *kvlogtable.TransactionTable[string, uint64]
	Tally      *kvlogtable.TransactionTable[string, int64]
}

// Transaction runs fn with every table locked, committing fn's buffered
// writes as a single batch record if and only if fn returns nil.
func (db *Database) Transaction(fn func(tx *Tx) error) error {
	return db.engine.Transaction(func(txn *kvlogtable.Txn) error {
		tx := &Tx{
			WordCounts: kvlogtable.ForTx(txn, db.WordCounts),
			Tally:      kvlogtable.ForTx(txn, db.Tally),
		}
		return fn(tx)
	})
}
