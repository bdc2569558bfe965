package kvlogtable

import (
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
)

// Engine is the runtime for one schema: it owns the shared Writer, the
// ordered registry of tables that make up the schema, and replay/
// compaction orchestration. Users do not construct Engine directly —
// Open builds one, and the schema's own constructor (a small
// user-authored function, per spec.md §9's design note) calls NewTable
// once per declared table before calling Replay. See
// internal/worddb for a worked example.
type Engine struct {
	dir        string
	schemaFile string

	writer *Writer
	tables []tableHandle

	rawEvents       []wireEvent
	incompleteWrite bool

	config *Config

	poisoned atomic.Bool

	metrics *metricsSet

	bgOnce sync.Once
	bgStop chan struct{}
	bgWG   sync.WaitGroup
}

// Open opens (creating if absent) the log file for schema in dir and
// parses it, but does not replay events into any table yet — no
// tables exist until the caller registers them with NewTable. Call
// Replay once every table has been created.
//
// schema identifies the schema for on-disk naming: its dynamic type is
// inspected with reflect to derive a stable, module-qualified file
// name (spec.md §6), so passing a pointer to the caller's own Database
// struct type is the usual choice.
func Open(dir string, schema any, config *Config) (*Engine, error) {
	cfg := config.withDefaults()
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	name := schemaFileName(schema)
	cfg.Logger.Infof("opening schema %q in %s", name, dir)

	file, path, err := openLogFile(dir, name)
	if err != nil {
		cfg.Logger.Errorf("failed to open schema file: %v", err)
		return nil, err
	}

	events, incomplete, err := parseLogFile(path, file)
	if err != nil {
		file.Close()
		cfg.Logger.Errorf("failed to parse log: %v", err)
		return nil, err
	}
	if incomplete {
		cfg.Logger.Warningf("log %s has a torn trailing record, discarding it", path)
	}

	e := &Engine{
		dir:             dir,
		schemaFile:      name,
		writer:          newWriter(file, path),
		rawEvents:       events,
		incompleteWrite: incomplete,
		config:          cfg,
		metrics:         newMetrics(cfg.MetricsRegisterer),
		bgStop:          make(chan struct{}),
	}
	return e, nil
}

// schemaFileName derives a stable, human-readable, module-qualified
// file name from schema's dynamic type, normalizing path separators
// and dots to underscores so the result is a single valid path
// component (spec.md §6).
func schemaFileName(schema any) string {
	t := reflect.TypeOf(schema)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	var raw string
	if t == nil {
		raw = "schema"
	} else if t.PkgPath() == "" {
		raw = t.String()
	} else {
		raw = t.PkgPath() + "." + t.Name()
	}
	replacer := strings.NewReplacer("/", "_", ".", "_", "-", "_", " ", "_")
	return replacer.Replace(raw)
}

// register adds a table to the schema in call order; that order is
// its ordinal and the lock-acquisition order for every transaction and
// compaction. Only NewTable calls this.
func (e *Engine) register(h tableHandle) {
	h.setOrdinal(len(e.tables))
	e.tables = append(e.tables, h)
}

// Replay dispatches every event parsed at Open into the table that
// registered for its ordinal, in strict on-disk order. Call it once,
// after every table has been created with NewTable. Omitting a table
// that the log references is a structural error, reported as
// *StructuralSchemaError — the runtime analogue of the exhaustive-match
// check spec.md §4.6 expects at schema-assembly time.
func (e *Engine) Replay() error {
	for _, ev := range e.rawEvents {
		if int(ev.Table) >= len(e.tables) {
			return &StructuralSchemaError{Ordinal: int(ev.Table), TableCount: len(e.tables)}
		}
		if err := e.tables[ev.Table].applyReplay(ev); err != nil {
			return err
		}
	}
	e.rawEvents = nil
	return nil
}

// IncompleteWrite reports whether the log had a torn trailing record
// on load. It is not an error; per spec.md §7 it is informational.
func (e *Engine) IncompleteWrite() bool {
	return e.incompleteWrite
}

func (e *Engine) checkPoison() error {
	if e.poisoned.Load() {
		return &ErrLockPoisoned{}
	}
	return nil
}

func (e *Engine) poison() {
	e.poisoned.Store(true)
}

// Close stops the background compactor if one was started and closes
// the log file. There is no durability action beyond that: per
// spec.md §5, the log file is never explicitly synced by the core.
func (e *Engine) Close() error {
	e.bgOnce.Do(func() { close(e.bgStop) })
	e.bgWG.Wait()
	e.writer.mu.Lock()
	defer e.writer.mu.Unlock()
	return e.writer.file.Close()
}
