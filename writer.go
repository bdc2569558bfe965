package kvlogtable

import (
	"os"
	"sync"
)

// Writer holds the schema's single append-only log file handle behind
// a mutex. Every Table of a schema shares one *Writer: in Go this is
// plain pointer sharing (the runtime keeps the file alive as long as
// any Table references it), unlike the Rust original's Arc<Mutex<File>>
// which needed an explicit refcount in a language without a GC.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func newWriter(file *os.File, path string) *Writer {
	return &Writer{file: file, path: path}
}

// Append persists a single table event as one framed record.
func (w *Writer) Append(ev wireEvent) error {
	return w.appendRecord(wireRecord{Batch: false, Events: []wireEvent{ev}})
}

// AppendBatch persists a slice of events as one framed batch record.
// Appending an empty batch is a no-op.
func (w *Writer) AppendBatch(events []wireEvent) error {
	if len(events) == 0 {
		return nil
	}
	return w.appendRecord(wireRecord{Batch: true, Events: events})
}

func (w *Writer) appendRecord(rec wireRecord) error {
	framed, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(framed); err != nil {
		return &FileSystemError{Path: w.path, Operation: "write", Err: err}
	}
	return nil
}

// swap replaces the guarded file handle, returning the previous one so
// the caller can close it. Only compaction calls this.
func (w *Writer) swap(file *os.File, path string) *os.File {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.file
	w.file = file
	w.path = path
	return old
}

// size reports the current on-disk size of the log file.
func (w *Writer) size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := w.file.Stat()
	if err != nil {
		return 0, &FileSystemError{Path: w.path, Operation: "stat", Err: err}
	}
	return info.Size(), nil
}
