package kvlogtable

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Compact replaces the schema's log with a minimal equivalent: one
// batch record containing an Insert for every (key, value) currently
// held by every table, in declaration order. Deletes are never
// emitted — an absent key simply never appears. This is spec.md §4.7
// verbatim, including its accepted failure windows:
//
//   - a crash between writing the new file and the rename-away step
//     leaves the canonical file untouched and leaks the new file;
//   - a crash between the two renames leaves the canonical name
//     briefly absent, so the next Open starts from an empty log — this
//     is the data-loss window spec.md §9 flags as an accepted
//     limitation, narrowed but not closed by Config.FsyncOnCompact;
//   - a crash between the rename-in and removing the old-temp file
//     leaks the old-temp file until it is cleaned up by hand.
func (e *Engine) Compact() error {
	if err := e.checkPoison(); err != nil {
		return err
	}

	for _, h := range e.tables {
		h.lockExclusive()
	}
	defer func() {
		for i := len(e.tables) - 1; i >= 0; i-- {
			e.tables[i].unlockExclusive()
		}
	}()

	var batch []wireEvent
	for _, h := range e.tables {
		events, err := h.snapshotEvents()
		if err != nil {
			return err
		}
		batch = append(batch, events...)
	}

	framed, err := encodeRecord(wireRecord{Batch: true, Events: batch})
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(e.dir, uuid.NewString())
	newFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &FileSystemError{Path: tmpPath, Operation: "create", Err: err}
	}
	if _, err := newFile.Write(framed); err != nil {
		newFile.Close()
		os.Remove(tmpPath)
		return &FileSystemError{Path: tmpPath, Operation: "write", Err: err}
	}
	if e.config.FsyncOnCompact {
		if err := newFile.Sync(); err != nil {
			newFile.Close()
			os.Remove(tmpPath)
			return &FileSystemError{Path: tmpPath, Operation: "fsync", Err: err}
		}
	}

	canonicalPath := filepath.Join(e.dir, e.schemaFile)
	oldTempPath := filepath.Join(e.dir, uuid.NewString())

	if err := os.Rename(canonicalPath, oldTempPath); err != nil {
		newFile.Close()
		os.Remove(tmpPath)
		return &FileSystemError{Path: canonicalPath, Operation: "rename-away", Err: err}
	}
	if err := os.Rename(tmpPath, canonicalPath); err != nil {
		// Best-effort: restore the prior file so the schema keeps a
		// canonical log rather than losing it outright.
		os.Rename(oldTempPath, canonicalPath)
		newFile.Close()
		return &FileSystemError{Path: tmpPath, Operation: "rename-in", Err: err}
	}

	old := e.writer.swap(newFile, canonicalPath)
	old.Close()
	os.Remove(oldTempPath)

	e.metrics.compactions.Inc()
	if size, err := e.writer.size(); err == nil {
		e.metrics.logBytes.Set(float64(size))
	}
	return nil
}

// StartBackgroundCompactor spawns a goroutine that runs Compact every
// interval for the lifetime of the Engine, or until the returned stop
// function is called. spec.md notes the source this is modeled on has
// no stop channel and that implementations may add one; this one does,
// borrowing the teacher's own closeChannel/closeWaitGroup shutdown
// pattern from its flushWAL goroutine. An error from Compact is fatal
// to the worker — it logs and returns, per spec.md §4.7/§7 — the
// caller must call StartBackgroundCompactor again to resume
// compaction.
func (e *Engine) StartBackgroundCompactor(interval time.Duration) (stop func()) {
	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.Compact(); err != nil {
					e.config.Logger.Errorf("background compaction failed, worker stopping: %v", err)
					return
				}
			case <-e.bgStop:
				return
			}
		}
	}()
	return func() {
		e.bgOnce.Do(func() { close(e.bgStop) })
		e.bgWG.Wait()
	}
}
