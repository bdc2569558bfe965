package kvlogtable

import (
	"io"
	"os"
	"path/filepath"
)

// openLogFile ensures dir exists and opens (creating if absent) the
// schema's log file within it, returning the open handle and its
// resolved path.
func openLogFile(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", &FileSystemError{Path: dir, Operation: "mkdir", Err: err}
	}
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, "", &FileSystemError{Path: path, Operation: "open", Err: err}
	}
	return file, path, nil
}

// parseLogFile reads a log file in full and decodes every complete
// record in it. It never fails on a torn tail; it only fails when a
// complete record's payload cannot be deserialized.
func parseLogFile(path string, file *os.File) ([]wireEvent, bool, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, false, &FileSystemError{Path: path, Operation: "seek", Err: err}
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, false, &FileSystemError{Path: path, Operation: "read", Err: err}
	}
	return decodeLog(path, data)
}
