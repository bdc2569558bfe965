package kvlogtable

import (
	"io"
	"log"
)

// Logger is the logging collaborator used by Engine. It mirrors the
// method shapes of bbolt.Logger so that a caller already using that
// interface for other embedded stores can pass the same implementation
// here without writing an adapter.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger adapts the standard library's *log.Logger to Logger.
type stdLogger struct {
	log *log.Logger
}

func (l *stdLogger) Debugf(format string, args ...interface{})   { l.log.Printf("DEBUG "+format, args...) }
func (l *stdLogger) Infof(format string, args ...interface{})    { l.log.Printf("INFO "+format, args...) }
func (l *stdLogger) Warningf(format string, args ...interface{}) { l.log.Printf("WARN "+format, args...) }
func (l *stdLogger) Errorf(format string, args ...interface{})   { l.log.Printf("ERROR "+format, args...) }

var discardLogger Logger = &stdLogger{log: log.New(io.Discard, "", 0)}

// NewStandardLogger returns a Logger that writes to the given
// *log.Logger. Passing nil uses log.Default().
func NewStandardLogger(l *log.Logger) Logger {
	if l == nil {
		l = log.Default()
	}
	return &stdLogger{log: l}
}
