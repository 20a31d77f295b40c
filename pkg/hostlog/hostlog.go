// Package hostlog implements the host CLI's five-severity structured
// log (spec §7: Debug/Info/Done/Warning/Error), a thin tagging layer
// over the stdlib log.Logger the teacher's own binaries use directly.
package hostlog

import (
	"log"
	"os"
)

// Logger tags every line with its severity, gated by a verbosity flag
// matching spec §6's ETX_OTA_VERBOSE build option: Debug lines are
// dropped unless verbose is set, the other four severities always print.
type Logger struct {
	l       *log.Logger
	verbose bool
}

// New wraps l (nil defaults to a logger over os.Stderr with the
// teacher's own Ldate|Ltime|Lmicroseconds flags).
func New(l *log.Logger, verbose bool) *Logger {
	if l == nil {
		l = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	}
	return &Logger{l: l, verbose: verbose}
}

// Debugf logs a [DEBU] line, suppressed unless the Logger is verbose.
func (lg *Logger) Debugf(format string, args ...any) {
	if lg.verbose {
		lg.l.Printf("[DEBU] "+format, args...)
	}
}

// Infof logs an [INFO] line.
func (lg *Logger) Infof(format string, args ...any) {
	lg.l.Printf("[INFO] "+format, args...)
}

// Donef logs a [DONE] line, for a successfully completed operation.
func (lg *Logger) Donef(format string, args ...any) {
	lg.l.Printf("[DONE] "+format, args...)
}

// Warningf logs a [WARN] line.
func (lg *Logger) Warningf(format string, args ...any) {
	lg.l.Printf("[WARN] "+format, args...)
}

// Errorf logs an [ERRO] line.
func (lg *Logger) Errorf(format string, args ...any) {
	lg.l.Printf("[ERRO] "+format, args...)
}
