package trt

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Severity of a message sent to a Logger. The values follow the builder SDK severities.
//
//go:generate go tool enumer -type=Severity -trimprefix=Severity -transform=snake-upper logger.go
type Severity int

const (
	SeverityInternalError Severity = iota
	SeverityError
	SeverityWarning
	SeverityInfo
	SeverityVerbose
)

// Logger is the leveled diagnostic sink given to the builder and used by CalibrationResource for its dumps.
//
// It is called from the calibration worker as well as from the foreground, so implementations must be
// safe for concurrent use.
type Logger interface {
	Log(severity Severity, msg string)
}

// KlogLogger forwards messages to klog. Verbose messages are only emitted with klog verbosity >= 2.
type KlogLogger struct {
	// Name is prepended to every message, if set.
	Name string
}

// Log implements Logger.
func (l *KlogLogger) Log(severity Severity, msg string) {
	if l.Name != "" {
		msg = l.Name + ": " + msg
	}
	switch severity {
	case SeverityInternalError, SeverityError:
		klog.ErrorDepth(1, msg)
	case SeverityWarning:
		klog.WarningDepth(1, msg)
	case SeverityInfo:
		klog.InfoDepth(1, msg)
	default:
		if klog.V(2).Enabled() {
			klog.InfoDepth(1, msg)
		}
	}
}

// LogEntry is one message recorded by CaptureLogger.
type LogEntry struct {
	Severity Severity
	Msg      string
}

// CaptureLogger records every message in memory. Useful for tests and postmortem inspection.
type CaptureLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// Log implements Logger.
func (l *CaptureLogger) Log(severity Severity, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Severity: severity, Msg: msg})
}

// Entries returns a copy of the messages recorded so far.
func (l *CaptureLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Contains returns whether any recorded message contains substr.
func (l *CaptureLogger) Contains(substr string) bool {
	for _, e := range l.Entries() {
		if strings.Contains(e.Msg, substr) {
			return true
		}
	}
	return false
}

// logf formats and logs a message, tolerating a nil logger.
func logf(logger Logger, severity Severity, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Log(severity, fmt.Sprintf(format, args...))
}
