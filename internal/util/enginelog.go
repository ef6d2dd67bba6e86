// Package util provides the logging layers and transfer counters shared by
// the engine and the CLI driver.
package util

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// memoryEntries bounds the in-memory log buffer dumped by "show log".
const memoryEntries = 2048

// Engine is the structured event logger for the protocol engine. It writes
// formatted entries to a log file and retains the most recent ones in
// memory for on-demand dumping.
var Engine = newEngineLogger(".tcu.log")

// EngineLogger wraps a logrus logger with a bounded in-memory sink.
type EngineLogger struct {
	*log.Logger

	mu      sync.Mutex
	entries []string
	file    io.Closer
}

func newEngineLogger(path string) *EngineLogger {
	el := &EngineLogger{Logger: log.New()}
	el.Formatter = &log.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	el.Level = log.InfoLevel

	writers := []io.Writer{memorySink{el}}
	if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		writers = append(writers, f)
		el.file = f
	}
	el.Out = io.MultiWriter(writers...)
	return el
}

// memorySink appends each formatted entry to the logger's ring.
type memorySink struct {
	el *EngineLogger
}

func (s memorySink) Write(p []byte) (int, error) {
	s.el.mu.Lock()
	defer s.el.mu.Unlock()
	s.el.entries = append(s.el.entries, string(bytes.TrimRight(p, "\n")))
	if len(s.el.entries) > memoryEntries {
		s.el.entries = s.el.entries[len(s.el.entries)-memoryEntries:]
	}
	return len(p), nil
}

// Dump returns the retained log entries, oldest first.
func (el *EngineLogger) Dump() string {
	el.mu.Lock()
	defer el.mu.Unlock()
	return strings.Join(el.entries, "\n")
}

// Clear drops the retained entries.
func (el *EngineLogger) Clear() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.entries = nil
}

// SetLevelByName adjusts the engine log level. Accepted names: trace,
// debug, info, warn, error, critical.
func (el *EngineLogger) SetLevelByName(name string) error {
	lvl, ok := levelByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return errors.Errorf("unknown log level %q", name)
	}
	el.SetLevel(lvl)
	return nil
}

// critical maps to FatalLevel for filtering purposes only; the engine
// never calls Fatal* on this logger.
var levelByName = map[string]log.Level{
	"trace":    log.TraceLevel,
	"debug":    log.DebugLevel,
	"info":     log.InfoLevel,
	"warn":     log.WarnLevel,
	"error":    log.ErrorLevel,
	"critical": log.FatalLevel,
}
