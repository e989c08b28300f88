// Package trace provides transparent SQL tracing for modernc.org/sqlite.
//
// It registers a "sqlite-trace" driver wrapping the standard "sqlite"
// driver, intercepting every Exec and Query at the database/sql/driver
// level. No application code changes are needed beyond the driver name:
//
//	db, err := dbopen.Open(path, dbopen.WithDriver(trace.DriverName))
//
// Every statement is logged via slog with adaptive levels (Debug, Warn
// past the slow threshold, Error on failure). The active tool name and
// request ID are read from the context for correlation with MCP calls.
package trace

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the registered tracing driver.
const DriverName = "sqlite-trace"

const (
	// slowThreshold promotes a statement to Warn.
	slowThreshold = 100 * time.Millisecond

	// pragmaSkipBelow suppresses fast successful PRAGMA statements, which
	// the migration runner and the pool emit in bulk.
	pragmaSkipBelow = 10 * time.Millisecond
)

var (
	loggerMu sync.RWMutex
	logger   = slog.Default()
)

// SetLogger replaces the package logger. Defaults to slog.Default().
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func getLogger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func init() {
	sql.Register(DriverName, &tracingDriver{inner: &sqlite.Driver{}})
}
