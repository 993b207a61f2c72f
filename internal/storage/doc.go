// Package storage keeps an optional audit trail of job lifecycle events.
//
// Jobs themselves are never persisted; the trail answers "what ran, when and
// how did it end" after the process is gone. Two drivers exist: "file"
// (append-only JSON Lines) and "sqlite" (modernc.org/sqlite, pure Go).
package storage
