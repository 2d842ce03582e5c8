// Package storage persists the alarm table and the event log between restarts.
//
// Drivers:
//   - file: JSON snapshot files written atomically (temp file + rename)
//   - sqlite: SQLite database via modernc.org/sqlite (pure Go, no cgo)
//
// Both implement alarm.Persistence with whole-snapshot saves.
package storage
