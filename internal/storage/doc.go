// Package storage persists the local side of the notification subsystem:
// per-recipient in-app inboxes, scheduled entries and the delivery audit log.
//
// Drivers:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": modernc.org/sqlite database file (WAL)
package storage
