// Package stores provides the agent's execution journal.
//
// The journal is an append-only SQLite database (pure Go driver, WAL mode)
// holding one row per plan run and every telemetry event the agent emits.
// The schema is managed with embedded golang-migrate migrations.
//
// The journal is fed by subscribing a Journal to the telemetry event
// publisher:
//
//	store, _ := stores.NewSQLiteStore(stores.Config{Path: "/var/lib/froyo-agent/journal.db"})
//	_ = store.Init(ctx)
//	_ = store.Migrate(ctx)
//	stores.NewJournal(store, log).Attach(tel.Events)
//
// It is never read on the execution path; the plan files remain the source
// of truth for resumption. `froyo-agent status` reads it back with ListRuns
// and GetEvents.
package stores
