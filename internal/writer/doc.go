// Package writer records topic events to PostgreSQL.
//
// EventWriter is subscribed to topics like any other handler. Events are
// copied into a bounded Queue so the dispatch path never waits on the
// database, then inserted in batches with pgx.Batch. Inserts are
// append-only and keyed by a per-event UUID.
package writer
