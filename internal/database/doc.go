// Package database manages the PostgreSQL connection pool used by the
// topic recorder, and the topic_events table it writes to.
package database
