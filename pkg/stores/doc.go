// Package stores keeps the history of deployment runs in SQLite.
//
// SQLiteStore holds three tables, created by embedded golang-migrate
// migrations: runs, the last known state of each step of a run, and an
// append-only event log. Recorder implements engine.EventSink and writes a
// run's history while it executes; ResumeSteps reads it back so a failed
// run can be resumed without repeating the steps that already succeeded.
package stores
