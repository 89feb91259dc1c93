// Package stores provides the persistence layer for runway.
//
// The SQLite store keeps the run history, per-node results, the event log,
// the last applied state of every resource per environment, and an audit
// trail. Schema changes are applied with embedded golang-migrate migrations.
//
// Recorder adapts a Store to the orchestrator's RunRecorder and
// EventPublisher interfaces.
package stores
