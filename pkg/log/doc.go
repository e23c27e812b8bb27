/*
Package log provides AntCode's structured logging, a thin wrapper around
rs/zerolog shared by every package in this module.

Init configures the process-wide Logger from a Config (level, JSON vs.
console output, destination writer); it is called once at startup by
cmd/antcode before any other package logs. Every other package logs
through a child logger scoped with one of the With* helpers
(WithComponent, WithNodeID, WithProjectID, WithTaskID, WithExecutionID)
rather than the global Logger directly, so log lines carry the fields
needed to correlate a task's scheduling, dispatch and execution across
the master and its workers.

Package-level Info/Debug/Warn/Error/Errorf/Fatal helpers exist for the
rare call site with no natural component scope (e.g. early in main
before any collaborator is constructed).
*/
package log
