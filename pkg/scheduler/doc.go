/*
Package scheduler is the trigger wheel and firing pipeline at the heart of
AntCode (spec.md §4.7, component C7): it turns a ScheduledTask's cron,
interval or date schedule into TaskExecution rows and routes each one to
local execution, the rule-execution gateway, or a remote node via the
dispatcher.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                    robfig/cron wheel                        │
	│         one entry per ScheduledTask.ID, plus one-shot       │
	│         timers for date triggers and scheduled retries      │
	└────────────────┬─────────────────────────────────────────────┘
	                 │ fires
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. load task + project; abort if inactive                 │
	│  2. de-duplicate against an in-flight execution             │
	│  3. create TaskExecution row                                │
	│  4. mark task running, stamp last_run_time                  │
	│  5. ask the resolver for a target node                      │
	│  6. branch: local / rule gateway / distributed dispatch     │
	│  7/8. synchronous outcome -> terminal state + retry decision│
	│  9. release the MAX_CONCURRENT_TASKS semaphore              │
	└────────────────┬─────────────────────────────────────────────┘
	                 │ distributed dispatch returns "pending"
	                 ▼
	        terminal state arrives later via
	        ingestion.Service's report-task callback
	        (Scheduler.HandleDistributedTerminal)

# Concurrency

A buffered channel of size MAX_CONCURRENT_TASKS gates every firing; a
trigger that fires while the channel is full blocks until a slot frees up,
rather than being dropped. Each firing runs in its own goroutine so the
cron wheel itself never blocks on the semaphore.

# Retries

Retry delay is pluggable (fixed / linear / exponential with jitter,
default exponential), bounded at a configured maximum. Each scheduled
retry is a one-shot timer keyed by (task_id, execution_id, attempt), which
cannot collide with the task's main schedule or with any other attempt.
Retries that exhaust the task's budget run a compensation handler (looked
up by project type) instead, if one was registered.

# Maintenance

The scheduler also owns periodic housekeeping unrelated to any single
task's schedule — workspace cleanup and monitoring-stream consolidation —
registered via RegisterMaintenanceJob on whatever cron spec the caller
chooses.
*/
package scheduler
