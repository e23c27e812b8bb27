/*
Package master is the top-level wiring for a single AntCode master
process: it constructs storage, cache, queue, registry, balancer, resolver,
projectsync, dispatcher, scheduler, checkpoint, ingestion, installkey and
security out of a pkg/config.Config, connects the cross-package hooks that
would otherwise create import cycles (checkpoint's retry trigger,
ingestion's terminal callback, install-key's node-registered callback),
and runs the resulting HTTP surface until told to stop.

One struct owns every subsystem and starts/stops them together, the same
single-process-owns-everything shape a raft-replicated cluster manager
would use, generalized down to AntCode's single-master task scheduler (see
DESIGN.md's pkg/master entry for what was dropped and why).
*/
package master
