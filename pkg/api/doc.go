/*
Package api implements AntCode's HTTP surface (spec.md §6.1): the REST
routes clients and workers use to manage scheduled tasks, administer and
dispatch to nodes, report log output and terminal status, and complete the
install-key self-registration handshake.

# Architecture

	┌──────────────────── CLIENT / worker ────────────────────┐
	│  net/http client, JSON bodies                            │
	└─────────────────────┬─────────────────────────────────────┘
	                      │ HTTP (net/http.ServeMux routing,
	                      │       Go 1.22+ method+path patterns)
	┌─────────────────────▼──── master process ───────────────┐
	│  pkg/api.Server                                           │
	│    - scheduler CRUD/control   -> pkg/scheduler             │
	│    - node admin/dispatch      -> pkg/registry, pkg/dispatcher│
	│    - worker reporting (HMAC)  -> pkg/ingestion, pkg/registry│
	│    - install-key handshake    -> pkg/installkey            │
	└────────────────────────────────────────────────────────────┘

Server is a thin routing and marshalling layer: every handler decodes a
request, calls exactly one collaborator method, and maps the result (or
error) back onto the wire. None of the domain logic described in spec.md
§4 lives in this package.

# Error mapping

Collaborators report failures as apperr.Error values carrying a
behavioural Kind (validation, conflict, not-found, node-unavailable, ...).
statusForKind is the one place in this codebase allowed to translate that
taxonomy into an HTTP status code (spec.md §7); writeError applies it
uniformly across every handler.

# Worker authentication

Every worker->master report (§6.1's /workers/report-* routes) is wrapped
in requireWorkerAuth, which builds a security.Request from the five HMAC
headers §6.3 specifies and delegates to security.Verifier — replay,
rate-limiting and signature checks all live in pkg/security, not here.
The request body is decoded once, before verification (it is part of the
signed payload), and threaded through to the handler via the request
context so handlers never re-read it.

# Health and metrics

HealthServer is a separate, smaller mux exposing /health (liveness),
/ready (storage reachability) and /metrics (prometheus/client_golang via
pkg/metrics), so it can be brought up independently of the rest of
Server's collaborators during startup.
*/
package api
