// Package server exposes a policy engine over an HTTP JSON API.
//
// Routes:
//
//	POST /v1/invoke     call a sandboxed string as a function
//	POST /v1/check      report the policy decision for a name
//	GET  /v1/overrides  list classification override flags
//	PUT  /v1/overrides  change one override flag
//	GET  /v1/policy     current function lists and override flags
//	GET  /healthz       liveness
//	GET  /metrics       Prometheus metrics
package server
