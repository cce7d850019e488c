// Package governance holds the runtime safety controls the sandbox API applies
// in front of the policy engine. Today that is per-endpoint rate limiting,
// reconfigurable without dropping the state of existing buckets.
package governance
