// Package telemetry wires OpenTelemetry exporters and meters for the sandbox.
//
// It centralises trace provider setup and offers recording helpers for proxy
// invocations and policy decisions so operators can correlate denied calls
// and handler redirects with the code that attempted them.
package telemetry
