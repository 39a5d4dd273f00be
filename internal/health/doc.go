// Package health composes liveness and readiness probes and serves them.
//
// [All] combines probes and [Named] prefixes a probe's failure reason.
// [ShutdownGate] fails readiness while the process drains.
package health
