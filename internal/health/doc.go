// Package health provides composable probes and the liveness and readiness
// handlers served on the ops listener.
//
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static); [Named]
// prefixes a failure with the component it came from. [ShutdownGate] fails
// readiness as soon as draining starts so load balancers stop routing new
// requests before the site listener shuts down.
package health
