// Package eventuallynats contains the NATS JetStream implementations of
// eventlog.Connection, checkpoint.Store and claim.Registry.
package eventuallynats
