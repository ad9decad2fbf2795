// Package eventlog describes the durable, globally ordered Event Log
// the subscription engines read from: catch-up subscriptions over all
// the records, continuous projections, persistent consumer groups and
// the worker handles used to receive and acknowledge their records.
//
// An in-memory implementation is available in the inmemory subpackage,
// while the nats package provides one backed by NATS JetStream.
package eventlog
