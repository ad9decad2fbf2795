// Package eventually contains the subscription engines delivering the
// records of an Event Log to the message handlers of an application.
//
// Two engines are available in the `subscription` package: the
// CompetingSubscriber, where the instances of an endpoint claim the domains
// of the records they see on a catch-up subscription, and the
// PersistentGroupSubscriber, consuming a persistent subscription group with
// multiple worker slots per connection, retries and acknowledgements.
//
// Records are opened with the `envelope` package and handed over to a
// `pipeline`. The Event Log is abstracted by the `eventlog` package, with
// an in-memory and a NATS JetStream implementation; checkpoints and domain
// claims can be kept in PostgreSQL, Firestore, NATS, Redis or Pebble.
package eventually
