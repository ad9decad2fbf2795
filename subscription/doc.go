// Package subscription contains the engines reading committed events
// from the Event Log and delivering them, at least once, to the business
// handlers.
//
// CompetingSubscriber follows all the records of the Event Log through
// a catch-up subscription, and processes only the records of the domains
// it has claimed: sibling instances sharing the same claim.Registry split
// the domains among themselves.
//
// PersistentGroupSubscriber reads the records of the handled event types
// from a persistent consumer group, on one or more Event Log connections,
// retrying failed deliveries and acknowledging them once processed.
package subscription
