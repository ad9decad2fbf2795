package eventlog

import "time"

// ConsumerStrategy decides how a persistent subscription group spreads
// its records among the connected workers.
type ConsumerStrategy int

// Supported consumer strategies.
const (
	// RoundRobin delivers each record to the next worker with free capacity.
	RoundRobin ConsumerStrategy = iota

	// Pinned delivers all records of the same original stream to the same worker,
	// as long as the set of connected workers does not change.
	Pinned
)

func (s ConsumerStrategy) String() string {
	if s == Pinned {
		return "Pinned"
	}

	return "RoundRobin"
}

// PersistentSubscriptionSettings configures a persistent subscription group.
type PersistentSubscriptionSettings struct {
	StartFromBeginning bool
	MaxRetries         int
	ReadBatchSize      int
	LiveBufferSize     int
	MessageTimeout     time.Duration
	CheckpointAfter    time.Duration
	MaxCheckpointCount int
	ResolveLinkTos     bool
	ExtraStatistics    bool
	ConsumerStrategy   ConsumerStrategy
}
