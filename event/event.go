// Package event contains the types describing committed records read
// from the Event Log, as delivered to the subscription engines.
package event

import (
	"strconv"

	"github.com/google/uuid"
)

// Position is the global, totally ordered cursor of a record in the Event Log.
//
// Positions are monotonic: a record committed after another one always has
// a greater Position. The zero value represents the position before
// the first record of the log.
type Position uint64

// Start is the Position before the first record in the Event Log.
const Start Position = 0

// String returns the decimal representation of the Position.
func (p Position) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// Recorded is a raw record committed in the Event Log.
type Recorded struct {
	// ID is the unique identifier of the record, assigned by the writer.
	ID uuid.UUID

	// StreamID is the name of the Event Stream the record belongs to.
	StreamID string

	// Number is the position of the record inside its own Event Stream,
	// starting from 0.
	Number uint64

	// Position is the global position of the record in the Event Log.
	Position Position

	// Type is the declared event type name.
	Type string

	// Data contains the (possibly compressed) payload bytes.
	Data []byte

	// Metadata contains the serialized envelope descriptor.
	Metadata []byte

	// IsJSON reports whether Data and Metadata are JSON documents.
	IsJSON bool
}

// Resolved is a record delivered by a subscription.
//
// When the subscription resolves links, Event is the record the link points to
// and Link is the link record itself.
type Resolved struct {
	Event Recorded
	Link  *Recorded
}

// OriginalPosition returns the Position of the record as seen
// by the stream the subscription is reading from.
func (r Resolved) OriginalPosition() Position {
	if r.Link != nil {
		return r.Link.Position
	}

	return r.Event.Position
}

// OriginalStreamID returns the name of the stream the subscription is reading from.
func (r Resolved) OriginalStreamID() string {
	if r.Link != nil {
		return r.Link.StreamID
	}

	return r.Event.StreamID
}
