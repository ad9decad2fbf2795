package eventlog

import (
	"context"
	"errors"

	"github.com/get-eventually/go-eventually-dispatch/event"
)

var (
	// ErrProjectionNotFound is returned when querying a projection that does not exist.
	ErrProjectionNotFound = errors.New("eventlog: projection not found")

	// ErrProjectionExists is returned when creating a projection that already exists.
	ErrProjectionExists = errors.New("eventlog: projection already exists")

	// ErrSubscriptionExists is returned when creating a persistent subscription
	// group that already exists.
	ErrSubscriptionExists = errors.New("eventlog: persistent subscription already exists")

	// ErrStopped is returned when using a subscription or worker that has been stopped.
	ErrStopped = errors.New("eventlog: stopped")
)

// DropReason describes why a catch-up subscription was dropped.
type DropReason int

// All the reasons a subscription can be dropped for.
const (
	DropReasonUnknown DropReason = iota
	DropReasonUserInitiated
	DropReasonHandlerError
	DropReasonConnectionClosed
	DropReasonServerError
)

func (r DropReason) String() string {
	switch r {
	case DropReasonUserInitiated:
		return "UserInitiated"
	case DropReasonHandlerError:
		return "HandlerError"
	case DropReasonConnectionClosed:
		return "ConnectionClosed"
	case DropReasonServerError:
		return "ServerError"
	default:
		return "Unknown"
	}
}

// CatchUpSubscription is a subscription over all the records of the Event Log,
// replaying history from a position and then following new records live.
type CatchUpSubscription interface {
	// Stop stops the subscription. No callback is invoked after Stop returns,
	// except the one currently running, if Stop has been called from inside it.
	Stop()
}

// CatchUpHandlers are the callbacks invoked by a CatchUpSubscription.
//
// Callbacks of the same subscription are never invoked concurrently.
type CatchUpHandlers struct {
	// OnEvent is called for every record after the starting position.
	// Returning an error drops the subscription with DropReasonHandlerError.
	OnEvent func(sub CatchUpSubscription, e event.Resolved) error

	// OnLive is called once the subscription has replayed the history
	// and starts processing live records. Optional.
	OnLive func()

	// OnDropped is called once when the subscription terminates. Optional.
	OnDropped func(reason DropReason, err error)
}

// Worker is the handle of a single slot reading from a persistent subscription group.
type Worker interface {
	// Connect attaches the Worker to its group, after which records
	// start filling its buffer.
	Connect(ctx context.Context) error

	// TryDequeue returns the next buffered record, if any, without blocking.
	TryDequeue() (event.Resolved, bool)

	// Acknowledge marks a dequeued record as processed by the group.
	Acknowledge(ctx context.Context, e event.Resolved) error

	// Close detaches the Worker from the group. Records delivered but not
	// acknowledged are redelivered to the other members of the group.
	Close() error
}

// Connection is a connection to the Event Log.
type Connection interface {
	// Name identifies the connection in logs.
	Name() string

	// Discovery returns the cluster seeds used to reach the Event Log.
	// An empty list means the connection is not configured.
	Discovery() []string

	// SubscribeToAllFrom opens a catch-up subscription over all the records
	// with a position greater than the one specified.
	SubscribeToAllFrom(ctx context.Context, from event.Position, handlers CatchUpHandlers) (CatchUpSubscription, error)

	// EnableProjection enables one of the system projections, like "$by_category".
	EnableProjection(ctx context.Context, name string) error

	// GetProjectionQuery returns the definition of an existing projection,
	// or ErrProjectionNotFound.
	GetProjectionQuery(ctx context.Context, name string) (string, error)

	// CreateContinuousProjection creates a new projection, or returns ErrProjectionExists.
	CreateContinuousProjection(ctx context.Context, projection Projection) error

	// CreatePersistentSubscription creates a new consumer group on the stream,
	// or returns ErrSubscriptionExists.
	CreatePersistentSubscription(
		ctx context.Context,
		stream, group string,
		settings PersistentSubscriptionSettings,
	) error

	// NewWorker returns a new Worker for the group, with a buffer of the specified size.
	NewWorker(stream, group string, index, bufferSize int) Worker

	// OnDisconnect registers a function to call when the connection is lost.
	// The returned function removes the registration.
	OnDisconnect(fn func()) (cancel func())
}

// Appender is implemented by the Event Logs that can be written to.
type Appender interface {
	Append(ctx context.Context, streamID string, records ...Record) ([]event.Recorded, error)
}

// Record is a new record to append to the Event Log.
type Record struct {
	Type     string
	Data     []byte
	Metadata []byte
	IsJSON   bool
}
