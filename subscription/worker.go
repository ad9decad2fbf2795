package subscription

import (
	"context"
	"sync/atomic"

	"github.com/get-eventually/go-eventually-dispatch/eventlog"
)

// workerSlot is a worker of a connection, owned by the scheduling loop.
type workerSlot struct {
	conn   string
	index  int
	worker eventlog.Worker

	// ctx is canceled when the connection is lost or the subscriber stops.
	ctx context.Context //nolint:containedctx // Lifetime of the connection.

	// busy is set while a dispatch of the slot is in flight.
	busy atomic.Bool
}
