package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
)

const catchUpBatchSize = 64

// SubscribeToAllFrom implements the eventlog.Connection interface.
//
// Links are not delivered: the subscription only receives the records
// appended through Append.
func (l *Log) SubscribeToAllFrom(
	ctx context.Context,
	from event.Position,
	handlers eventlog.CatchUpHandlers,
) (eventlog.CatchUpSubscription, error) {
	if handlers.OnEvent == nil {
		return nil, errors.New("inmemory.Log: OnEvent handler is required")
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("inmemory.Log: failed to subscribe, %w", err)
	}

	l.mx.RLock()
	dropped := l.dropped
	l.mx.RUnlock()

	sub := &catchUp{
		log:      l,
		handlers: handlers,
		stop:     make(chan struct{}),
		dropped:  dropped,
	}

	go sub.run(ctx, from)

	return sub, nil
}

type catchUp struct {
	log      *Log
	handlers eventlog.CatchUpHandlers
	dropped  <-chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

// Stop implements the eventlog.CatchUpSubscription interface.
//
// Stop does not wait for a callback in progress, so it is safe to call it
// from inside one; no record is delivered after Stop returns.
func (s *catchUp) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *catchUp) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *catchUp) drop(reason eventlog.DropReason, err error) {
	if s.handlers.OnDropped != nil {
		s.handlers.OnDropped(reason, err)
	}
}

func (s *catchUp) run(ctx context.Context, from event.Position) {
	position, live := from, false

	for {
		records, appended := s.log.readAllAfter(position, catchUpBatchSize)

		if len(records) == 0 {
			if !live {
				live = true

				if s.handlers.OnLive != nil {
					s.handlers.OnLive()
				}
			}

			select {
			case <-appended:
				continue
			case <-s.stop:
				s.drop(eventlog.DropReasonUserInitiated, nil)
				return
			case <-s.dropped:
				s.drop(eventlog.DropReasonConnectionClosed, nil)
				return
			case <-ctx.Done():
				s.drop(eventlog.DropReasonUserInitiated, ctx.Err())
				return
			}
		}

		for _, rec := range records {
			if s.stopped() {
				s.drop(eventlog.DropReasonUserInitiated, nil)
				return
			}

			if err := s.handlers.OnEvent(s, event.Resolved{Event: rec}); err != nil {
				s.drop(eventlog.DropReasonHandlerError, err)
				return
			}

			position = rec.Position
		}
	}
}

// readAllAfter returns the records after the position, together with the
// channel closed on the next append.
func (l *Log) readAllAfter(position event.Position, limit int) ([]event.Recorded, <-chan struct{}) {
	l.mx.RLock()
	defer l.mx.RUnlock()

	i := sort.Search(len(l.all), func(i int) bool {
		return l.all[i].Position > position
	})

	end := min(i+limit, len(l.all))

	return append([]event.Recorded(nil), l.all[i:end]...), l.appended
}
