package inmemory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
)

type groupKey struct {
	stream string
	group  string
}

// group is a persistent subscription group. All its fields are guarded
// by the Log lock.
type group struct {
	key      groupKey
	settings eventlog.PersistentSubscriptionSettings

	cursor   int
	retry    []entry
	members  []*worker
	next     int
	inflight map[uuid.UUID]*worker
	acks     map[uuid.UUID]int
}

func entryID(e entry) uuid.UUID { return e.record.ID }

func resolvedID(e event.Resolved) uuid.UUID {
	if e.Link != nil {
		return e.Link.ID
	}

	return e.Event.ID
}

// CreatePersistentSubscription implements the eventlog.Connection interface.
//
// MaxRetries and MessageTimeout are not enforced: records are redelivered
// only when the worker holding them is closed.
func (l *Log) CreatePersistentSubscription(
	ctx context.Context,
	stream, groupName string,
	settings eventlog.PersistentSubscriptionSettings,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inmemory.Log: failed to create persistent subscription, %w", err)
	}

	l.mx.Lock()
	defer l.mx.Unlock()

	key := groupKey{stream: stream, group: groupName}
	if _, ok := l.groups[key]; ok {
		return fmt.Errorf("inmemory.Log: failed to create '%s' on '%s', %w", groupName, stream, eventlog.ErrSubscriptionExists)
	}

	g := &group{
		key:      key,
		settings: settings,
		inflight: make(map[uuid.UUID]*worker),
		acks:     make(map[uuid.UUID]int),
	}

	if !settings.StartFromBeginning {
		g.cursor = len(l.streams[stream])
	}

	l.groups[key] = g

	return nil
}

// Acknowledged returns how many times each record of the group has been acknowledged,
// keyed by the identifier of the record read from the stream.
func (l *Log) Acknowledged(stream, groupName string) map[uuid.UUID]int {
	l.mx.RLock()
	defer l.mx.RUnlock()

	acks := make(map[uuid.UUID]int)

	if g, ok := l.groups[groupKey{stream: stream, group: groupName}]; ok {
		for id, count := range g.acks {
			acks[id] = count
		}
	}

	return acks
}

// pump moves records from the stream into the buffers of the connected members,
// until there is no more record to deliver or no member with free capacity.
func (g *group) pump(stream []entry) {
	for len(g.members) > 0 {
		var (
			e     entry
			retry = len(g.retry) > 0
		)

		switch {
		case retry:
			e = g.retry[0]
		case g.cursor < len(stream):
			e = stream[g.cursor]
		default:
			return
		}

		resolved := e.resolve(g.settings.ResolveLinkTos)

		w := g.choose(resolved)
		if w == nil {
			return
		}

		w.buffer <- resolved
		g.inflight[entryID(e)] = w

		if retry {
			g.retry = g.retry[1:]
		} else {
			g.cursor++
		}
	}
}

// choose returns the member the record should be delivered to,
// or nil if it has no free capacity.
func (g *group) choose(e event.Resolved) *worker {
	if g.settings.ConsumerStrategy == eventlog.Pinned {
		w := g.members[xxh3.HashString(e.Event.StreamID)%uint64(len(g.members))]
		if len(w.buffer) < cap(w.buffer) {
			return w
		}

		return nil
	}

	for i := range g.members {
		w := g.members[(g.next+i)%len(g.members)]
		if len(w.buffer) < cap(w.buffer) {
			g.next = (g.next + i + 1) % len(g.members)
			return w
		}
	}

	return nil
}

// NewWorker implements the eventlog.Connection interface.
func (l *Log) NewWorker(stream, groupName string, index, bufferSize int) eventlog.Worker {
	return &worker{
		log:    l,
		key:    groupKey{stream: stream, group: groupName},
		index:  index,
		buffer: make(chan event.Resolved, max(bufferSize, 1)),
	}
}

type worker struct {
	log    *Log
	key    groupKey
	index  int
	buffer chan event.Resolved

	// Guarded by the Log lock.
	connected bool
	closed    bool
}

// Connect implements the eventlog.Worker interface.
func (w *worker) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inmemory.Worker: failed to connect, %w", err)
	}

	w.log.mx.Lock()
	defer w.log.mx.Unlock()

	if w.closed {
		return fmt.Errorf("inmemory.Worker: failed to connect, %w", eventlog.ErrStopped)
	}

	g, ok := w.log.groups[w.key]
	if !ok {
		return fmt.Errorf("inmemory.Worker: group '%s' on '%s' does not exist", w.key.group, w.key.stream)
	}

	if w.connected {
		return nil
	}

	w.connected = true
	g.members = append(g.members, w)
	g.pump(w.log.streams[w.key.stream])

	return nil
}

// TryDequeue implements the eventlog.Worker interface.
func (w *worker) TryDequeue() (event.Resolved, bool) {
	select {
	case e := <-w.buffer:
		return e, true
	default:
		return event.Resolved{}, false
	}
}

// Acknowledge implements the eventlog.Worker interface.
func (w *worker) Acknowledge(ctx context.Context, e event.Resolved) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inmemory.Worker: failed to acknowledge, %w", err)
	}

	w.log.mx.Lock()
	defer w.log.mx.Unlock()

	if w.closed {
		return fmt.Errorf("inmemory.Worker: failed to acknowledge, %w", eventlog.ErrStopped)
	}

	g, ok := w.log.groups[w.key]
	if !ok {
		return fmt.Errorf("inmemory.Worker: group '%s' on '%s' does not exist", w.key.group, w.key.stream)
	}

	id := resolvedID(e)
	if g.inflight[id] == w {
		delete(g.inflight, id)
	}

	g.acks[id]++
	g.pump(w.log.streams[w.key.stream])

	return nil
}

// Close implements the eventlog.Worker interface.
//
// Records still in the buffer, or dequeued and not acknowledged,
// are redelivered to the remaining members of the group.
func (w *worker) Close() error {
	w.log.mx.Lock()
	defer w.log.mx.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	g, ok := w.log.groups[w.key]
	if !ok || !w.connected {
		return nil
	}

	for i, member := range g.members {
		if member == w {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}

	if len(g.members) > 0 {
		g.next %= len(g.members)
	} else {
		g.next = 0
	}

	// Buffered records are drained so that they are not delivered twice.
	for len(w.buffer) > 0 {
		<-w.buffer
	}

	stream := w.log.streams[w.key.stream]

	var redeliver []entry

	for _, e := range stream[:g.cursor] {
		if g.inflight[entryID(e)] == w {
			delete(g.inflight, entryID(e))
			redeliver = append(redeliver, e)
		}
	}

	for _, e := range g.retry {
		redeliver = append(redeliver, e)
	}

	g.retry = redeliver
	g.pump(stream)

	return nil
}
