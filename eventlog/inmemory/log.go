// Package inmemory provides an in-memory eventlog.Connection, useful for
// tests and for running the subscription engines without external dependencies.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
)

// LinkEventType is the type of the records linking to a record of another stream.
const LinkEventType = "$>"

var (
	_ eventlog.Connection = new(Log)
	_ eventlog.Appender   = new(Log)
)

// entry is a record of a stream. Links point to the record they resolve to.
type entry struct {
	record event.Recorded
	target *event.Recorded
}

func (e entry) resolve(resolveLinks bool) event.Resolved {
	if e.target == nil || !resolveLinks {
		return event.Resolved{Event: e.record}
	}

	link := e.record

	return event.Resolved{Event: *e.target, Link: &link}
}

// Option customizes a Log.
type Option func(*Log)

// WithDiscovery sets the cluster seeds returned by Discovery.
// Calling it with no seeds simulates an unconfigured connection.
func WithDiscovery(seeds ...string) Option {
	return func(l *Log) {
		l.discovery = append([]string(nil), seeds...)
	}
}

// Log is a thread-safe, in-memory Event Log.
//
// Records are kept in memory for the lifetime of the Log. Category streams
// are maintained once the "$by_category" projection has been enabled, and
// continuous projections link the matching records into their target stream.
type Log struct {
	name      string
	discovery []string

	mx         sync.RWMutex
	position   event.Position
	all        []event.Recorded
	streams    map[string][]entry
	byCategory bool
	projs      map[string]eventlog.Projection
	groups     map[groupKey]*group
	appended   chan struct{}
	dropped    chan struct{}

	observersMx  sync.Mutex
	observers    map[int]func()
	nextObserver int
}

// NewLog returns an empty Log.
func NewLog(name string, opts ...Option) *Log {
	l := &Log{
		name:      name,
		discovery: []string{name},
		streams:   make(map[string][]entry),
		projs:     make(map[string]eventlog.Projection),
		groups:    make(map[groupKey]*group),
		appended:  make(chan struct{}),
		dropped:   make(chan struct{}),
		observers: make(map[int]func()),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name implements the eventlog.Connection interface.
func (l *Log) Name() string { return l.name }

// Discovery implements the eventlog.Connection interface.
func (l *Log) Discovery() []string {
	return append([]string(nil), l.discovery...)
}

// Append appends new records at the end of the stream, returning them
// as they have been recorded.
func (l *Log) Append(ctx context.Context, streamID string, records ...eventlog.Record) ([]event.Recorded, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("inmemory.Log: failed to append records, %w", err)
	}

	if strings.HasPrefix(streamID, "$") {
		return nil, fmt.Errorf("inmemory.Log: cannot append to system stream '%s'", streamID)
	}

	l.mx.Lock()
	defer l.mx.Unlock()

	recorded := make([]event.Recorded, 0, len(records))

	for _, r := range records {
		rec := l.write(streamID, entry{record: event.Recorded{
			ID:       uuid.New(),
			Type:     r.Type,
			Data:     r.Data,
			Metadata: r.Metadata,
			IsJSON:   r.IsJSON,
		}})

		l.all = append(l.all, rec)
		recorded = append(recorded, rec)

		if l.byCategory {
			l.link(eventlog.CategoryStreamPrefix+eventlog.Category(streamID), rec)
		}

		l.project(streamID, rec)
	}

	l.notify()

	return recorded, nil
}

// ReadStream returns all the records of a stream, resolving links.
func (l *Log) ReadStream(ctx context.Context, streamID string) ([]event.Resolved, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("inmemory.Log: failed to read stream, %w", err)
	}

	l.mx.RLock()
	defer l.mx.RUnlock()

	entries := l.streams[streamID]
	resolved := make([]event.Resolved, 0, len(entries))

	for _, e := range entries {
		resolved = append(resolved, e.resolve(true))
	}

	return resolved, nil
}

// EnableProjection implements the eventlog.Connection interface.
//
// Only "$by_category" is supported: enabling it links all the records
// already in the Log into their category streams.
func (l *Log) EnableProjection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inmemory.Log: failed to enable projection, %w", err)
	}

	if name != eventlog.ByCategory {
		return fmt.Errorf("inmemory.Log: failed to enable '%s', %w", name, eventlog.ErrProjectionNotFound)
	}

	l.mx.Lock()
	defer l.mx.Unlock()

	if l.byCategory {
		return nil
	}

	l.byCategory = true

	for _, rec := range append([]event.Recorded(nil), l.all...) {
		l.link(eventlog.CategoryStreamPrefix+eventlog.Category(rec.StreamID), rec)
	}

	l.notify()

	return nil
}

// GetProjectionQuery implements the eventlog.Connection interface.
func (l *Log) GetProjectionQuery(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("inmemory.Log: failed to get projection query, %w", err)
	}

	l.mx.RLock()
	defer l.mx.RUnlock()

	p, ok := l.projs[name]
	if !ok {
		return "", fmt.Errorf("inmemory.Log: failed to get '%s' query, %w", name, eventlog.ErrProjectionNotFound)
	}

	return p.Query(), nil
}

// CreateContinuousProjection implements the eventlog.Connection interface.
//
// The new projection processes the source streams from their beginning.
func (l *Log) CreateContinuousProjection(ctx context.Context, projection eventlog.Projection) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("inmemory.Log: failed to create projection, %w", err)
	}

	l.mx.Lock()
	defer l.mx.Unlock()

	if _, ok := l.projs[projection.Name]; ok {
		return fmt.Errorf("inmemory.Log: failed to create '%s', %w", projection.Name, eventlog.ErrProjectionExists)
	}

	l.projs[projection.Name] = projection

	for _, source := range projection.SourceStreams {
		for _, e := range append([]entry(nil), l.streams[source]...) {
			rec := e.record
			if e.target != nil {
				rec = *e.target
			}

			if projection.Matches(source, rec.Type) && projection.TargetStream != source {
				l.link(projection.TargetStream, rec)
			}
		}
	}

	l.notify()

	return nil
}

// OnDisconnect implements the eventlog.Connection interface.
func (l *Log) OnDisconnect(fn func()) (cancel func()) {
	l.observersMx.Lock()
	defer l.observersMx.Unlock()

	id := l.nextObserver
	l.nextObserver++
	l.observers[id] = fn

	return func() {
		l.observersMx.Lock()
		defer l.observersMx.Unlock()

		delete(l.observers, id)
	}
}

// Disconnect simulates the loss of the connection: all the registered
// observers are notified, and all the active catch-up subscriptions are
// dropped with eventlog.DropReasonConnectionClosed.
//
// New subscriptions can be opened after Disconnect returns.
func (l *Log) Disconnect() {
	l.mx.Lock()
	close(l.dropped)
	l.dropped = make(chan struct{})
	l.mx.Unlock()

	l.observersMx.Lock()
	observers := make([]func(), 0, len(l.observers))

	for _, fn := range l.observers {
		observers = append(observers, fn)
	}
	l.observersMx.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// write appends the entry to the stream. Must be called with the lock held.
func (l *Log) write(streamID string, e entry) event.Recorded {
	l.position++

	e.record.StreamID = streamID
	e.record.Number = uint64(len(l.streams[streamID]))
	e.record.Position = l.position

	l.streams[streamID] = append(l.streams[streamID], e)

	return e.record
}

// link appends a link to the target record. Must be called with the lock held.
func (l *Log) link(streamID string, target event.Recorded) {
	data := fmt.Sprintf("%d@%s", target.Number, target.StreamID)

	l.write(streamID, entry{
		record: event.Recorded{ID: uuid.New(), Type: LinkEventType, Data: []byte(data)},
		target: &target,
	})

	l.project(streamID, target)
}

// project links the record into the target stream of every projection
// reading from the stream. Must be called with the lock held.
func (l *Log) project(streamID string, rec event.Recorded) {
	names := make([]string, 0, len(l.projs))
	for name := range l.projs {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		p := l.projs[name]
		if p.TargetStream != streamID && p.Matches(streamID, rec.Type) {
			l.link(p.TargetStream, rec)
		}
	}
}

// notify wakes up subscriptions and groups. Must be called with the lock held.
func (l *Log) notify() {
	close(l.appended)
	l.appended = make(chan struct{})

	for _, g := range l.groups {
		g.pump(l.streams[g.key.stream])
	}
}
