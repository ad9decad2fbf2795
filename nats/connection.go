package eventuallynats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/logger"
)

var (
	_ eventlog.Connection = new(Connection)
	_ eventlog.Appender   = new(Connection)
)

// ErrConcurrentAppend is returned by Append when another writer
// appended to the same stream in the meantime.
var ErrConcurrentAppend = errors.New("eventuallynats: concurrent append on stream")

// Option customizes a Connection.
type Option func(*Connection)

// WithName sets the name the Connection is identified with in logs.
func WithName(name string) Option {
	return func(c *Connection) { c.name = name }
}

// WithStreamName sets the JetStream stream holding the Event Log.
func WithStreamName(name string) Option {
	return func(c *Connection) { c.stream = name }
}

// WithSubjectPrefix sets the prefix of the subjects records are published on.
func WithSubjectPrefix(prefix string) Option {
	return func(c *Connection) { c.prefix = prefix }
}

// WithStorage sets the storage of the streams created by the Connection.
func WithStorage(storage jetstream.StorageType) Option {
	return func(c *Connection) { c.storage = storage }
}

// WithLogger sets the logger used to report records that cannot be read.
func WithLogger(l logger.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// Connection is an eventlog.Connection backed by NATS JetStream.
//
// The Event Log is a single stream, where every record is published on
// "<prefix>.<category>.<stream>" with its identity carried in the headers.
// Category streams are subject filters, so "$by_category" needs no work
// besides the Event Log stream itself.
//
// Continuous projections are streams sourcing the subjects of their source
// streams, with their definition kept in the stream metadata; records of
// types the projection does not link are acknowledged and skipped by the workers.
// Persistent subscription groups are durable pull consumers on those streams.
//
// NewConnection takes over the disconnect handler of the NATS connection.
type Connection struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	name    string
	stream  string
	prefix  string
	storage jetstream.StorageType
	logger  logger.Logger

	ensureMx sync.Mutex
	ensured  bool

	observersMx  sync.Mutex
	observers    map[int]func()
	nextObserver int
}

// NewConnection returns a Connection using the NATS connection.
func NewConnection(nc *nats.Conn, opts ...Option) (*Connection, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("eventuallynats.NewConnection: failed to create jetstream context, %w", err)
	}

	c := &Connection{
		nc:        nc,
		js:        js,
		name:      nc.Opts.Name,
		stream:    DefaultStreamName,
		prefix:    DefaultSubjectPrefix,
		storage:   jetstream.FileStorage,
		observers: make(map[int]func()),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.name == "" {
		c.name = "nats"
	}

	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		logger.Warn(c.logger, "NATS connection lost",
			logger.With("connection", c.name),
			logger.Err(err),
		)

		c.disconnected()
	})

	return c, nil
}

// Name implements the eventlog.Connection interface.
func (c *Connection) Name() string { return c.name }

// Discovery implements the eventlog.Connection interface.
func (c *Connection) Discovery() []string { return c.nc.Servers() }

// OnDisconnect implements the eventlog.Connection interface.
func (c *Connection) OnDisconnect(fn func()) func() {
	c.observersMx.Lock()
	defer c.observersMx.Unlock()

	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn

	return func() {
		c.observersMx.Lock()
		defer c.observersMx.Unlock()

		delete(c.observers, id)
	}
}

func (c *Connection) disconnected() {
	c.observersMx.Lock()
	observers := make([]func(), 0, len(c.observers))

	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.observersMx.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// ensureStream creates the Event Log stream, once per Connection.
func (c *Connection) ensureStream(ctx context.Context) error {
	c.ensureMx.Lock()
	defer c.ensureMx.Unlock()

	if c.ensured {
		return nil
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.stream,
		Subjects:  []string{c.prefix + ".>"},
		Storage:   c.storage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream '%s', %w", c.stream, err)
	}

	c.ensured = true

	return nil
}

// EnableProjection implements the eventlog.Connection interface.
func (c *Connection) EnableProjection(ctx context.Context, name string) error {
	if name != eventlog.ByCategory {
		return fmt.Errorf("eventuallynats.Connection: failed to enable '%s', %w", name, eventlog.ErrProjectionNotFound)
	}

	if err := c.ensureStream(ctx); err != nil {
		return fmt.Errorf("eventuallynats.Connection: failed to enable '%s', %w", name, err)
	}

	return nil
}

// Append implements the eventlog.Appender interface.
//
// Records are published with the expected last sequence of the stream
// subject, so that concurrent writers on the same stream are detected
// and reported with ErrConcurrentAppend.
func (c *Connection) Append(ctx context.Context, streamID string, records ...eventlog.Record) ([]event.Recorded, error) {
	if streamID == "" || strings.HasPrefix(streamID, "$") {
		return nil, fmt.Errorf("eventuallynats.Connection: invalid stream name '%s'", streamID)
	}

	if err := c.ensureStream(ctx); err != nil {
		return nil, fmt.Errorf("eventuallynats.Connection: failed to append, %w", err)
	}

	stream, err := c.js.Stream(ctx, c.stream)
	if err != nil {
		return nil, fmt.Errorf("eventuallynats.Connection: failed to get stream, %w", err)
	}

	subject := subjectFor(c.prefix, streamID)

	var lastSeq, number uint64

	last, err := stream.GetLastMsgForSubject(ctx, subject)

	switch {
	case errors.Is(err, jetstream.ErrMsgNotFound):
	case err != nil:
		return nil, fmt.Errorf("eventuallynats.Connection: failed to read stream '%s', %w", streamID, err)
	default:
		lastSeq = last.Sequence

		if number, err = strconv.ParseUint(last.Header.Get(HeaderNumber), 10, 64); err != nil {
			return nil, fmt.Errorf("eventuallynats.Connection: invalid number on stream '%s', %w", streamID, err)
		}

		number++
	}

	recorded := make([]event.Recorded, 0, len(records))

	for _, r := range records {
		id := uuid.New()

		msg := nats.NewMsg(subject)
		msg.Data = r.Data
		msg.Header.Set(HeaderStreamID, streamID)
		msg.Header.Set(HeaderType, r.Type)
		msg.Header.Set(HeaderNumber, strconv.FormatUint(number, 10))
		msg.Header.Set(HeaderIsJSON, strconv.FormatBool(r.IsJSON))

		if len(r.Metadata) > 0 {
			msg.Header.Set(HeaderMetadata, base64.StdEncoding.EncodeToString(r.Metadata))
		}

		ack, err := c.js.PublishMsg(ctx, msg,
			jetstream.WithMsgID(id.String()),
			jetstream.WithExpectLastSequencePerSubject(lastSeq),
		)
		if err != nil {
			if isWrongLastSequence(err) {
				err = ErrConcurrentAppend
			}

			return recorded, fmt.Errorf("eventuallynats.Connection: failed to append to '%s', %w", streamID, err)
		}

		recorded = append(recorded, event.Recorded{
			ID:       id,
			StreamID: streamID,
			Number:   number,
			Position: event.Position(ack.Sequence),
			Type:     r.Type,
			Data:     r.Data,
			Metadata: r.Metadata,
			IsJSON:   r.IsJSON,
		})

		lastSeq = ack.Sequence
		number++
	}

	return recorded, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError

	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// recordFrom rebuilds a record of the Event Log from the message headers.
func recordFrom(header nats.Header, data []byte, position uint64) (event.Recorded, error) {
	id, err := uuid.Parse(header.Get(nats.MsgIdHdr))
	if err != nil {
		return event.Recorded{}, fmt.Errorf("invalid record id, %w", err)
	}

	streamID := header.Get(HeaderStreamID)
	if streamID == "" {
		return event.Recorded{}, errors.New("missing stream id")
	}

	number, err := strconv.ParseUint(header.Get(HeaderNumber), 10, 64)
	if err != nil {
		return event.Recorded{}, fmt.Errorf("invalid record number, %w", err)
	}

	var metadata []byte

	if encoded := header.Get(HeaderMetadata); encoded != "" {
		if metadata, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return event.Recorded{}, fmt.Errorf("invalid record metadata, %w", err)
		}
	}

	isJSON, _ := strconv.ParseBool(header.Get(HeaderIsJSON))

	return event.Recorded{
		ID:       id,
		StreamID: streamID,
		Number:   number,
		Position: event.Position(position),
		Type:     header.Get(HeaderType),
		Data:     data,
		Metadata: metadata,
		IsJSON:   isJSON,
	}, nil
}
