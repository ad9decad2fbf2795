package eventuallynats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/logger"
)

// GetProjectionQuery implements the eventlog.Connection interface.
func (c *Connection) GetProjectionQuery(ctx context.Context, name string) (string, error) {
	var (
		query string
		found bool
	)

	lister := c.js.ListStreams(ctx)

	// The lister channel is drained in full, so that its producer can terminate.
	for info := range lister.Info() {
		if info.Config.Metadata[metadataProjection] == name && !found {
			query, found = info.Config.Metadata[metadataQuery], true
		}
	}

	if err := lister.Err(); err != nil {
		return "", fmt.Errorf("eventuallynats.Connection: failed to list streams, %w", err)
	}

	if !found {
		return "", fmt.Errorf("eventuallynats.Connection: failed to get '%s', %w", name, eventlog.ErrProjectionNotFound)
	}

	return query, nil
}

// CreateContinuousProjection implements the eventlog.Connection interface.
//
// The projection is a stream named after its target, sourcing the
// subjects of the source streams from the Event Log stream, history included.
func (c *Connection) CreateContinuousProjection(ctx context.Context, p eventlog.Projection) error {
	if err := c.ensureStream(ctx); err != nil {
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s', %w", p.Name, err)
	}

	name := streamName(p.TargetStream)

	_, err := c.js.Stream(ctx, name)

	switch {
	case err == nil:
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s', %w", p.Name, eventlog.ErrProjectionExists)
	case !errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s', %w", p.Name, err)
	}

	if _, err := c.GetProjectionQuery(ctx, p.Name); err == nil {
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s', %w", p.Name, eventlog.ErrProjectionExists)
	}

	types := append([]string(nil), p.EventTypes...)
	sort.Strings(types)

	_, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:    name,
		Storage: c.storage,
		Sources: c.sources(p.SourceStreams),
		Metadata: map[string]string{
			metadataProjection: p.Name,
			metadataQuery:      p.Query(),
			metadataTarget:     p.TargetStream,
			metadataTypes:      strings.Join(types, ","),
		},
	})
	if err != nil {
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s', %w", p.Name, err)
	}

	return nil
}

func (c *Connection) sources(streams []string) []*jetstream.StreamSource {
	seen := make(map[string]struct{}, len(streams))
	sources := make([]*jetstream.StreamSource, 0, len(streams))

	for _, s := range streams {
		filter := filterFor(c.prefix, s)
		if _, ok := seen[filter]; ok {
			continue
		}

		seen[filter] = struct{}{}
		sources = append(sources, &jetstream.StreamSource{
			Name:          c.stream,
			FilterSubject: filter,
		})
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].FilterSubject < sources[j].FilterSubject
	})

	return sources
}

// CreatePersistentSubscription implements the eventlog.Connection interface.
//
// The group is a durable pull consumer with explicit acks. JetStream has no
// per-key placement for pull consumers, so the Pinned strategy is served
// like RoundRobin: records are handed to whichever worker pulls first.
// CheckpointAfter, MaxCheckpointCount and ExtraStatistics have no JetStream
// counterpart, since the server tracks every ack.
func (c *Connection) CreatePersistentSubscription(
	ctx context.Context,
	stream, group string,
	settings eventlog.PersistentSubscriptionSettings,
) error {
	jsStream, durable := streamName(stream), streamName(group)

	_, err := c.js.Consumer(ctx, jsStream, durable)

	switch {
	case err == nil:
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s' on '%s', %w",
			group, stream, eventlog.ErrSubscriptionExists)
	case !errors.Is(err, jetstream.ErrConsumerNotFound):
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s' on '%s', %w", group, stream, err)
	}

	if settings.ConsumerStrategy == eventlog.Pinned {
		logger.Debug(c.logger, "Pinned placement served as round robin",
			logger.With("stream", stream),
			logger.With("group", group),
		)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       settings.MessageTimeout,
		MaxAckPending: settings.LiveBufferSize,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}

	if settings.StartFromBeginning {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}

	if settings.MaxRetries > 0 {
		cfg.MaxDeliver = settings.MaxRetries + 1
	}

	if _, err := c.js.CreateConsumer(ctx, jsStream, cfg); err != nil {
		return fmt.Errorf("eventuallynats.Connection: failed to create '%s' on '%s', %w", group, stream, err)
	}

	return nil
}
