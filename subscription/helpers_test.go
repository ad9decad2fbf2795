package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-dispatch/config"
	"github.com/get-eventually/go-eventually-dispatch/envelope"
	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/eventlog"
	"github.com/get-eventually/go-eventually-dispatch/eventlog/inmemory"
	"github.com/get-eventually/go-eventually-dispatch/message"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func (orderPlaced) Name() string { return "OrderPlaced" }

type invoiceIssued struct {
	InvoiceID string `json:"invoiceId"`
}

func (invoiceIssued) Name() string { return "InvoiceIssued" }

func newRegistry() *envelope.Registry {
	registry := envelope.NewRegistry()
	envelope.RegisterJSON(registry, "OrderPlaced", func() orderPlaced { return orderPlaced{} }, "IOrderEvent")
	envelope.RegisterJSON(registry, "InvoiceIssued", func() invoiceIssued { return invoiceIssued{} })

	return registry
}

func testConfig() config.Subscriber {
	cfg := config.Default()
	cfg.ReadSize = 10
	cfg.BackpressureCooldown = 200 * time.Millisecond
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.IdleInterval = 10 * time.Millisecond
	cfg.ReadinessTimeout = 200 * time.Millisecond

	return cfg
}

// appendEvent appends a JSON record with the domain header, if a domain is specified.
func appendEvent(t *testing.T, log *inmemory.Log, streamID, eventType, domain, payload string) event.Recorded {
	t.Helper()

	descriptor := envelope.Descriptor{EntityType: "Order", Timestamp: time.Now().UTC()}
	if domain != "" {
		descriptor.Headers = message.Metadata{envelope.DomainHeader: domain}
	}

	data, metadata, err := envelope.Encode(descriptor, []byte(payload))
	require.NoError(t, err)

	recorded, err := log.Append(context.Background(), streamID, eventlog.Record{
		Type:     eventType,
		Data:     data,
		Metadata: metadata,
		IsJSON:   true,
	})
	require.NoError(t, err)

	return recorded[0]
}

type dispatch struct {
	msg        message.Message
	descriptor envelope.Descriptor
	at         time.Time
}

// recordingDispatcher records every dispatch, delegating the result to fn when set.
type recordingDispatcher struct {
	mx         sync.Mutex
	dispatches []dispatch
	fn         func(n int, msg message.Message) error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg message.Message, descriptor envelope.Descriptor) error {
	d.mx.Lock()
	defer d.mx.Unlock()

	d.dispatches = append(d.dispatches, dispatch{msg: msg, descriptor: descriptor, at: time.Now()})

	if d.fn != nil {
		return d.fn(len(d.dispatches), msg)
	}

	return nil
}

func (d *recordingDispatcher) all() []dispatch {
	d.mx.Lock()
	defer d.mx.Unlock()

	return append([]dispatch(nil), d.dispatches...)
}

func (d *recordingDispatcher) count() int {
	d.mx.Lock()
	defer d.mx.Unlock()

	return len(d.dispatches)
}

func (d *recordingDispatcher) domains() []string {
	var domains []string

	for _, d := range d.all() {
		domain, _ := d.descriptor.Domain()
		domains = append(domains, domain)
	}

	return domains
}
