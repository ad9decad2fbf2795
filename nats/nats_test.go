package eventuallynats_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	eventuallynats "github.com/get-eventually/go-eventually-dispatch/nats"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// startServer runs an embedded NATS server with JetStream enabled,
// shut down when the test completes.
func startServer(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	})
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns
}

func connect(t *testing.T, ns *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(ns.ClientURL(), nats.Name(t.Name()))
	require.NoError(t, err)

	t.Cleanup(nc.Close)

	return nc
}

func newConnection(t *testing.T, nc *nats.Conn) *eventuallynats.Connection {
	t.Helper()

	conn, err := eventuallynats.NewConnection(nc, eventuallynats.WithStorage(jetstream.MemoryStorage))
	require.NoError(t, err)

	return conn
}

func newBucket(t *testing.T, nc *nats.Conn, bucket string) jetstream.KeyValue {
	t.Helper()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	kv, err := js.CreateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.MemoryStorage,
	})
	require.NoError(t, err)

	return kv
}
