package checkpoint

import (
	"context"
	"sync"

	"github.com/get-eventually/go-eventually-dispatch/event"
)

// Store persists the last position processed by an endpoint.
//
// Implementations must never move a checkpoint backwards: saving a position
// lower than the stored one leaves the stored one in place.
type Store interface {
	Load(ctx context.Context, endpoint string) (event.Position, error)
	Save(ctx context.Context, endpoint string, position event.Position) error
}

// Nop is a Store that does not save anything: every subscription
// using it starts from the beginning of the Event Log.
//
//nolint:gochecknoglobals // Stateless value.
var Nop Store = nop{}

type nop struct{}

func (nop) Load(context.Context, string) (event.Position, error) { return event.Start, nil }
func (nop) Save(context.Context, string, event.Position) error    { return nil }

// Fixed is a Store that always starts from the same position,
// discarding every save.
type Fixed struct{ StartingFrom event.Position }

// Load returns the fixed starting position.
func (f Fixed) Load(context.Context, string) (event.Position, error) { return f.StartingFrom, nil }

// Save does nothing.
func (Fixed) Save(context.Context, string, event.Position) error { return nil }

// InMemory is a thread-safe, volatile Store.
type InMemory struct {
	mx        sync.RWMutex
	positions map[string]event.Position
}

// NewInMemory returns an empty InMemory Store.
func NewInMemory() *InMemory {
	return &InMemory{positions: make(map[string]event.Position)}
}

// Load implements the Store interface.
func (s *InMemory) Load(_ context.Context, endpoint string) (event.Position, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.positions[endpoint], nil
}

// Save implements the Store interface.
func (s *InMemory) Save(_ context.Context, endpoint string, position event.Position) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if position > s.positions[endpoint] {
		s.positions[endpoint] = position
	}

	return nil
}
