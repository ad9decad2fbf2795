package envelope

import (
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/get-eventually/go-eventually-dispatch/message"
	"github.com/get-eventually/go-eventually-dispatch/serde"
)

type registration struct {
	deserializer serde.Deserializer[message.Message, []byte]
	hierarchy    []string
}

// Registry holds the event types an endpoint can handle, together with
// the Deserializer used to decode their payload and their type hierarchy
// (the names of the more general types an event is also delivered as).
//
// Registry is safe for concurrent use.
type Registry struct {
	mx    sync.RWMutex
	types map[string]registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]registration)}
}

// Register adds an event type to the Registry, replacing any previous registration.
func (r *Registry) Register(
	eventType string,
	deserializer serde.Deserializer[message.Message, []byte],
	hierarchy ...string,
) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.types[eventType] = registration{
		deserializer: deserializer,
		hierarchy:    append([]string(nil), hierarchy...),
	}
}

// RegisterJSON registers an event type whose payload is a JSON document.
func RegisterJSON[T message.Message](r *Registry, eventType string, factory func() T, hierarchy ...string) {
	r.Register(eventType, serde.MapDeserializer[T, message.Message, []byte](
		serde.NewJSONDeserializer(factory),
		func(t T) message.Message { return t },
	), hierarchy...)
}

// ProtoMessage is a Protobuf message that can also be routed as a message.Message.
type ProtoMessage interface {
	message.Message
	proto.Message
}

// RegisterProtoJSON registers an event type whose payload is a Protobuf JSON document.
func RegisterProtoJSON[T ProtoMessage](r *Registry, eventType string, factory func() T, hierarchy ...string) {
	r.Register(eventType, serde.MapDeserializer[T, message.Message, []byte](
		serde.NewProtoJSONDeserializer(factory),
		func(t T) message.Message { return t },
	), hierarchy...)
}

// Knows reports whether the event type has been registered.
func (r *Registry) Knows(eventType string) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()

	_, ok := r.types[eventType]

	return ok
}

// Types returns the sorted list of registered event types.
func (r *Registry) Types() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	types := make([]string, 0, len(r.types))
	for eventType := range r.types {
		types = append(types, eventType)
	}

	sort.Strings(types)

	return types
}

// Hierarchy returns the event type followed by its registered hierarchy,
// without duplicates.
func (r *Registry) Hierarchy(eventType string) []string {
	r.mx.RLock()
	reg := r.types[eventType]
	r.mx.RUnlock()

	seen := map[string]struct{}{eventType: {}}
	hierarchy := []string{eventType}

	for _, name := range reg.hierarchy {
		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}
		hierarchy = append(hierarchy, name)
	}

	return hierarchy
}

// Decode decodes the payload of an event of the given type.
//
// A nil Message and no error are returned for unregistered types and
// for null payloads: these records carry nothing to dispatch.
func (r *Registry) Decode(eventType string, data []byte) (message.Message, error) {
	r.mx.RLock()
	reg, ok := r.types[eventType]
	r.mx.RUnlock()

	if !ok || serde.IsJSONNull(data) {
		return nil, nil //nolint:nilnil // Absence of payload is not an error.
	}

	msg, err := reg.deserializer.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("envelope.Registry: failed to decode '%s' payload, %w", eventType, err)
	}

	return msg, nil
}
