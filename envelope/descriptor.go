package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/get-eventually/go-eventually-dispatch/event"
	"github.com/get-eventually/go-eventually-dispatch/message"
	"github.com/get-eventually/go-eventually-dispatch/serde"
)

// ErrNotJSON is returned when opening a record that is not a JSON document.
var ErrNotJSON = errors.New("envelope: record is not json")

// Descriptor is the envelope metadata stored alongside every record payload.
type Descriptor struct {
	EntityType string           `json:"entityType,omitempty"`
	StreamType string           `json:"streamType,omitempty"`
	Version    int64            `json:"version,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Headers    message.Metadata `json:"headers,omitempty"`
	Compressed bool             `json:"compressed,omitempty"`
}

// Domain returns the domain the record was generated by, if any.
func (d Descriptor) Domain() (string, bool) {
	domain, ok := d.Headers[DomainHeader]
	if !ok || domain == "" {
		return "", false
	}

	return domain, true
}

//nolint:gochecknoglobals // Stateless serde.
var (
	descriptorSerde = serde.NewJSON(func() Descriptor { return Descriptor{} })
	compression     = serde.NewZstd()
)

// DecodeDescriptor decodes the Descriptor from the record metadata bytes.
func DecodeDescriptor(metadata []byte) (Descriptor, error) {
	if serde.IsJSONNull(metadata) {
		return Descriptor{}, fmt.Errorf("envelope.DecodeDescriptor: %w", ErrNotJSON)
	}

	descriptor, err := descriptorSerde.Deserialize(metadata)
	if err != nil {
		return Descriptor{}, fmt.Errorf("envelope.DecodeDescriptor: %w", err)
	}

	return descriptor, nil
}

// Compress compresses a payload with the algorithm used for flagged envelopes.
func Compress(data []byte) ([]byte, error) {
	return compression.Serialize(data)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	return compression.Deserialize(data)
}

// Encode builds the data and metadata bytes of a record to append to the log,
// compressing the payload when the Descriptor asks for it.
func Encode(descriptor Descriptor, payload []byte) (data, metadata []byte, err error) {
	data = payload

	if descriptor.Compressed {
		if data, err = Compress(payload); err != nil {
			return nil, nil, fmt.Errorf("envelope.Encode: failed to compress payload, %w", err)
		}
	}

	if metadata, err = descriptorSerde.Serialize(descriptor); err != nil {
		return nil, nil, fmt.Errorf("envelope.Encode: failed to serialize descriptor, %w", err)
	}

	return data, metadata, nil
}

// Open decodes the Descriptor of a recorded event and returns it together
// with the uncompressed payload.
func Open(rec event.Recorded) (Descriptor, []byte, error) {
	if !rec.IsJSON {
		return Descriptor{}, nil, fmt.Errorf("envelope.Open: %w", ErrNotJSON)
	}

	descriptor, err := DecodeDescriptor(rec.Metadata)
	if err != nil {
		return Descriptor{}, nil, fmt.Errorf("envelope.Open: %w", err)
	}

	data := rec.Data
	if descriptor.Compressed {
		if data, err = Decompress(data); err != nil {
			return Descriptor{}, nil, fmt.Errorf("envelope.Open: failed to decompress payload, %w", err)
		}
	}

	return descriptor, data, nil
}
