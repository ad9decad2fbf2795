package message_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-eventually/go-eventually-dispatch/message"
)

func TestMetadata(t *testing.T) {
	t.Run("with on a nil map allocates it", func(t *testing.T) {
		var m message.Metadata
		m = m.With("key", "value")

		assert.Equal(t, message.Metadata{"key": "value"}, m)
	})

	t.Run("merge overrides existing keys", func(t *testing.T) {
		m := message.Metadata{"a": "1", "b": "2"}
		m = m.Merge(message.Metadata{"b": "3", "c": "4"})

		assert.Equal(t, message.Metadata{"a": "1", "b": "3", "c": "4"}, m)
	})

	t.Run("merge on a nil map does not alias the other map", func(t *testing.T) {
		other := message.Metadata{"a": "1"}

		var m message.Metadata
		m = m.Merge(other).With("b", "2")

		assert.Equal(t, message.Metadata{"a": "1"}, other)
		assert.Equal(t, message.Metadata{"a": "1", "b": "2"}, m)
	})

	t.Run("clone is independent from the original", func(t *testing.T) {
		m := message.Metadata{"a": "1"}
		clone := m.Clone().With("a", "2")

		v, ok := m.Get("a")
		assert.True(t, ok)
		assert.Equal(t, "1", v)
		assert.Equal(t, "2", clone["a"])
	})
}
