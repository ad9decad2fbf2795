package eventuallynats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourcePosition(t *testing.T) {
	seq, ok := sourcePosition("EVENTS 42 events.T3JkZXJz.> events.T3JkZXJz.>")
	assert.True(t, ok)
	assert.Equal(t, uint64(42), seq)

	_, ok = sourcePosition("")
	assert.False(t, ok)

	_, ok = sourcePosition("EVENTS nope")
	assert.False(t, ok)
}

func TestSubjects(t *testing.T) {
	subject := subjectFor("events", "Orders-1.eu")
	assert.Equal(t, "events."+token("Orders")+"."+token("Orders-1.eu"), subject)
	assert.NotContains(t, token("Orders-1.eu"), ".")

	assert.Equal(t, "events."+token("Orders")+".>", filterFor("events", "$ce-Orders"))
	assert.Equal(t, subject, filterFor("events", "Orders-1.eu"))

	assert.Equal(t, "Orders_1_PINNED", streamName("Orders.1.PINNED"))
	assert.Equal(t, "_ce-Orders", streamName("$ce-Orders"))
}
