package eventlog

import (
	"fmt"
	"sort"
	"strings"
)

// ByCategory is the system projection linking every record of a stream
// named "<category>-<id>" into the "$ce-<category>" stream.
const ByCategory = "$by_category"

// CategoryStreamPrefix prefixes the streams maintained by ByCategory.
const CategoryStreamPrefix = "$ce-"

// Category returns the category of a stream, that is the part of its name
// before the first dash, or the whole name if there is none.
func Category(streamID string) string {
	if i := strings.IndexByte(streamID, '-'); i >= 0 {
		return streamID[:i]
	}

	return streamID
}

// Projection is a continuous projection linking the records of the
// specified types, read from the source streams, into a target stream.
type Projection struct {
	Name          string
	TargetStream  string
	SourceStreams []string
	EventTypes    []string
}

// Query renders the canonical definition of the Projection.
//
// Two projections with the same sources, types and target render
// the same Query, regardless of the order they have been listed with.
func (p Projection) Query() string {
	sources := quoteSorted(p.SourceStreams)
	types := quoteSorted(p.EventTypes)

	var b strings.Builder

	fmt.Fprintf(&b, "fromStreams([%s]).\n", strings.Join(sources, ","))
	b.WriteString("when({\n")

	for _, t := range types {
		fmt.Fprintf(&b, "\t%s: function(s, e) { linkTo(%q, e); },\n", t, p.TargetStream)
	}

	b.WriteString("});")

	return b.String()
}

// Matches reports whether a record of the specified type, read from
// the specified stream, is linked by the Projection.
func (p Projection) Matches(streamID, eventType string) bool {
	return contains(p.SourceStreams, streamID) && contains(p.EventTypes, eventType)
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}

	return false
}

func quoteSorted(values []string) []string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)

	quoted := make([]string, 0, len(sorted))
	for _, v := range sorted {
		quoted = append(quoted, fmt.Sprintf("%q", v))
	}

	return quoted
}
