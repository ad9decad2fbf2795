package eventuallynats

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/get-eventually/go-eventually-dispatch/eventlog"
)

// Headers carried by every record published on the Event Log stream.
const (
	HeaderStreamID = "Eventually-Stream-Id"
	HeaderType     = "Eventually-Event-Type"
	HeaderNumber   = "Eventually-Event-Number"
	HeaderIsJSON   = "Eventually-Is-Json"
	HeaderMetadata = "Eventually-Metadata"
)

// Metadata keys of the streams backing continuous projections.
const (
	metadataProjection = "eventually.projection"
	metadataQuery      = "eventually.query"
	metadataTarget     = "eventually.target"
	metadataTypes      = "eventually.types"
)

const (
	// DefaultStreamName is the JetStream stream holding the Event Log.
	DefaultStreamName = "EVENTS"

	// DefaultSubjectPrefix prefixes the subjects of the Event Log records.
	DefaultSubjectPrefix = "events"

	// sourceHeader is set by the server on the messages copied into a sourced stream.
	sourceHeader = "Nats-Stream-Source"
)

// token escapes a value so that it can be used as a single subject token.
func token(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// subjectFor returns the subject a record of the stream is published on:
// "<prefix>.<category>.<stream>".
func subjectFor(prefix, streamID string) string {
	return prefix + "." + token(eventlog.Category(streamID)) + "." + token(streamID)
}

// filterFor returns the subject filter matching the records of a source stream,
// which can either be a category stream or a regular one.
func filterFor(prefix, sourceStream string) string {
	if category, ok := strings.CutPrefix(sourceStream, eventlog.CategoryStreamPrefix); ok {
		return prefix + "." + token(category) + ".>"
	}

	return subjectFor(prefix, sourceStream)
}

// streamName turns a name into a valid JetStream stream or consumer name.
func streamName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t', '\r', '\n', '$':
			return '_'
		default:
			return r
		}
	}, name)
}

// sourcePosition extracts the sequence of the original message
// from the header the server adds to sourced messages.
func sourcePosition(header string) (uint64, bool) {
	fields := strings.Fields(header)
	if len(fields) < 2 { //nolint:mnd // "<stream> <sequence> ..."
		return 0, false
	}

	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}

	return seq, true
}
