package envelope

// Header names used in Descriptor headers and in the headers built for
// every delivery to the handler pipeline.
const (
	// DomainHeader carries the logical domain a record was generated by.
	// Records without it are infrastructure traffic.
	DomainHeader = "Eventually.Domain"

	MessageIntentHeader        = "Eventually.MessageIntent"
	EnclosedMessageTypesHeader = "Eventually.EnclosedMessageTypes"
	MessageIDHeader            = "Eventually.MessageId"

	// Traceability headers, pointing back to the record in the Event Log.
	EventIDHeader       = "EventId"
	EventStreamIDHeader = "EventStreamId"
	EventNumberHeader   = "EventNumber"
	EventPositionHeader = "EventPosition"
)

// IntentSend is the message intent of every event delivered by the engines.
const IntentSend = "Send"

// EnclosedTypesSeparator separates the type names in EnclosedMessageTypesHeader.
const EnclosedTypesSeparator = ";"
