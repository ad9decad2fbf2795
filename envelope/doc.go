// Package envelope contains the helpers shared by the subscription engines
// to open the records read from the Event Log: the Descriptor carried in the
// record metadata, payload compression, and the Registry of the event types
// an endpoint knows how to decode.
package envelope
