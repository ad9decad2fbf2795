// Package correlation propagates the Correlation and Causation ids of the
// delivered events into the context of the message handlers, for tracing
// and debugging purposes.
//
// You can read more about events correlation here:
// https://blog.arkency.com/correlation-id-and-causation-id-in-evented-systems/
package correlation
