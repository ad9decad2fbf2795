// Package checkpoint exposes the Store interface, used to checkpoint,
// or save, the current progress of a subscription endpoint, so that it
// might survive application restarts without reprocessing Events.
package checkpoint
