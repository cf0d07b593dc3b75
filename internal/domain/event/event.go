// Package event defines the per-queue availability events. Session
// loops select on a channel of these instead of implementing a
// callback listener interface.
package event

//go:generate stringer -type=Kind
type Kind int16

const (
	// NewMessages signals that the device queue holds undelivered
	// envelopes and should be flushed.
	NewMessages Kind = iota + 1
	// NewEphemeral carries a one-shot online-only envelope that was
	// never enqueued.
	NewEphemeral
	// MessagesPersisted signals that the persister moved part of the
	// queue into durable storage; a merged re-read is required.
	MessagesPersisted
)

// Event is one availability notification for a device queue.
type Event struct {
	Kind Kind

	// Payload is the serialized envelope for NewEphemeral, empty
	// otherwise.
	Payload []byte
}
