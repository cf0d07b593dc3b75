// Package push holds the outbound transports for platform push
// notifications. Delivery policy (scheduling, retries, token cleanup)
// lives in internal/push; this package only maps provider responses
// onto a common outcome.
package push

import "context"

// Outcome classifies one provider response.
type Outcome int

const (
	// Delivered means the provider accepted the notification.
	Delivered Outcome = iota + 1
	// InvalidToken means the device token is dead and must be cleared.
	InvalidToken
	// Transient means the attempt may be retried later.
	Transient
)

// Sender dispatches one wake-up notification to a device token.
type Sender interface {
	Send(ctx context.Context, token string) (Outcome, error)
}
