// Package notify provides publishers for downstream batch notifications.
// Notifications are best-effort: a failed publish never fails the batch
// that triggered it.
package notify

import "context"

// NoOpPublisher drops notifications.
type NoOpPublisher struct{}

// Publish discards the payload and reports an empty message ID.
func (NoOpPublisher) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
