// Package notify is the fire-and-forget channel to the notification
// collaborator. Delivery, retries and templating are its concern, not ours;
// booking correctness never depends on a send succeeding.
package notify

import "context"

type Notifier interface {
	Send(ctx context.Context, recipient, template string, payload map[string]any) error
}

// Nop discards every notification. Used when no AMQP broker is configured
// and as the default in tests.
type Nop struct{}

func (Nop) Send(ctx context.Context, recipient, template string, payload map[string]any) error {
	return nil
}
