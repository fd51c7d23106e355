package outbox

import "context"

// Inspector is the read-only operator view of the outbox.
type Inspector interface {
	ListDeadLetters(ctx context.Context, limit int) ([]*Message, error)
	Attempts(ctx context.Context, messageID string) ([]Attempt, error)
	Get(ctx context.Context, id string) (*Message, error)
}

var _ Inspector = (*Store)(nil)
