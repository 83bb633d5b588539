package message

import "context"

// Archiver persists messages outside the in-memory log. The coordinator
// works without one; when configured, the dispatcher writes through on
// append, edit, and delete so cold history survives restarts. Archive
// failures are logged and never block the hot path.
type Archiver interface {
	Save(ctx context.Context, msg *Message) error
	Update(ctx context.Context, msg *Message) error
	History(ctx context.Context, roomID string, limit int) ([]*Message, error)
	Close(ctx context.Context) error
}
