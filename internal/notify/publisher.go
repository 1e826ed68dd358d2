package notify

import "context"

// Publisher delivers one payload to one topic.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
