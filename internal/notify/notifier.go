package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTopicPrefix = "callflow"
	DefaultTimeout     = 2 * time.Second
)

// Options configures a Notifier.
type Options struct {
	TopicPrefix string
	// Timeout bounds each sink's delivery of one record.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Notifier fans change records out to every configured Publisher.
//
// Notify never blocks the caller and never reports failure: each sink runs in its own
// goroutine under a timeout and errors are only logged.
type Notifier struct {
	pubs    []Publisher
	prefix  string
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

func New(opts Options, pubs ...Publisher) *Notifier {
	n := &Notifier{
		prefix:  strings.Trim(strings.TrimSpace(opts.TopicPrefix), "/"),
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
	if n.prefix == "" {
		n.prefix = DefaultTopicPrefix
	}
	if n.timeout <= 0 {
		n.timeout = DefaultTimeout
	}
	if n.log == nil {
		n.log = slog.Default()
	}
	for _, p := range pubs {
		if p != nil {
			n.pubs = append(n.pubs, p)
		}
	}
	return n
}

// Topics returns the fixed channel and, when sessionID is known, the per-session channel.
func (n *Notifier) Topics(sessionID string) []string {
	topics := []string{n.prefix + "/calls"}
	if sessionID != "" {
		topics = append(topics, n.prefix+"/calls/"+sessionID)
	}
	return topics
}

// Notify publishes rec asynchronously. Safe on a nil Notifier.
func (n *Notifier) Notify(rec ChangeRecord) {
	if n == nil || len(n.pubs) == 0 {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		n.log.Error("notify marshal failed", "call_id", rec.CallID, "event_id", rec.EventID, "err", err)
		return
	}
	topics := n.Topics(rec.SessionID)

	for _, p := range n.pubs {
		n.wg.Add(1)
		go func(p Publisher) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			for _, topic := range topics {
				if err := p.Publish(ctx, topic, payload); err != nil {
					n.log.Error("notify publish failed",
						"sink", p.Name(),
						"topic", topic,
						"call_id", rec.CallID,
						"event_id", rec.EventID,
						"err", err,
					)
					return
				}
			}
		}(p)
	}
}

// Wait blocks until every in-flight publish has finished.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// Close waits for in-flight publishes and closes every sink.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	n.wg.Wait()
	var firstErr error
	for _, p := range n.pubs {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
