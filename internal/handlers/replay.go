package handlers

import (
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// replyReplayer catches up clients that subscribe to a reply after it started, or after it ended. A
// client only learns the reply's message id from the POST response, so the first frames, or a fast
// failure, are usually published before it joins.
//
// For every reply topic the latest message view and the terminal events are kept until the topic has
// been quiet for ttl. Views are full snapshots, so the latest one is all a late client needs. Other
// topics are never replayed.
type replyReplayer struct {
	mu      sync.Mutex
	replies map[string]*replyBacklog
	ttl     time.Duration
	now     func() time.Time
}

type replyBacklog struct {
	view     *sse.Message
	terminal []*sse.Message
	expires  time.Time
}

const replyReplayTTL = 2 * time.Minute

func newReplyReplayer(ttl time.Duration, now func() time.Time) *replyReplayer {
	return &replyReplayer{
		replies: make(map[string]*replyBacklog),
		ttl:     ttl,
		now:     now,
	}
}

func (r *replyReplayer) Put(msg *sse.Message, topics []string) (*sse.Message, error) {
	if len(topics) == 0 {
		return nil, sse.ErrNoTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expire(now)

	for _, topic := range topics {
		if !strings.HasPrefix(topic, messageTopicPrefix) {
			continue
		}
		b, ok := r.replies[topic]
		if !ok {
			b = &replyBacklog{}
			r.replies[topic] = b
		}
		b.expires = now.Add(r.ttl)
		if msg.Type == messagesSSEType {
			b.view = msg
			continue
		}
		b.terminal = append(b.terminal, msg)
	}
	return msg, nil
}

func (r *replyReplayer) Replay(sub sse.Subscription) error {
	r.mu.Lock()
	now := r.now()
	var backlog []*sse.Message
	for _, topic := range sub.Topics {
		b, ok := r.replies[topic]
		if !ok || !b.expires.After(now) {
			continue
		}
		if b.view != nil {
			backlog = append(backlog, b.view)
		}
		backlog = append(backlog, b.terminal...)
	}
	r.mu.Unlock()

	if len(backlog) == 0 {
		return nil
	}
	for _, msg := range backlog {
		if err := sub.Client.Send(msg); err != nil {
			return err
		}
	}
	return sub.Client.Flush()
}

func (r *replyReplayer) expire(now time.Time) {
	for topic, b := range r.replies {
		if !b.expires.After(now) {
			delete(r.replies, topic)
		}
	}
}
