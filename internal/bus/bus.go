// Package bus provides a simple in-process pub/sub message bus with topic
// prefix matching, used to observe task and job lifecycle events.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Lifecycle topics.
const (
	TopicTaskCreated    = "task.created"
	TopicTaskCompleted  = "task.completed"
	TopicTaskNeedsInput = "task.needs_input"
	TopicTaskFailed     = "task.failed"
	TopicTaskReclaimed  = "task.stale_reclaimed"
	TopicTaskDeleted    = "task.deleted"
	TopicCommentAdded   = "comment.added"
	TopicJobFired       = "job.fired"
	TopicJobFinished    = "job.finished"
	TopicJobSkipped     = "job.skipped"
	TopicJobPaused      = "job.paused"
	TopicRunStep        = "run.step"
)

// TaskEvent is published on task lifecycle changes: creation, deletion, and
// terminal agent-run outcomes.
type TaskEvent struct {
	TaskID string
	Title  string
	Detail string
}

// JobEvent is published around scheduled-job dispatch.
type JobEvent struct {
	JobID       string
	TaskID      string
	ActionType  string
	ExecutionID int64
	Outcome     string
}

// CommentEvent is published when a comment lands on a task or project thread.
// It carries the content so subscribers need no store round-trip.
type CommentEvent struct {
	CommentID int64
	TaskID    string
	ProjectID string
	Type      string
	Content   string
}

// RunStepEvent is published for every agent runner step.
type RunStepEvent struct {
	TaskID string
	Step   int
	Tool   string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel has a buffer of
// 100 events; slow consumers will miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
