// Package events distributes pipeline stage notifications to SSE
// subscribers and optional external sinks.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/sitevoice/internal/metrics"
)

// Event types published by the pipeline.
const (
	TypeRecordingCreated       = "recording.created"
	TypeTranscriptionCompleted = "transcription.completed"
	TypeTranscriptionFailed    = "transcription.failed"
	TypeAnalysisCompleted      = "analysis.completed"
	TypeAnalysisFailed         = "analysis.failed"
	TypeRecordingDeleted       = "recording.deleted"
)

// Event is a published notification as delivered to subscribers.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Timestamp   string          `json:"timestamp"`
	ProjectID   string          `json:"project_id,omitempty"`
	RecordingID string          `json:"recording_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// EventData holds all fields needed to publish an event.
type EventData struct {
	Type        string
	ProjectID   string
	RecordingID string
	Payload     any
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Types      []string
	Projects   []string
	Recordings []string
}

// Bus provides pub-sub event distribution for SSE subscribers.
// It maintains a ring buffer for replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	if ringSize < 1 {
		ringSize = 1
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events published after lastEventID, oldest
// first. An empty or no longer buffered lastEventID returns the whole
// buffer, so a client that fell behind the ring misses nothing still held.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	start := 0
	if lastEventID != "" {
		for i := 0; i < b.ringSize; i++ {
			if b.ring[(b.ringHead+i)%b.ringSize].ID == lastEventID {
				start = i + 1
				break
			}
		}
	}

	var out []Event
	for i := start; i < b.ringSize; i++ {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID == "" {
			continue
		}
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (b *Bus) Publish(e EventData) {
	b.publish(e)
}

func (b *Bus) publish(e EventData) (Event, bool) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return Event{}, false
	}

	now := time.Now()
	event := Event{
		ID:          fmt.Sprintf("%d-%d", now.UnixMilli(), b.seq.Add(1)),
		Type:        e.Type,
		Timestamp:   now.UTC().Format(time.RFC3339),
		ProjectID:   e.ProjectID,
		RecordingID: e.RecordingID,
		Data:        data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.filter.Matches(event) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	b.mu.RUnlock()

	metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()
	return event, true
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Event) bool {
	return contains(f.Types, e.Type) &&
		contains(f.Projects, e.ProjectID) &&
		contains(f.Recordings, e.RecordingID)
}

func contains(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
