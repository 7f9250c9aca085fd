// Package timeline keeps a bounded, per-room chronological log of meeting
// lifecycle events that late joiners can replay.
package timeline

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the lifecycle transition an event records.
type Kind string

const (
	KindMeetingStart Kind = "meeting-start"
	KindMeetingEnd   Kind = "meeting-end"
	KindUserJoined   Kind = "user-joined"
	KindUserLeft     Kind = "user-left"
)

// SystemActor is the sentinel username for meeting-start/meeting-end events.
const SystemActor = "system"

// Event is immutable after creation.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Log owns every room's event sequence.
//
// Two bounds protect memory: a per-room ring bound applied synchronously on
// Append (one long meeting cannot grow without limit), and an age-based Sweep
// run periodically (many short-lived rooms cannot accumulate forever).
type Log struct {
	mu        sync.RWMutex
	maxEvents int
	retention time.Duration
	events    map[string][]Event

	now func() time.Time // test hook
}

func NewLog(maxEvents int, retention time.Duration) *Log {
	return &Log{
		maxEvents: maxEvents,
		retention: retention,
		events:    make(map[string][]Event),
		now:       time.Now,
	}
}

// Retention returns the configured retention window, which doubles as the
// sweep period.
func (l *Log) Retention() time.Duration {
	return l.retention
}

// Append constructs an event with a fresh ID and the current timestamp and
// pushes it onto the room's sequence. When the sequence is at its maximum
// length the oldest event is dropped first.
func (l *Log) Append(roomID string, kind Kind, username, message string) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.events[roomID]
	if len(seq) >= l.maxEvents {
		seq = seq[1:]
	}

	now := l.now()
	ev := Event{
		ID:        newEventID(now),
		Kind:      kind,
		Username:  username,
		Timestamp: now,
		Message:   message,
	}
	l.events[roomID] = append(seq, ev)

	slog.Info("timeline event added", "roomId", roomID, "type", string(kind), "username", username)
	return ev
}

// Events returns the room's sequence in creation order. Unknown rooms yield
// an empty slice, never nil semantics the caller has to special-case.
func (l *Log) Events(roomID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq := l.events[roomID]
	out := make([]Event, len(seq))
	copy(out, seq)
	return out
}

// Sweep evicts events older than the retention window and drops rooms whose
// sequence becomes empty. It returns the number of evicted events.
func (l *Log) Sweep(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for roomID, seq := range l.events {
		// Events are appended in timestamp order, so the survivors are a
		// suffix of the sequence.
		i := 0
		for i < len(seq) && !seq[i].Timestamp.After(cutoff) {
			i++
		}
		if i == 0 {
			continue
		}

		evicted += i
		if i == len(seq) {
			delete(l.events, roomID)
			continue
		}
		l.events[roomID] = append([]Event(nil), seq[i:]...)
	}

	if evicted > 0 {
		slog.Info("timeline sweep completed", "evicted", evicted)
	}
	return evicted
}

func newEventID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}
