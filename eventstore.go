package mcpconn

import (
	"strconv"
	"sync"
	"time"
)

const (
	defaultMaxEventsPerStream = 256
	defaultMaxEventAge        = 30 * time.Minute
)

// EventStore records the server events delivered over an HTTP transport's
// event streams so that a reconnect can ask the server to replay everything
// after the last identifier the client has seen.
type EventStore interface {
	// StoreEvent appends a message to the named stream's history and returns
	// the identifier assigned to it. Identifiers are strictly increasing
	// within a stream.
	StoreEvent(streamID string, msg JSONRPCMessage) (string, error)

	// ReplayEventsAfter invokes fn once per stored event strictly after
	// lastEventID, in storage order, and returns the number of events
	// replayed. An empty lastEventID replays the whole stream. Replaying an
	// unknown stream yields zero with no error.
	ReplayEventsAfter(streamID, lastEventID string, fn func(eventID string, msg JSONRPCMessage) error) (int, error)
}

type storedEvent struct {
	id       string
	seq      uint64
	msg      JSONRPCMessage
	storedAt time.Time
}

type eventLog struct {
	nextSeq uint64
	events  []storedEvent
	ids     map[string]struct{}
}

// MemoryEventStore is an in-memory EventStore. Each stream keeps an
// append-only log capped at a maximum event count, with the oldest events
// dropped first. Cleanup sweeps out events older than the configured age.
// It is safe for concurrent use. Instances should be created using
// NewMemoryEventStore.
type MemoryEventStore struct {
	mu                 sync.Mutex
	streams            map[string]*eventLog
	maxEventsPerStream int
	maxEventAge        time.Duration
	now                func() time.Time
}

// MemoryEventStoreOption represents the options for the MemoryEventStore.
type MemoryEventStoreOption func(*MemoryEventStore)

// NewMemoryEventStore creates a ready-to-use in-memory event store.
func NewMemoryEventStore(options ...MemoryEventStoreOption) *MemoryEventStore {
	s := &MemoryEventStore{
		streams:            make(map[string]*eventLog),
		maxEventsPerStream: defaultMaxEventsPerStream,
		maxEventAge:        defaultMaxEventAge,
		now:                time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithMaxEventsPerStream caps how many events each stream retains. When the
// cap is exceeded the oldest event is dropped first.
func WithMaxEventsPerStream(n int) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		if n > 0 {
			s.maxEventsPerStream = n
		}
	}
}

// WithMaxEventAge sets how long events survive before Cleanup removes them.
func WithMaxEventAge(d time.Duration) MemoryEventStoreOption {
	return func(s *MemoryEventStore) {
		if d > 0 {
			s.maxEventAge = d
		}
	}
}

// StoreEvent implements EventStore.
func (s *MemoryEventStore) StoreEvent(streamID string, msg JSONRPCMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.streams[streamID]
	if !ok {
		log = &eventLog{ids: make(map[string]struct{})}
		s.streams[streamID] = log
	}

	log.nextSeq++
	ev := storedEvent{
		id:       strconv.FormatUint(log.nextSeq, 10),
		seq:      log.nextSeq,
		msg:      msg,
		storedAt: s.now(),
	}

	log.events = append(log.events, ev)
	log.ids[ev.id] = struct{}{}

	for len(log.events) > s.maxEventsPerStream {
		delete(log.ids, log.events[0].id)
		log.events = log.events[1:]
	}

	return ev.id, nil
}

// ReplayEventsAfter implements EventStore. An unknown lastEventID replays
// nothing; the identifier may have been evicted already.
func (s *MemoryEventStore) ReplayEventsAfter(streamID, lastEventID string, fn func(eventID string, msg JSONRPCMessage) error) (int, error) {
	s.mu.Lock()
	log, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return 0, nil
	}

	var after uint64
	if lastEventID != "" {
		seq, err := strconv.ParseUint(lastEventID, 10, 64)
		if err != nil {
			s.mu.Unlock()
			return 0, &ValidationError{Field: "lastEventID", Reason: "not a valid event identifier"}
		}
		after = seq
	}

	// Copy the suffix so fn runs without holding the store lock.
	var suffix []storedEvent
	for _, ev := range log.events {
		if ev.seq > after {
			suffix = append(suffix, ev)
		}
	}
	s.mu.Unlock()

	for i, ev := range suffix {
		if err := fn(ev.id, ev.msg); err != nil {
			return i, err
		}
	}
	return len(suffix), nil
}

// HasEvent reports whether the stream still retains the given event.
func (s *MemoryEventStore) HasEvent(streamID, eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.streams[streamID]
	if !ok {
		return false
	}
	_, ok = log.ids[eventID]
	return ok
}

// LatestEventID returns the identifier of the newest event in the stream,
// or an empty string if the stream is unknown or empty.
func (s *MemoryEventStore) LatestEventID(streamID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.streams[streamID]
	if !ok || len(log.events) == 0 {
		return ""
	}
	return log.events[len(log.events)-1].id
}

// EventCount returns how many events the stream currently retains.
func (s *MemoryEventStore) EventCount(streamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.streams[streamID]
	if !ok {
		return 0
	}
	return len(log.events)
}

// Cleanup removes events older than the configured maximum age. It returns
// the number of events removed.
func (s *MemoryEventStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.maxEventAge)
	removed := 0

	for _, log := range s.streams {
		kept := log.events[:0]
		for _, ev := range log.events {
			if ev.storedAt.Before(cutoff) {
				delete(log.ids, ev.id)
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		// Emptied logs are kept so a stream's identifiers stay strictly
		// increasing across a cleanup.
		log.events = kept
	}

	return removed
}

var _ EventStore = (*MemoryEventStore)(nil)
