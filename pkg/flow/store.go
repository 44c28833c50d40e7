package flow

import (
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a sequence or identity has no record.
var ErrNotFound = errors.New("flow not found")

// Metrics receives store-level counters. The zero Store uses a no-op.
type Metrics interface {
	FlowRecorded()
	DuplicateFlow()
	OrphanedResponse()
}

type noopMetrics struct{}

func (noopMetrics) FlowRecorded()     {}
func (noopMetrics) DuplicateFlow()    {}
func (noopMetrics) OrphanedResponse() {}

// Option configures a Store.
type Option func(*Store)

// WithMetrics routes store counters to m.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Store holds one Record per Identity in creation order, with pub/sub for
// change notifications. All methods are safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	records     []*Record // records[seq-1]
	index       map[Identity]int64
	generation  uint64 // bumped on Reset so in-flight traversals stop
	subscribers []chan Event

	metrics Metrics
	log     *logrus.Entry
}

// NewStore creates an empty store.
func NewStore(log *logrus.Logger, opts ...Option) *Store {
	if log == nil {
		log = logrus.New()
	}
	s := &Store{
		index:   make(map[Identity]int64),
		metrics: noopMetrics{},
		log:     log.WithField("component", "flow-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordRequest creates the record for id and returns its sequence. A
// redelivered identity is a no-op that returns the existing sequence.
func (s *Store) RecordRequest(id Identity, host, method, url string, raw *RawRequest) int64 {
	s.mu.Lock()
	if seq, ok := s.index[id]; ok {
		s.mu.Unlock()
		s.metrics.DuplicateFlow()
		s.log.WithField("identity", id).Debug("duplicate request delivery ignored")
		return seq
	}
	seq := int64(len(s.records)) + 1
	rec := &Record{
		Sequence:   seq,
		Identity:   id,
		Host:       host,
		Method:     method,
		URL:        url,
		RawRequest: raw,
		Created:    time.Now(),
	}
	s.records = append(s.records, rec)
	s.index[id] = seq
	s.broadcast(Event{Type: EventRequest, Record: *rec})
	s.mu.Unlock()

	s.metrics.FlowRecorded()
	return seq
}

// RecordResponse completes the record for id. It reports false, and logs
// the response as orphaned, when no request was recorded for id. A second
// response for the same identity is ignored.
func (s *Store) RecordResponse(id Identity, statusCode int, raw *RawResponse) bool {
	s.mu.Lock()
	seq, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		s.metrics.OrphanedResponse()
		s.log.WithFields(logrus.Fields{"identity": id, "status": statusCode}).
			Warn("orphaned response discarded")
		return false
	}
	rec := s.records[seq-1]
	if rec.StatusCode != nil {
		s.mu.Unlock()
		s.log.WithField("identity", id).Debug("duplicate response delivery ignored")
		return false
	}
	code := statusCode
	rec.StatusCode = &code
	rec.RawResponse = raw
	rec.Completed = time.Now()
	s.broadcast(Event{Type: EventResponse, Record: *rec})
	s.mu.Unlock()
	return true
}

// Get returns the record with the given display sequence.
func (s *Store) Get(seq int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq < 1 || seq > int64(len(s.records)) {
		return Record{}, false
	}
	return *s.records[seq-1], true
}

// Lookup returns the record for an identity.
func (s *Store) Lookup(id Identity) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.index[id]
	if !ok {
		return Record{}, false
	}
	return *s.records[seq-1], true
}

// All returns a restartable sequence over the records in creation order.
// Each traversal snapshots the record count and then reads records one at a
// time, so records appended afterwards are not visited and the lock is never
// held across the caller's loop body. A Reset ends a traversal early.
func (s *Store) All() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		s.mu.RLock()
		n := int64(len(s.records))
		gen := s.generation
		s.mu.RUnlock()

		for seq := int64(1); seq <= n; seq++ {
			s.mu.RLock()
			if s.generation != gen {
				s.mu.RUnlock()
				return
			}
			rec := *s.records[seq-1]
			s.mu.RUnlock()
			if !yield(rec) {
				return
			}
		}
	}
}

// Records collects All into a slice.
func (s *Store) Records() []Record {
	var out []Record
	for rec := range s.All() {
		out = append(out, rec)
	}
	return out
}

// Count returns the number of records held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Reset removes all records and restarts sequence numbering at 1.
func (s *Store) Reset() {
	s.mu.Lock()
	s.records = nil
	s.index = make(map[Identity]int64)
	s.generation++
	s.broadcast(Event{Type: EventReset})
	s.mu.Unlock()
}

// Subscribe returns a channel that receives change events. The channel is
// buffered; slow consumers will have events dropped.
func (s *Store) Subscribe() chan Event {
	ch := make(chan Event, 256)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (s *Store) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// broadcast delivers evt to every subscriber without blocking. Must be called
// with the write lock held so events are delivered in mutation order and
// never to a channel that Unsubscribe has closed.
func (s *Store) broadcast(evt Event) {
	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop the event rather than blocking the writer.
		}
	}
}
