package stream

import (
	"sync"
)

// SubscriberKind selects the overflow policy of a subscriber.
type SubscriberKind int

const (
	// Reactive subscribers receive an overflow marker when their buffer
	// fills; the marker tells them to re-query their snapshot.
	Reactive SubscriberKind = iota
	// Casual subscribers lose their oldest batches instead; suitable
	// for diagnostics and metrics taps.
	Casual
)

const (
	// DefaultBufferSize is the per-subscriber outbound buffer, in
	// batches.
	DefaultBufferSize = 1024
	// DefaultRetention caps the per-relation replay log, in events.
	DefaultRetention = 4096
)

// Broadcaster fans change batches out to subscribers. Publishing never
// blocks: a full subscriber either loses its oldest batches or is
// forced to the tail with an overflow marker, depending on its kind.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int64]*Subscriber
	nextID int64

	buffer    int
	retention int

	// retained holds recent events per relation for cursor replay.
	retained map[string][]Change
	tailSeq  map[string]int64
}

// BroadcasterOpts tunes buffer sizes; zero values select defaults.
type BroadcasterOpts struct {
	BufferSize int
	Retention  int
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(opts BroadcasterOpts) *Broadcaster {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Broadcaster{
		subs:      make(map[int64]*Subscriber),
		buffer:    opts.BufferSize,
		retention: opts.Retention,
		retained:  make(map[string][]Change),
		tailSeq:   make(map[string]int64),
	}
}

// Subscriber is a single-consumer cursor into the change stream.
// Dropping it with Close releases its cursor synchronously.
type Subscriber struct {
	b         *Broadcaster
	id        int64
	kind      SubscriberKind
	relations map[string]struct{} // nil means all relations
	ch        chan Batch
	closeOnce sync.Once
}

// Batches returns the delivery channel. It is closed by Close.
func (s *Subscriber) Batches() <-chan Batch { return s.ch }

// Close releases the subscriber's cursor. In-flight batches that were
// already buffered are discarded with the channel.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s.id)
		close(s.ch)
		s.b.mu.Unlock()
	})
}

func (s *Subscriber) wants(relation string) bool {
	if s.relations == nil {
		return true
	}
	_, ok := s.relations[relation]
	return ok
}

// Subscribe registers a subscriber for the given relations (nil or
// empty means all) starting at the given position. Retained events at
// or after the position are replayed as one initial batch; a position
// older than the retention window additionally yields an overflow
// marker first.
func (b *Broadcaster) Subscribe(relations []string, kind SubscriberKind, since Position) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[string]struct{}
	if len(relations) > 0 {
		filter = make(map[string]struct{}, len(relations))
		for _, r := range relations {
			filter[r] = struct{}{}
		}
	}

	b.nextID++
	sub := &Subscriber{
		b:         b,
		id:        b.nextID,
		kind:      kind,
		relations: filter,
		ch:        make(chan Batch, b.buffer),
	}
	b.subs[sub.id] = sub

	replay, truncated := b.replayLocked(sub, since)
	if truncated {
		sub.ch <- Batch{Overflow: true}
	}
	if len(replay) > 0 {
		sub.ch <- Batch{Changes: replay}
	}
	return sub
}

// replayLocked collects retained events matching the subscriber filter
// at or after the position. truncated reports that events before the
// retention window were requested but are gone.
func (b *Broadcaster) replayLocked(sub *Subscriber, since Position) (replay []Change, truncated bool) {
	for relation, log := range b.retained {
		if !sub.wants(relation) {
			continue
		}
		if len(log) == 0 {
			continue
		}
		from := since.fromSeq
		if since.beginning {
			from = 0
		} else if from < log[0].Seq-1 {
			truncated = true
		}
		for _, c := range log {
			if c.Seq > from {
				replay = append(replay, c)
			}
		}
	}
	return replay, truncated
}

// Publish coalesces the batch and fans it out. It never blocks the
// caller; commit order per relation is preserved because callers
// publish under their own per-relation commit ordering and enqueueing
// happens under the broadcaster lock.
func (b *Broadcaster) Publish(batch Batch) {
	if batch.Overflow {
		b.publishOverflow()
		return
	}
	changes := Coalesce(batch.Changes)
	if len(changes) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.retainLocked(changes)

	for _, sub := range b.subs {
		filtered := changes
		if sub.relations != nil {
			filtered = nil
			for _, c := range changes {
				if sub.wants(c.Relation) {
					filtered = append(filtered, c)
				}
			}
		}
		if len(filtered) == 0 {
			continue
		}
		b.enqueueLocked(sub, Batch{Changes: filtered})
	}
}

// publishOverflow forwards a bare overflow marker to every subscriber.
func (b *Broadcaster) publishOverflow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		b.enqueueLocked(sub, Batch{Overflow: true})
	}
}

func (b *Broadcaster) retainLocked(changes []Change) {
	for _, c := range changes {
		log := append(b.retained[c.Relation], c)
		if over := len(log) - b.retention; over > 0 {
			log = log[over:]
		}
		b.retained[c.Relation] = log
		if c.Seq > b.tailSeq[c.Relation] {
			b.tailSeq[c.Relation] = c.Seq
		}
	}
}

// enqueueLocked delivers without blocking. On a full buffer, casual
// subscribers lose their oldest batch; reactive subscribers are drained
// to the tail and handed a single overflow marker.
func (b *Broadcaster) enqueueLocked(sub *Subscriber, batch Batch) {
	select {
	case sub.ch <- batch:
		return
	default:
	}

	switch sub.kind {
	case Casual:
		for {
			select {
			case <-sub.ch: // drop oldest
			default:
			}
			select {
			case sub.ch <- batch:
				return
			default:
			}
		}
	default: // Reactive
		for {
			select {
			case <-sub.ch:
				continue
			default:
			}
			break
		}
		select {
		case sub.ch <- Batch{Overflow: true}:
		default:
		}
	}
}

// TailSeq returns the highest published sequence for a relation.
func (b *Broadcaster) TailSeq(relation string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tailSeq[relation]
}
