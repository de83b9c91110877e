// Package stream carries row-level change events from the cache to
// subscribers: batching, coalescing and bounded, non-blocking delivery.
package stream

import (
	"fmt"
	"math"
	"strings"

	"github.com/nightscape/holon/pkg/value"
)

// Kind is the type of a row change.
type Kind int

const (
	// Created indicates a new row; Row holds the full image.
	Created Kind = iota
	// Updated indicates a changed row; Row holds the post-image only.
	Updated
	// Deleted indicates a removed row; Row is nil.
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Origin is a short opaque tag identifying the causer of a write: a
// local trace id, a sync provider batch, or a server acknowledgement.
type Origin string

// LocalOrigin tags a write performed by a local caller.
func LocalOrigin(traceID string) Origin { return Origin("local:" + traceID) }

// SyncOrigin tags a write applied from a pulled provider batch.
func SyncOrigin(provider, batchID string) Origin {
	return Origin(fmt.Sprintf("sync:%s:%s", provider, batchID))
}

// AckOrigin tags a write applying a server-returned post-image.
func AckOrigin(provider string) Origin { return Origin("ack:" + provider) }

// IsLocal reports whether the origin is a local trace.
func (o Origin) IsLocal() bool { return strings.HasPrefix(string(o), "local:") }

// IsSync reports whether the origin is a pulled provider batch.
func (o Origin) IsSync() bool { return strings.HasPrefix(string(o), "sync:") }

// Provider returns the provider name of a sync or ack origin, or "".
func (o Origin) Provider() string {
	parts := strings.SplitN(string(o), ":", 3)
	if len(parts) < 2 || (parts[0] != "sync" && parts[0] != "ack") {
		return ""
	}
	return parts[1]
}

// Change is one row-change event. Seq is strictly increasing per
// relation; cross-relation ordering is undefined.
type Change struct {
	Relation string
	Kind     Kind
	ID       string
	// Row is the post-image for Created and Updated, nil for Deleted.
	Row    *value.Entity
	Seq    int64
	Origin Origin
}

// Batch is the unit of delivery: the events of one write transaction,
// or a bounded group of consecutive sync events. A Batch with Overflow
// set carries no events; it instructs the consumer to re-query its
// snapshot from scratch.
type Batch struct {
	Changes  []Change
	Overflow bool
}

// Relations returns the distinct relations touched by the batch.
func (b Batch) Relations() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range b.Changes {
		if _, ok := seen[c.Relation]; ok {
			continue
		}
		seen[c.Relation] = struct{}{}
		out = append(out, c.Relation)
	}
	return out
}

// Position is an opaque cursor into a change stream.
type Position struct {
	fromSeq   int64
	beginning bool
}

// Beginning positions a subscriber before the oldest retained event.
func Beginning() Position { return Position{beginning: true} }

// FromSequence positions a subscriber after the event numbered n.
func FromSequence(n int64) Position { return Position{fromSeq: n} }

// Tail positions a subscriber after every retained event; only future
// events are delivered.
func Tail() Position { return Position{fromSeq: math.MaxInt64} }
