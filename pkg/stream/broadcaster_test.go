package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish1(b *Broadcaster, kind Kind, id string, seq int64) {
	b.Publish(Batch{Changes: []Change{ch(kind, id, row(id, "x"), seq)}})
}

func recvBatch(t *testing.T, sub *Subscriber) Batch {
	t.Helper()
	select {
	case batch := <-sub.Batches():
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
		return Batch{}
	}
}

func TestBroadcasterOrdering(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{})
	sub := b.Subscribe([]string{"notes"}, Reactive, Beginning())
	defer sub.Close()

	for seq := int64(1); seq <= 5; seq++ {
		publish1(b, Updated, "n1", seq)
	}

	var last int64
	for i := 0; i < 5; i++ {
		batch := recvBatch(t, sub)
		require.False(t, batch.Overflow)
		for _, c := range batch.Changes {
			assert.Greater(t, c.Seq, last)
			last = c.Seq
		}
	}
}

func TestBroadcasterRelationFilter(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{})
	sub := b.Subscribe([]string{"tasks"}, Reactive, Beginning())
	defer sub.Close()

	publish1(b, Created, "n1", 1)
	b.Publish(Batch{Changes: []Change{{Relation: "tasks", Kind: Created, ID: "t1", Row: row("t1", "x"), Seq: 1}}})

	batch := recvBatch(t, sub)
	require.Len(t, batch.Changes, 1)
	assert.Equal(t, "tasks", batch.Changes[0].Relation)
}

func TestBroadcasterReplay(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{})
	for seq := int64(1); seq <= 3; seq++ {
		publish1(b, Updated, "n1", seq)
	}

	sub := b.Subscribe([]string{"notes"}, Reactive, FromSequence(1))
	defer sub.Close()

	batch := recvBatch(t, sub)
	require.Len(t, batch.Changes, 2)
	assert.Equal(t, int64(2), batch.Changes[0].Seq)
	assert.Equal(t, int64(3), batch.Changes[1].Seq)
}

func TestBroadcasterReactiveOverflow(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{BufferSize: 2})
	sub := b.Subscribe([]string{"notes"}, Reactive, Beginning())
	defer sub.Close()

	// never read; the producer must not block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 100; seq++ {
			publish1(b, Updated, "n1", seq)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a full subscriber")
	}

	// the slow consumer eventually observes an overflow marker
	sawOverflow := false
	for i := 0; i < 3; i++ {
		select {
		case batch := <-sub.Batches():
			if batch.Overflow {
				sawOverflow = true
			}
		default:
		}
	}
	assert.True(t, sawOverflow)
}

func TestBroadcasterCasualDropsOldest(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{BufferSize: 2})
	sub := b.Subscribe([]string{"notes"}, Casual, Beginning())
	defer sub.Close()

	for seq := int64(1); seq <= 10; seq++ {
		publish1(b, Updated, "n1", seq)
	}

	// the newest batch survives; no overflow marker for casual taps
	var seqs []int64
	for {
		select {
		case batch := <-sub.Batches():
			require.False(t, batch.Overflow)
			for _, c := range batch.Changes {
				seqs = append(seqs, c.Seq)
			}
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, seqs)
	assert.Equal(t, int64(10), seqs[len(seqs)-1])
}

func TestSubscriberIsolation(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{})
	a := b.Subscribe([]string{"notes"}, Reactive, Beginning())
	other := b.Subscribe([]string{"notes"}, Reactive, Beginning())

	publish1(b, Created, "n1", 1)
	a.Close()
	publish1(b, Updated, "n1", 2)

	first := recvBatch(t, other)
	second := recvBatch(t, other)
	assert.Equal(t, Created, first.Changes[0].Kind)
	assert.Equal(t, Updated, second.Changes[0].Kind)
	other.Close()
}

func TestSubscriberCloseIdempotent(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{})
	sub := b.Subscribe(nil, Reactive, Beginning())
	sub.Close()
	sub.Close()
}

func TestTailSeq(t *testing.T) {
	b := NewBroadcaster(BroadcasterOpts{})
	publish1(b, Created, "n1", 7)
	assert.Equal(t, int64(7), b.TailSeq("notes"))
	assert.Equal(t, int64(0), b.TailSeq("tasks"))
}
