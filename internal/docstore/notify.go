package docstore

import (
	"context"
	"sync"
)

// subscriber is one live subscription. The wake channel has capacity one, so
// bursts of changes coalesce into a single recomputed snapshot.
type subscriber struct {
	collection string
	filter     Filter
	onSnapshot SnapshotFunc
	onError    ErrorFunc

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (s *subscriber) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// broadcaster tracks subscribers and recomputes their snapshots on demand.
// Backends call notify after every mutation; each subscriber then re-reads
// its result set on its own goroutine, so callbacks run sequentially per
// subscriber and never under a backend lock.
type broadcaster struct {
	query func(collection string, filter Filter) ([]Document, error)

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newBroadcaster(query func(string, Filter) ([]Document, error)) *broadcaster {
	return &broadcaster{
		query: query,
		subs:  make(map[*subscriber]struct{}),
	}
}

func (b *broadcaster) subscribe(ctx context.Context, collection string, filter Filter, onSnapshot SnapshotFunc, onError ErrorFunc) func() {
	sub := &subscriber{
		collection: collection,
		filter:     filter,
		onSnapshot: onSnapshot,
		onError:    onError,
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	sub.wake <- struct{}{} // initial snapshot

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.run(ctx, sub)

	return func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.cancel()
	}
}

func (b *broadcaster) run(ctx context.Context, sub *subscriber) {
	defer close(sub.done)
	for {
		select {
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		case <-sub.wake:
			docs, err := b.query(sub.collection, sub.filter)
			if err != nil {
				if sub.onError != nil {
					sub.onError(err)
				}
				continue
			}
			sub.onSnapshot(docs)
		}
	}
}

// notify wakes every subscriber watching the collection.
func (b *broadcaster) notify(collection string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.collection != collection {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default:
			// A refresh is already pending; it will read the latest state.
		}
	}
}
