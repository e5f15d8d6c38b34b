// Package bufferedstore coalesces concurrent single-document Update calls
// from independent runners into bulk store operations, sized up to
// maxWorkers. Grounded in the teacher's
// control_plane/observability batching idiom (WindowedEventBuffer-style
// coalescing is absent from the teacher verbatim, but the same
// "collect-then-flush-on-tick-or-full" shape appears in
// control_plane/ws_hub.go's MetricsHub broadcast ticker) and in
// control_plane/store/interface.go's Store abstraction this wraps.
package bufferedstore

import (
	"context"
	"sync"
	"time"

	"github.com/taskflux/taskflux/store"
)

// request is one caller's pending update, paired with a channel to deliver
// its individual result back: each caller still observes its own
// per-document result even though the write was batched.
type request struct {
	doc    *store.TaskDocument
	result chan store.UpdateResult
}

// BufferedStore wraps a store.Store, batching Update calls.
type BufferedStore struct {
	underlying store.Store
	maxBatch   int
	flushEvery time.Duration

	mu      sync.Mutex
	pending []request
	timer   *time.Timer
}

// New constructs a BufferedStore flushing whenever maxBatch updates are
// pending or flushEvery elapses, whichever comes first.
func New(underlying store.Store, maxBatch int, flushEvery time.Duration) *BufferedStore {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return &BufferedStore{underlying: underlying, maxBatch: maxBatch, flushEvery: flushEvery}
}

// Update enqueues doc for the next batch and blocks until that batch's
// result for this document is available or ctx is cancelled.
func (b *BufferedStore) Update(ctx context.Context, doc *store.TaskDocument) (*store.TaskDocument, error) {
	req := request{doc: doc, result: make(chan store.UpdateResult, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, req)
	flushNow := len(b.pending) >= b.maxBatch
	if flushNow {
		b.flushLocked(ctx)
	} else if b.timer == nil {
		b.timer = time.AfterFunc(b.flushEvery, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.flushLocked(context.Background())
		})
	}
	b.mu.Unlock()

	select {
	case res := <-req.result:
		return res.Doc, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove passes straight through; deletes aren't batched.
func (b *BufferedStore) Remove(ctx context.Context, id string) error {
	return b.underlying.Remove(ctx, id)
}

// flushLocked drains the pending buffer and issues one bulk write, falling
// back to individual Update calls when the backend doesn't support
// BatchUpdater. Caller must hold b.mu.
func (b *BufferedStore) flushLocked(ctx context.Context) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil

	go b.flush(ctx, batch)
}

func (b *BufferedStore) flush(ctx context.Context, batch []request) {
	docs := make([]*store.TaskDocument, len(batch))
	for i, r := range batch {
		docs[i] = r.doc
	}

	if bu, ok := b.underlying.(store.BatchUpdater); ok {
		results, err := bu.UpdateBatch(ctx, docs)
		if err != nil {
			for _, r := range batch {
				r.result <- store.UpdateResult{Err: err}
			}
			return
		}
		for i, r := range batch {
			if i < len(results) {
				r.result <- results[i]
			} else {
				r.result <- store.UpdateResult{Err: ctx.Err()}
			}
		}
		return
	}

	for _, r := range batch {
		doc, err := b.underlying.Update(ctx, r.doc)
		r.result <- store.UpdateResult{Doc: doc, Err: err}
	}
}
