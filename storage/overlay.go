package storage

import "sync"

// Overlay buffers the writes of several batches over a base store. Reads see
// the buffered writes first. Nothing reaches the base until Publish writes
// every buffered operation in one batch, so a multi-block switch can be
// published or dropped as a unit.
type Overlay struct {
	base Database

	mu      sync.RWMutex
	pending map[string][]byte
	deleted map[string]struct{}
	batch   *Batch
}

// NewOverlay starts an empty overlay over base.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		pending: make(map[string][]byte),
		deleted: make(map[string]struct{}),
		batch:   NewBatch(),
	}
}

func (o *Overlay) lookup(key []byte) ([]byte, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if _, ok := o.deleted[string(key)]; ok {
		return nil, true, ErrNotFound
	}
	if value, ok := o.pending[string(key)]; ok {
		return append([]byte(nil), value...), true, nil
	}
	return nil, false, nil
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	if value, ok, err := o.lookup(key); ok {
		return value, err
	}
	return o.base.Get(key)
}

// GetRaw treats buffered writes as committed and bypasses any cache of the
// base store for everything else.
func (o *Overlay) GetRaw(key []byte) ([]byte, error) {
	if value, ok, err := o.lookup(key); ok {
		return value, err
	}
	return o.base.GetRaw(key)
}

func (o *Overlay) NewBatch() *Batch {
	return NewBatch()
}

// Write buffers b. The base store is not touched.
func (o *Overlay) Write(b *Batch) error {
	if b == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return b.Replay(func(key, value []byte, deleted bool) {
		k := string(key)
		if deleted {
			delete(o.pending, k)
			o.deleted[k] = struct{}{}
			o.batch.Delete(key)
			return
		}
		delete(o.deleted, k)
		o.pending[k] = append([]byte(nil), value...)
		o.batch.Put(key, value)
	})
}

// Len reports the number of buffered operations.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.batch.Len()
}

// Publish writes every buffered operation to the base store atomically and
// empties the overlay.
func (o *Overlay) Publish() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.base.Write(o.batch); err != nil {
		return err
	}
	o.reset()
	return nil
}

// Discard drops every buffered operation.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reset()
}

func (o *Overlay) reset() {
	o.pending = make(map[string][]byte)
	o.deleted = make(map[string]struct{})
	o.batch = NewBatch()
}

// Close discards the overlay. The base store stays open.
func (o *Overlay) Close() error {
	o.Discard()
	return nil
}
