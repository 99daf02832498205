package tso

import (
	"context"
	"sync"
)

// BatchPool hands out pre-allocated batches to the persistence workers.
type BatchPool interface {
	// NextEmptyBatch blocks until a batch is available or ctx is done.
	NextEmptyBatch(ctx context.Context) (*Batch, error)
	// Release clears b and makes it available again.
	Release(b *Batch)
	// NotifyEmptyBatch forces the batch at index back to the available set.
	// It is a no-op when the batch is already available.
	NotifyEmptyBatch(index int)
	Size() int
	Available() int
}

type batchPool struct {
	batches []*Batch

	// free carries the indexes of available batches; its capacity is the pool size
	// so returning a batch never blocks.
	free chan int

	lock  sync.Mutex
	inUse []bool
}

// NewBatchPool allocates size batches holding up to batchSize events each.
func NewBatchPool(size, batchSize int) BatchPool {
	p := &batchPool{
		batches: make([]*Batch, size),
		free:    make(chan int, size),
		inUse:   make([]bool, size),
	}
	for i := 0; i < size; i++ {
		p.batches[i] = newBatch(i, batchSize)
		p.free <- i
	}
	return p
}

func (p *batchPool) NextEmptyBatch(ctx context.Context) (*Batch, error) {
	select {
	case i := <-p.free:
		p.lock.Lock()
		p.inUse[i] = true
		p.lock.Unlock()
		batchPoolAcquisitions.Inc()
		return p.batches[i], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *batchPool) Release(b *Batch) {
	p.NotifyEmptyBatch(b.id)
}

func (p *batchPool) NotifyEmptyBatch(index int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if index < 0 || index >= len(p.batches) || !p.inUse[index] {
		return
	}
	p.batches[index].clear()
	p.inUse[index] = false
	p.free <- index
}

func (p *batchPool) Size() int {
	return len(p.batches)
}

func (p *batchPool) Available() int {
	return len(p.free)
}
