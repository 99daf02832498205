package tso

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/treble-h/tsoracle/core"
)

var ErrProcessorClosed = errors.New("persistence processor is closed")

// PersistenceProcessor routes decisions into the open batch of the worker that
// owns their start timestamp and hands batches over when full or flushed.
type PersistenceProcessor struct {
	logger   hclog.Logger
	pool     BatchPool
	handlers []*PersistenceHandler

	ctx    context.Context
	cancel context.CancelFunc

	lock    sync.Mutex
	current []*Batch
	closed  bool
}

// NewPersistenceProcessor starts the handlers and primes one batch per worker.
func NewPersistenceProcessor(pool BatchPool, handlers []*PersistenceHandler, logger hclog.Logger) (*PersistenceProcessor, error) {
	if len(handlers) == 0 {
		return nil, errors.New("at least one persistence handler is required")
	}
	if pool.Size() < len(handlers) {
		return nil, errors.New("batch pool must hold at least one batch per handler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PersistenceProcessor{
		logger:   namedLogger(logger, "persist"),
		pool:     pool,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
		current:  make([]*Batch, len(handlers)),
	}
	for _, h := range handlers {
		h.start(pool, pool.Size())
	}
	for i := range p.current {
		b, err := pool.NextEmptyBatch(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.current[i] = b
	}
	return p, nil
}

// workerFor must stay a pure function of the start timestamp: a retried
// transaction lands on the worker that holds its original.
func (p *PersistenceProcessor) workerFor(startTimestamp int64) int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(startTimestamp))
	h := fnv.New32a()
	h.Write(buf[:])
	return int(h.Sum32() % uint32(len(p.handlers)))
}

func (p *PersistenceProcessor) AddCommitToBatch(startTimestamp, commitTimestamp int64, conn core.ReplyConn) error {
	return p.add(p.workerFor(startTimestamp), func(b *Batch) {
		b.addCommit(startTimestamp, commitTimestamp, conn)
	})
}

func (p *PersistenceProcessor) AddAbortToBatch(startTimestamp int64, conn core.ReplyConn) error {
	return p.add(p.workerFor(startTimestamp), func(b *Batch) {
		b.addAbort(startTimestamp, conn)
	})
}

// AddRetryToBatch queues a retried commit behind everything already accepted
// for its start timestamp.
func (p *PersistenceProcessor) AddRetryToBatch(startTimestamp int64, conn core.ReplyConn) error {
	return p.add(p.workerFor(startTimestamp), func(b *Batch) {
		b.addRetry(startTimestamp, conn)
	})
}

// AddLowWatermarkToBatch attaches lwm to the open batch of worker 0.
func (p *PersistenceProcessor) AddLowWatermarkToBatch(lowWatermark int64) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	b, err := p.openBatch(0)
	if err != nil {
		return err
	}
	b.setLowWatermark(lowWatermark)
	return nil
}

// TriggerCurrentBatchFlush hands over every open batch that has something to
// write. Empty batches stay open.
func (p *PersistenceProcessor) TriggerCurrentBatchFlush() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return ErrProcessorClosed
	}
	for i, b := range p.current {
		if b == nil || b.IsEmpty() {
			continue
		}
		if err := p.handOver(i); err != nil {
			return err
		}
	}
	return nil
}

func (p *PersistenceProcessor) add(worker int, fill func(b *Batch)) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	b, err := p.openBatch(worker)
	if err != nil {
		return err
	}
	fill(b)
	if b.IsFull() {
		return p.handOver(worker)
	}
	return nil
}

// openBatch returns the open batch of worker, acquiring one if a previous
// acquisition was interrupted.
func (p *PersistenceProcessor) openBatch(worker int) (*Batch, error) {
	if p.closed {
		return nil, ErrProcessorClosed
	}
	if p.current[worker] == nil {
		b, err := p.pool.NextEmptyBatch(p.ctx)
		if err != nil {
			return nil, err
		}
		p.current[worker] = b
	}
	return p.current[worker], nil
}

// handOver gives the open batch to its worker and blocks until a fresh one is
// acquired, so nothing is ever added to a batch being written.
func (p *PersistenceProcessor) handOver(worker int) error {
	b := p.current[worker]
	p.current[worker] = nil
	p.handlers[worker].submit(b)

	next, err := p.pool.NextEmptyBatch(p.ctx)
	if err != nil {
		return err
	}
	p.current[worker] = next
	return nil
}

// Close stops accepting decisions, hands the open non-empty batches over and
// waits for the handlers to finish writing them. An in-flight write is never
// cancelled.
func (p *PersistenceProcessor) Close() {
	p.cancel()
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	for i, b := range p.current {
		p.current[i] = nil
		if b != nil && !b.IsEmpty() {
			p.handlers[i].submit(b)
		}
	}
	p.lock.Unlock()

	for _, h := range p.handlers {
		h.stop()
	}
	p.logger.Info("persistence processor closed")
}
