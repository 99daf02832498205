package tso

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/treble-h/tsoracle/committable"
)

// PersistenceHandler is a persistence worker. It owns one commit table writer
// and processes the batches handed to it one at a time, in hand-over order.
type PersistenceHandler struct {
	id       int
	logger   hclog.Logger
	writer   committable.Writer
	lease    LeaseManagement
	reply    *ReplyProcessor
	retry    *RetryProcessor
	panicker Panicker
	pool     BatchPool

	batches chan *Batch
	wg      sync.WaitGroup

	// failed is only touched by the worker goroutine.
	failed bool
}

// HandlerDeps are the collaborators every worker shares.
type HandlerDeps struct {
	Lease       LeaseManagement
	CommitTable committable.CommitTable
	Reply       *ReplyProcessor
	Retry       *RetryProcessor
	Panicker    Panicker
	Logger      hclog.Logger
}

// NewPersistenceHandler creates worker id with its own commit table writer.
func NewPersistenceHandler(id int, deps HandlerDeps) *PersistenceHandler {
	return &PersistenceHandler{
		id:       id,
		logger:   namedLogger(deps.Logger, fmt.Sprintf("persist-%d", id)),
		writer:   deps.CommitTable.NewWriter(),
		lease:    deps.Lease,
		reply:    deps.Reply,
		retry:    deps.Retry,
		panicker: deps.Panicker,
	}
}

// start launches the worker goroutine. queueSize bounds the batches that can be
// waiting, which is never more than the pool holds.
func (h *PersistenceHandler) start(pool BatchPool, queueSize int) {
	h.pool = pool
	h.batches = make(chan *Batch, queueSize)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for b := range h.batches {
			if h.failed {
				h.logger.Error("dropping batch after fatal error", "batch", b.ID(), "events", b.Len())
				h.pool.Release(b)
				continue
			}
			h.process(b)
		}
	}()
}

func (h *PersistenceHandler) submit(b *Batch) {
	h.batches <- b
}

// stop lets queued batches drain and waits for the in-flight write.
func (h *PersistenceHandler) stop() {
	close(h.batches)
	h.wg.Wait()
}

func (h *PersistenceHandler) process(b *Batch) {
	defer func() {
		if r := recover(); r != nil {
			h.fail(b, "unexpected error persisting batch", errors.Errorf("%v", r))
		}
	}()

	if !h.lease.StillInLeasePeriod() {
		h.logger.Warn("not in lease period, rejecting batch", "batch", b.ID(), "events", b.Len())
		h.reply.SendNotMaster(b)
		persistBatches.WithLabelValues("not_master").Inc()
		h.pool.Release(b)
		return
	}

	if err := h.write(b); err != nil {
		h.fail(b, "persisting batch to commit table", err)
		return
	}

	if !h.lease.StillInLeasePeriod() {
		// The write may or may not be visible to the next master.
		h.logger.Warn("lease lost while persisting batch", "batch", b.ID(), "events", b.Len())
		h.retry.ResolveBatch(b)
		persistBatches.WithLabelValues("lease_lost").Inc()
		h.pool.Release(b)
		return
	}

	h.reply.ManageResponses(b)
	persistBatches.WithLabelValues("ok").Inc()
	h.pool.Release(b)
}

func (h *PersistenceHandler) write(b *Batch) error {
	for _, e := range b.Events() {
		var err error
		switch e.Type {
		case commitEvent:
			err = h.writer.AddCommittedTransaction(e.StartTimestamp, e.CommitTimestamp)
		case abortEvent:
			err = h.writer.AddAbortedTransaction(e.StartTimestamp)
		}
		if err != nil {
			return err
		}
	}
	if lwm, ok := b.LowWatermark(); ok {
		if err := h.writer.UpdateLowWatermark(lwm); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := h.writer.Flush(); err != nil {
		return err
	}
	flushDuration.Observe(time.Since(start).Seconds())
	return nil
}

// fail hands the error to the panicker. Should the panicker return, the batch
// goes back to the pool unanswered so the dispatcher never blocks on it.
func (h *PersistenceHandler) fail(b *Batch, msg string, err error) {
	h.failed = true
	persistBatches.WithLabelValues("failed").Inc()
	h.writer.ClearWriteBuffer()
	h.panicker.Panic(msg, err)
	h.pool.Release(b)
}
