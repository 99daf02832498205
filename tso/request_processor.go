package tso

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/treble-h/tsoracle/core"
)

// RequestProcessor decides every request in arrival order. It is driven by a
// single goroutine and needs no locking of its own.
type RequestProcessor struct {
	logger   hclog.Logger
	oracle   *TimestampOracle
	cache    *commitCache
	persist  *PersistenceProcessor
	reply    *ReplyProcessor
	panicker Panicker
	// latency records how long a request waited from receipt to its decision.
	latency func(kind string, d time.Duration)

	lowWatermark int64
}

func observeRequestLatency(kind string, d time.Duration) {
	requestLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// NewRequestProcessor starts with a low watermark at the oracle's last
// timestamp: conflicts decided before a restart are not remembered.
func NewRequestProcessor(oracle *TimestampOracle, conflictMapSize int, persist *PersistenceProcessor,
	reply *ReplyProcessor, panicker Panicker, logger hclog.Logger) (*RequestProcessor, error) {
	p := &RequestProcessor{
		logger:       namedLogger(logger, "requests"),
		oracle:       oracle,
		cache:        newCommitCache(conflictMapSize),
		persist:      persist,
		reply:        reply,
		panicker:     panicker,
		latency:      observeRequestLatency,
		lowWatermark: oracle.Last(),
	}
	if err := persist.AddLowWatermarkToBatch(p.lowWatermark); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RequestProcessor) LowWatermark() int64 {
	return p.lowWatermark
}

// Handle dispatches one request received from a client.
func (p *RequestProcessor) Handle(env core.Envelope) {
	switch req := env.Command.(type) {
	case *core.TimestampRequest:
		requestCounter.WithLabelValues("timestamp").Inc()
		p.timestampRequest(env.Conn)
		p.observe("timestamp", env.Timestamp)
	case *core.CommitRequest:
		kind := "commit"
		if req.IsRetry {
			kind = "commit_retry"
		}
		requestCounter.WithLabelValues(kind).Inc()
		p.commitRequest(req, env.Conn)
		p.observe(kind, env.Timestamp)
	default:
		p.logger.Error("unexpected request", "type", hclog.Fmt("%T", env.Command))
	}
}

// observe skips envelopes without a receive time, such as those built in process.
func (p *RequestProcessor) observe(kind string, received int64) {
	if received == 0 {
		return
	}
	p.latency(kind, time.Since(time.Unix(0, received)))
}

func (p *RequestProcessor) timestampRequest(conn core.ReplyConn) {
	ts, err := p.oracle.Next()
	if err != nil {
		p.panicker.Panic("allocating timestamp", err)
		return
	}
	p.reply.SendTimestamp(conn, ts)
}

func (p *RequestProcessor) commitRequest(req *core.CommitRequest, conn core.ReplyConn) {
	start := req.StartTimestamp
	if req.IsRetry {
		p.enqueue(p.persist.AddRetryToBatch(start, conn), start)
		return
	}

	if start <= p.lowWatermark || p.conflicts(req) {
		p.enqueue(p.persist.AddAbortToBatch(start, conn), start)
		return
	}

	commitTs, err := p.oracle.Next()
	if err != nil {
		p.panicker.Panic("allocating commit timestamp", err)
		return
	}

	newLowWatermark := p.lowWatermark
	for _, cell := range req.CellIDs {
		if evicted, ok := p.cache.set(cell, commitTs); ok && evicted > newLowWatermark {
			newLowWatermark = evicted
		}
	}
	if newLowWatermark != p.lowWatermark {
		p.lowWatermark = newLowWatermark
		if err := p.persist.AddLowWatermarkToBatch(newLowWatermark); err != nil {
			p.logger.Error("failed to queue low watermark", "low-watermark", newLowWatermark, "error", err)
		}
	}

	p.enqueue(p.persist.AddCommitToBatch(start, commitTs, conn), start)
}

// conflicts reports whether any cell was committed after the transaction started.
func (p *RequestProcessor) conflicts(req *core.CommitRequest) bool {
	for _, cell := range req.CellIDs {
		if last, ok := p.cache.get(cell); ok && last > req.StartTimestamp {
			return true
		}
	}
	return false
}

func (p *RequestProcessor) enqueue(err error, startTimestamp int64) {
	if err != nil {
		// The client times out and retries against the next master.
		p.logger.Warn("failed to queue decision", "start-ts", startTimestamp, "error", err)
	}
}
