package tso

import (
	"github.com/hashicorp/go-hclog"

	"github.com/treble-h/tsoracle/core"
)

// ReplyProcessor answers clients on the connection their request arrived on.
// A failed send is only logged: the client times out and retries.
type ReplyProcessor struct {
	logger hclog.Logger
	retry  *RetryProcessor
}

func NewReplyProcessor(retry *RetryProcessor, logger hclog.Logger) *ReplyProcessor {
	return &ReplyProcessor{
		logger: namedLogger(logger, "reply"),
		retry:  retry,
	}
}

// ManageResponses answers every decision of a durably written batch.
func (r *ReplyProcessor) ManageResponses(b *Batch) {
	for _, e := range b.Events() {
		switch e.Type {
		case commitEvent:
			r.SendCommit(e.Conn, e.StartTimestamp, e.CommitTimestamp)
		case abortEvent:
			r.SendAbort(e.Conn, e.StartTimestamp)
		case retryEvent:
			r.retry.Resolve(e.StartTimestamp, e.Conn)
		}
	}
}

// SendNotMaster rejects every decision of a batch that was never written.
func (r *ReplyProcessor) SendNotMaster(b *Batch) {
	for _, e := range b.Events() {
		r.send(e.Conn, &core.CommitResponse{StartTimestamp: e.StartTimestamp, NotMaster: true})
	}
}

func (r *ReplyProcessor) SendTimestamp(conn core.ReplyConn, timestamp int64) {
	r.send(conn, &core.TimestampResponse{StartTimestamp: timestamp})
}

func (r *ReplyProcessor) SendCommit(conn core.ReplyConn, startTimestamp, commitTimestamp int64) {
	r.send(conn, &core.CommitResponse{StartTimestamp: startTimestamp, CommitTimestamp: commitTimestamp})
}

func (r *ReplyProcessor) SendAbort(conn core.ReplyConn, startTimestamp int64) {
	r.send(conn, &core.CommitResponse{StartTimestamp: startTimestamp, Aborted: true})
}

func (r *ReplyProcessor) send(conn core.ReplyConn, msg interface{}) {
	if conn == nil {
		return
	}
	if err := conn.Send(msg); err != nil {
		r.logger.Debug("failed to send reply", "remote", conn.RemoteAddr(), "error", err)
	}
}
