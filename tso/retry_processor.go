package tso

import (
	"github.com/hashicorp/go-hclog"

	"github.com/treble-h/tsoracle/committable"
	"github.com/treble-h/tsoracle/core"
)

// RetryProcessor answers commits whose outcome this process cannot vouch for
// from memory: retried requests and batches whose lease lapsed during the write.
// The commit table is the source of truth for both.
type RetryProcessor struct {
	logger   hclog.Logger
	client   committable.Client
	reply    *ReplyProcessor
	panicker Panicker
}

// NewRetryProcessor builds the retry processor together with the reply
// processor it answers through.
func NewRetryProcessor(client committable.Client, panicker Panicker, logger hclog.Logger) (*RetryProcessor, *ReplyProcessor) {
	retry := &RetryProcessor{
		logger:   namedLogger(logger, "retry"),
		client:   client,
		panicker: panicker,
	}
	retry.reply = NewReplyProcessor(retry, logger)
	return retry, retry.reply
}

// Resolve answers with the stored commit timestamp, or aborts when the commit
// table holds no commit for startTimestamp.
func (p *RetryProcessor) Resolve(startTimestamp int64, conn core.ReplyConn) {
	commitTimestamp, found, err := p.client.GetCommitTimestamp(startTimestamp)
	if err != nil {
		p.panicker.Panic("reading commit table", err)
		return
	}
	if found && commitTimestamp != committable.InvalidTransactionMarker {
		p.logger.Debug("retried commit already committed", "start-ts", startTimestamp, "commit-ts", commitTimestamp)
		p.reply.SendCommit(conn, startTimestamp, commitTimestamp)
		return
	}
	p.logger.Debug("retried commit not found, aborting", "start-ts", startTimestamp)
	p.reply.SendAbort(conn, startTimestamp)
}

// ResolveBatch resolves every decision of b through the commit table.
func (p *RetryProcessor) ResolveBatch(b *Batch) {
	for _, e := range b.Events() {
		p.Resolve(e.StartTimestamp, e.Conn)
	}
}
