package core

import (
	"fmt"
)

type MsgType uint8

const (
	TimestampRequestType MsgType = iota
	CommitRequestType
	TimestampResponseType
	CommitResponseType
)

func (t MsgType) String() string {
	switch t {
	case TimestampRequestType:
		return "timestamp-request"
	case CommitRequestType:
		return "commit-request"
	case TimestampResponseType:
		return "timestamp-response"
	case CommitResponseType:
		return "commit-response"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// TimestampRequest asks the oracle for a new start timestamp.
type TimestampRequest struct{}

// CommitRequest asks the oracle to commit the transaction started at StartTimestamp
// which wrote the cells in CellIDs. IsRetry is set on every retransmission so the
// server can tell a retried request from an original one.
type CommitRequest struct {
	StartTimestamp int64
	CellIDs        []int64
	IsRetry        bool
}

// Clone returns a deep copy of the request.
func (r *CommitRequest) Clone() *CommitRequest {
	c := &CommitRequest{
		StartTimestamp: r.StartTimestamp,
		IsRetry:        r.IsRetry,
	}
	if r.CellIDs != nil {
		c.CellIDs = make([]int64, len(r.CellIDs))
		copy(c.CellIDs, r.CellIDs)
	}
	return c
}

type TimestampResponse struct {
	StartTimestamp int64
}

// CommitResponse carries the decision for one commit request. NotMaster is set when
// the replica answering lost its mastership before persisting the decision.
type CommitResponse struct {
	StartTimestamp  int64
	Aborted         bool
	CommitTimestamp int64
	NotMaster       bool
}

// MsgTypeOf maps a protocol message to its wire type byte.
func MsgTypeOf(msg interface{}) (MsgType, error) {
	switch msg.(type) {
	case *TimestampRequest:
		return TimestampRequestType, nil
	case *CommitRequest:
		return CommitRequestType, nil
	case *TimestampResponse:
		return TimestampResponseType, nil
	case *CommitResponse:
		return CommitResponseType, nil
	default:
		return 0, fmt.Errorf("unknown message %T", msg)
	}
}

// newMsg allocates an empty message for a wire type byte.
func newMsg(t MsgType) (interface{}, error) {
	switch t {
	case TimestampRequestType:
		return &TimestampRequest{}, nil
	case CommitRequestType:
		return &CommitRequest{}, nil
	case TimestampResponseType:
		return &TimestampResponse{}, nil
	case CommitResponseType:
		return &CommitResponse{}, nil
	default:
		return nil, fmt.Errorf("unknown rpc type %d", uint8(t))
	}
}
