package tsoclient

import "errors"

var (
	// ErrServiceUnavailable is returned once a request used up its retries.
	ErrServiceUnavailable = errors.New("number of retries exceeded, request failed permanently")
	// ErrClosing is returned for requests outstanding or issued while the client closes.
	ErrClosing = errors.New("tso client is closing")
	// ErrAborted is returned when the TSO aborted the transaction.
	ErrAborted = errors.New("transaction aborted by the tso")
	// ErrNotMaster is returned when the TSO answering is no longer the master.
	// The commit was not persisted, so it is safe to retry on the new master.
	ErrNotMaster = errors.New("tso is not the master")
	// ErrConnection reports a lost connection to the TSO.
	ErrConnection = errors.New("connection to the tso lost")
	// ErrCommitInProgress is returned when a commit for the same start timestamp
	// is already outstanding.
	ErrCommitInProgress = errors.New("commit already in progress for start timestamp")
	// ErrUnknownRequest is returned for a request kind the TSO does not serve.
	ErrUnknownRequest = errors.New("unknown request")
)
