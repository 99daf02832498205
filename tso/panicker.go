package tso

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Panicker takes down the process when the TSO can no longer trust its own state.
// Implementations are not expected to return. If one does, the failed worker
// stops persisting: it releases every batch it receives without writing or
// answering it.
type Panicker interface {
	Panic(msg string, err error)
}

// SystemExitPanicker logs and exits the process.
type SystemExitPanicker struct {
	Logger hclog.Logger
}

func (p *SystemExitPanicker) Panic(msg string, err error) {
	if p.Logger != nil {
		p.Logger.Error("fatal error, shutting down", "reason", msg, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "fatal error, shutting down: %s: %v\n", msg, err)
	}
	os.Exit(1)
}

// RuntimePanicker turns the fatal error into a Go panic, for embedders that
// manage the process lifetime themselves.
type RuntimePanicker struct{}

func (RuntimePanicker) Panic(msg string, err error) {
	panic(fmt.Sprintf("%s: %v", msg, err))
}
