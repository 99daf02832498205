package tso

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/treble-h/tsoracle/committable"
)

// TimestampOracle hands out strictly increasing timestamps. Before handing out
// a value above the persisted bound it moves the bound up by one batch, so a
// restarted oracle never repeats a timestamp.
type TimestampOracle struct {
	logger  hclog.Logger
	storage committable.TimestampStorage
	batch   int64

	lock         sync.Mutex
	last         int64
	maxAllocated int64
}

// NewTimestampOracle resumes from the bound found in storage.
func NewTimestampOracle(storage committable.TimestampStorage, batch int64, logger hclog.Logger) (*TimestampOracle, error) {
	if batch <= 0 {
		return nil, errors.Errorf("invalid timestamp batch %d", batch)
	}
	saved, err := storage.GetMaxTimestamp()
	if err != nil {
		return nil, errors.Wrap(err, "load max timestamp")
	}
	o := &TimestampOracle{
		logger:       namedLogger(logger, "oracle"),
		storage:      storage,
		batch:        batch,
		last:         saved,
		maxAllocated: saved,
	}
	if err := o.allocate(); err != nil {
		return nil, err
	}
	o.logger.Info("timestamp oracle initialized", "last", o.last, "max-allocated", o.maxAllocated)
	return o, nil
}

// Next returns a timestamp greater than every timestamp returned before,
// across restarts.
func (o *TimestampOracle) Next() (int64, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.last >= o.maxAllocated {
		if err := o.allocate(); err != nil {
			return 0, err
		}
	}
	o.last++
	return o.last, nil
}

// Last returns the latest timestamp handed out.
func (o *TimestampOracle) Last() int64 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.last
}

func (o *TimestampOracle) allocate() error {
	next := o.maxAllocated + o.batch
	if err := o.storage.UpdateMaxTimestamp(o.maxAllocated, next); err != nil {
		return errors.Wrap(err, "persist max timestamp")
	}
	o.maxAllocated = next
	return nil
}
