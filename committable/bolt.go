package committable

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	dbFileName   = "committable.db"
	lockFileName = "LOCK"
)

var (
	commitsBucket = []byte("commits")
	metaBucket    = []byte("meta")

	lowWatermarkKey = []byte("low-watermark")
	maxTimestampKey = []byte("max-timestamp")
)

// BoltCommitTable keeps the commit table and the timestamp storage in one bbolt
// file. The data directory is locked for the lifetime of the table so two TSO
// processes can never write the same log.
type BoltCommitTable struct {
	db      *bbolt.DB
	dirLock *flock.Flock
	logger  hclog.Logger
}

// OpenBoltCommitTable opens (creating if needed) the commit table in dir.
func OpenBoltCommitTable(dir string, logger hclog.Logger) (*BoltCommitTable, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "committable",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}

	dirLock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "lock data dir")
	}
	if !locked {
		return nil, ErrDirectoryLocked
	}

	db, err := bbolt.Open(filepath.Join(dir, dbFileName), 0644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		dirLock.Unlock()
		return nil, errors.Wrap(err, "open commit table")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(commitsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		dirLock.Unlock()
		return nil, errors.Wrap(err, "create commit table buckets")
	}

	logger.Info("commit table opened", "path", db.Path())
	return &BoltCommitTable{db: db, dirLock: dirLock, logger: logger}, nil
}

// NewWriter implements CommitTable.
func (t *BoltCommitTable) NewWriter() Writer {
	return &boltWriter{db: t.db}
}

// Client implements CommitTable.
func (t *BoltCommitTable) Client() Client {
	return t
}

// GetCommitTimestamp implements Client.
func (t *BoltCommitTable) GetCommitTimestamp(startTimestamp int64) (int64, bool, error) {
	var (
		commitTimestamp int64
		found           bool
	)
	err := t.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(commitsBucket).Get(encodeInt64(startTimestamp))
		if v == nil {
			return nil
		}
		commitTimestamp, found = decodeInt64(v), true
		return nil
	})
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	return commitTimestamp, found, nil
}

// ReadLowWatermark implements Client.
func (t *BoltCommitTable) ReadLowWatermark() (int64, error) {
	return t.readMeta(lowWatermarkKey)
}

// GetMaxTimestamp implements TimestampStorage.
func (t *BoltCommitTable) GetMaxTimestamp() (int64, error) {
	return t.readMeta(maxTimestampKey)
}

// UpdateMaxTimestamp implements TimestampStorage.
func (t *BoltCommitTable) UpdateMaxTimestamp(previous, next int64) error {
	err := t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metaBucket)
		var stored int64
		if v := b.Get(maxTimestampKey); v != nil {
			stored = decodeInt64(v)
		}
		if stored != previous {
			return errors.Wrapf(ErrTimestampConflict, "expected %d, stored %d", previous, stored)
		}
		return b.Put(maxTimestampKey, encodeInt64(next))
	})
	return err
}

func (t *BoltCommitTable) readMeta(key []byte) (int64, error) {
	var value int64
	err := t.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(key); v != nil {
			value = decodeInt64(v)
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return value, nil
}

// Close releases the file and the directory lock.
func (t *BoltCommitTable) Close() error {
	err := t.db.Close()
	if unlockErr := t.dirLock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

type boltWriter struct {
	db  *bbolt.DB
	buf writeBuffer
}

func (w *boltWriter) AddCommittedTransaction(startTimestamp, commitTimestamp int64) error {
	w.buf.addCommitted(startTimestamp, commitTimestamp)
	return nil
}

func (w *boltWriter) AddAbortedTransaction(startTimestamp int64) error {
	w.buf.addAborted(startTimestamp)
	return nil
}

func (w *boltWriter) UpdateLowWatermark(lowWatermark int64) error {
	w.buf.updateLowWatermark(lowWatermark)
	return nil
}

// Flush writes the buffer in one bbolt transaction, which is fsynced on commit.
func (w *boltWriter) Flush() error {
	if w.buf.empty() {
		return nil
	}
	err := w.db.Update(func(tx *bbolt.Tx) error {
		commits := tx.Bucket(commitsBucket)
		for _, r := range w.buf.records {
			if err := commits.Put(encodeInt64(r.startTimestamp), encodeInt64(r.commitTimestamp)); err != nil {
				return err
			}
		}
		if w.buf.hasWatermark {
			meta := tx.Bucket(metaBucket)
			if v := meta.Get(lowWatermarkKey); v == nil || decodeInt64(v) < w.buf.lowWatermark {
				if err := meta.Put(lowWatermarkKey, encodeInt64(w.buf.lowWatermark)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "flush commit table")
	}
	w.buf.clear()
	return nil
}

func (w *boltWriter) ClearWriteBuffer() {
	w.buf.clear()
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
