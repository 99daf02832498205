package tso

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/treble-h/tsoracle/committable"
	"github.com/treble-h/tsoracle/config"
	"github.com/treble-h/tsoracle/core"
)

// replyWriteTimeout bounds a reply write to a stalled client.
const replyWriteTimeout = 10 * time.Second

// Storage is the durable state of a TSO.
type Storage interface {
	committable.CommitTable
	committable.TimestampStorage
}

// Server accepts client connections and decides their requests on a single
// goroutine; decisions are made durable by the persistence workers.
type Server struct {
	conf   *config.ServerConfig
	logger hclog.Logger

	lease    LeaseManagement
	persist  *PersistenceProcessor
	requests *RequestProcessor
	trans    *core.NetworkTransport

	shutdownCh   chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once
}

// NewServer wires the request pipeline. Nothing listens until Start.
func NewServer(conf *config.ServerConfig, storage Storage, lease LeaseManagement, panicker Panicker, logger hclog.Logger) (*Server, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "tso",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}

	oracle, err := NewTimestampOracle(storage, conf.TimestampBatch, logger)
	if err != nil {
		return nil, err
	}

	retry, reply := NewRetryProcessor(storage.Client(), panicker, logger)
	handlers := make([]*PersistenceHandler, conf.NumConcurrentWriters)
	for i := range handlers {
		handlers[i] = NewPersistenceHandler(i, HandlerDeps{
			Lease:       lease,
			CommitTable: storage,
			Reply:       reply,
			Retry:       retry,
			Panicker:    panicker,
			Logger:      logger,
		})
	}

	pool := NewBatchPool(conf.BatchPoolSize, conf.BatchSizePerWriter)
	persist, err := NewPersistenceProcessor(pool, handlers, logger)
	if err != nil {
		return nil, err
	}

	requests, err := NewRequestProcessor(oracle, conf.ConflictMapSize, persist, reply, panicker, logger)
	if err != nil {
		persist.Close()
		return nil, err
	}

	return &Server{
		conf:       conf,
		logger:     logger,
		lease:      lease,
		persist:    persist,
		requests:   requests,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Start takes part in the lease election and starts serving clients.
func (s *Server) Start() error {
	if err := s.lease.Start(); err != nil {
		return errors.Wrap(err, "start lease manager")
	}

	addr := net.JoinHostPort("", strconv.Itoa(s.conf.Port))
	trans, err := core.NewTCPTransportWithConfig(addr, &core.NetworkTransportConfig{
		Logger:  s.logger.Named("net"),
		Timeout: replyWriteTimeout,
	})
	if err != nil {
		s.lease.Stop()
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.trans = trans
	s.logger.Info("tso server listening", "addr", trans.LocalAddr())

	go s.run()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	return s.trans.LocalAddr()
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	_, port, err := net.SplitHostPort(s.trans.LocalAddr())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

func (s *Server) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.conf.BatchPersistTimeout)
	defer ticker.Stop()

	requests := s.trans.Consumer()
	transportDown := s.trans.ShutdownCh()
	for {
		select {
		case env := <-requests:
			s.requests.Handle(env)
		case <-ticker.C:
			if err := s.persist.TriggerCurrentBatchFlush(); err != nil {
				s.logger.Warn("periodic flush failed", "error", err)
			}
		case <-transportDown:
			s.logger.Warn("transport stopped, no longer deciding requests")
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// Close stops deciding requests, lets the workers finish what was accepted and
// then drops the client connections and the lease.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if s.trans != nil {
			<-s.doneCh
		}
		s.persist.Close()
		if s.trans != nil {
			s.trans.Close()
		}
		s.lease.Stop()
		s.logger.Info("tso server stopped")
	})
	return nil
}

func namedLogger(logger hclog.Logger, name string) hclog.Logger {
	if logger == nil {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "tso-" + name,
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return logger.Named(name)
}
