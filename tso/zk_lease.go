package tso

import (
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// zkConn is the part of *zk.Conn the lease needs.
type zkConn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Close()
}

// ZKLeaseManager holds mastership through an ephemeral ZooKeeper node whose data
// is this TSO's address. The holder bumps the node version every half period;
// the lease is valid until one period after the last successful bump.
type ZKLeaseManager struct {
	logger    hclog.Logger
	conn      zkConn
	leasePath string
	holder    []byte
	period    time.Duration
	now       func() time.Time

	// expiry is the lease deadline in unix nanoseconds, 0 when not master.
	expiry  int64
	version int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewZKLeaseManager connects to the ZooKeeper ensemble.
func NewZKLeaseManager(servers []string, leasePath, holder string, period time.Duration, logger hclog.Logger) (*ZKLeaseManager, error) {
	conn, _, err := zk.Connect(servers, period)
	if err != nil {
		return nil, errors.Wrap(err, "connect to zookeeper")
	}
	return newZKLeaseManager(conn, leasePath, holder, period, logger), nil
}

func newZKLeaseManager(conn zkConn, leasePath, holder string, period time.Duration, logger hclog.Logger) *ZKLeaseManager {
	return &ZKLeaseManager{
		logger:    namedLogger(logger, "lease"),
		conn:      conn,
		leasePath: leasePath,
		holder:    []byte(holder),
		period:    period,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start makes one attempt to take the lease synchronously and keeps trying or
// renewing in the background.
func (m *ZKLeaseManager) Start() error {
	if err := m.ensureParent(); err != nil {
		return err
	}
	m.tick()
	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *ZKLeaseManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		atomic.StoreInt64(&m.expiry, 0)
		m.conn.Close()
	})
}

func (m *ZKLeaseManager) StillInLeasePeriod() bool {
	expiry := atomic.LoadInt64(&m.expiry)
	return expiry != 0 && m.now().UnixNano() < expiry
}

func (m *ZKLeaseManager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.period / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *ZKLeaseManager) tick() {
	if atomic.LoadInt64(&m.expiry) == 0 {
		m.acquire()
		return
	}
	m.renew()
}

func (m *ZKLeaseManager) acquire() {
	start := m.now()
	_, err := m.conn.Create(m.leasePath, m.holder, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	switch {
	case err == nil:
		m.version = 0
	case errors.Is(err, zk.ErrNodeExists):
		data, stat, getErr := m.conn.Get(m.leasePath)
		if getErr != nil || string(data) != string(m.holder) {
			m.logger.Debug("lease held by another tso", "holder", string(data))
			return
		}
		// Our own node survived a session hiccup.
		m.version = stat.Version
	default:
		m.logger.Warn("failed to acquire lease", "path", m.leasePath, "error", err)
		return
	}
	atomic.StoreInt64(&m.expiry, start.Add(m.period).UnixNano())
	m.logger.Info("lease acquired", "path", m.leasePath)
}

func (m *ZKLeaseManager) renew() {
	start := m.now()
	stat, err := m.conn.Set(m.leasePath, m.holder, m.version)
	if err != nil {
		if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
			atomic.StoreInt64(&m.expiry, 0)
			m.logger.Warn("lease lost", "path", m.leasePath, "error", err)
			return
		}
		// The current deadline still stands; the next tick tries again.
		m.logger.Warn("failed to renew lease", "path", m.leasePath, "error", err)
		return
	}
	m.version = stat.Version
	atomic.StoreInt64(&m.expiry, start.Add(m.period).UnixNano())
}

func (m *ZKLeaseManager) ensureParent() error {
	parent := path.Dir(m.leasePath)
	if parent == "/" || parent == "." {
		return nil
	}
	var current string
	for _, part := range splitPath(parent) {
		current += "/" + part
		_, err := m.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "create %s", current)
		}
	}
	return nil
}

func splitPath(p string) []string {
	var parts []string
	for p != "/" && p != "." && p != "" {
		parts = append([]string{path.Base(p)}, parts...)
		p = path.Dir(p)
	}
	return parts
}
