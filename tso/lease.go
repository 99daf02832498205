package tso

// LeaseManagement decides whether this process may act as the master TSO.
type LeaseManagement interface {
	Start() error
	Stop()
	// StillInLeasePeriod must be cheap and free of side effects: it is asked twice
	// per persisted batch.
	StillInLeasePeriod() bool
}

// VoidLeaseManager is used when a single TSO runs without high availability.
type VoidLeaseManager struct{}

func (VoidLeaseManager) Start() error             { return nil }
func (VoidLeaseManager) Stop()                    {}
func (VoidLeaseManager) StillInLeasePeriod() bool { return true }
