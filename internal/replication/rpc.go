package replication

import (
	"sync"
	"sync/atomic"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

// WriteOutcome is the tagged result of a completed segment write RPC.
// Failures are data, not panics: performWrite consumes them in a single
// decision tree.
type WriteOutcome int

const (
	// WriteOK means the backup durably buffered the write.
	WriteOK WriteOutcome = iota
	// WriteBackupDown means the transport could not reach the backup. The
	// replica rolls sent back to acked and waits for the failure monitor.
	WriteBackupDown
	// WriteOpenRejected means the backup refused the opening write (out of
	// frames, or it already holds a replica of this segment from a prior
	// crash). The replica is reset so a different backup gets tried.
	WriteOpenRejected
)

// WriteRequest carries one segment write to a backup.
type WriteRequest struct {
	Backup    cluster.ServerID
	Master    cluster.ServerID
	SegmentID uint64
	Epoch     uint64
	Offset    uint32
	Data      []byte
	// Certificate is nil for partial writes; only certified writes advance a
	// replica's committed state.
	Certificate *segment.Certificate
	Open        bool
	Close       bool
	Primary     bool
}

// WriteCall is the future for an in-flight write RPC. The transport completes
// it from its own goroutine; the replication engine polls Ready under the
// manager lock.
type WriteCall struct {
	done     chan struct{}
	once     sync.Once
	canceled atomic.Bool
	notify   func()

	outcome WriteOutcome
	group   []cluster.ServerID

	// carriedCertificate records whether the request included a certificate;
	// committed advances on ack only when it did.
	carriedCertificate bool
}

// NewWriteCall creates a pending call. notify (may be nil) is invoked once
// when the call completes, so the manager's scheduler can be woken.
func NewWriteCall(notify func()) *WriteCall {
	return &WriteCall{done: make(chan struct{}), notify: notify}
}

// Complete resolves the call. Safe to invoke more than once; only the first
// outcome sticks.
func (c *WriteCall) Complete(outcome WriteOutcome, group []cluster.ServerID) {
	c.once.Do(func() {
		c.outcome = outcome
		c.group = group
		close(c.done)
		if c.notify != nil {
			c.notify()
		}
	})
}

// Ready reports whether the call has completed.
func (c *WriteCall) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Outcome returns the result; valid only after Ready reports true.
func (c *WriteCall) Outcome() WriteOutcome {
	<-c.done
	return c.outcome
}

// Cancel marks the call abandoned. The transport may still deliver the bytes;
// that is safe because backups verify certificates, so garbage from a reused
// buffer is never used during recovery.
func (c *WriteCall) Cancel() {
	c.canceled.Store(true)
}

// Canceled reports whether Cancel was invoked.
func (c *WriteCall) Canceled() bool {
	return c.canceled.Load()
}

// FreeCall is the future for an in-flight free RPC. A free against a backup
// that already left the cluster counts as success: the backup's own garbage
// collector reclaims the frame if the process ever restarts.
type FreeCall struct {
	done   chan struct{}
	once   sync.Once
	notify func()
}

// NewFreeCall creates a pending free call; notify semantics match
// NewWriteCall.
func NewFreeCall(notify func()) *FreeCall {
	return &FreeCall{done: make(chan struct{}), notify: notify}
}

// Complete resolves the call.
func (c *FreeCall) Complete() {
	c.once.Do(func() {
		close(c.done)
		if c.notify != nil {
			c.notify()
		}
	})
}

// Ready reports whether the call has completed.
func (c *FreeCall) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// EpochCall is the future for an updateReplicationEpoch RPC to the
// coordinator.
type EpochCall struct {
	done   chan struct{}
	once   sync.Once
	notify func()
	err    error
}

// NewEpochCall creates a pending epoch-update call.
func NewEpochCall(notify func()) *EpochCall {
	return &EpochCall{done: make(chan struct{}), notify: notify}
}

// Complete resolves the call with err (nil on success).
func (c *EpochCall) Complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		if c.notify != nil {
			c.notify()
		}
	})
}

// Ready reports whether the call has completed.
func (c *EpochCall) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the call's error; valid only after Ready reports true.
func (c *EpochCall) Err() error {
	<-c.done
	return c.err
}

// BackupClient issues asynchronous segment RPCs to backups. The production
// implementation lives in internal/transport; tests use scriptable fakes.
type BackupClient interface {
	StartWrite(req *WriteRequest) *WriteCall
	StartFree(backup, master cluster.ServerID, segmentID uint64) *FreeCall
}

// CoordinatorClient pushes replication-epoch updates to the coordinator.
type CoordinatorClient interface {
	StartUpdateEpoch(master cluster.ServerID, segmentID, epoch uint64) *EpochCall
}

// BackupSelector picks backups for new replicas. Constraints name the servers
// that already hold a replica of the segment; the returned id is never one of
// them. An invalid ServerID means no backup is currently eligible and the
// caller should retry later.
type BackupSelector interface {
	SelectPrimary(constraints []cluster.ServerID) cluster.ServerID
	SelectSecondary(constraints []cluster.ServerID) cluster.ServerID
}
