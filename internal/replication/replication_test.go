package replication

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

// Test fakes for the engine's collaborators. They follow the error-injection
// style of hand-written mocks used across the repo: scripted behavior plus
// recorded calls for inspection.

// recordedWrite pairs an issued write request with its call future.
type recordedWrite struct {
	req  *WriteRequest
	call *WriteCall
}

// fakeBackups implements BackupClient. With autoComplete set, writes succeed
// immediately; otherwise tests resolve the recorded write futures by hand.
// Frees always complete immediately.
type fakeBackups struct {
	mu           sync.Mutex
	autoComplete bool
	notify       func()

	writes []recordedWrite
	frees  []cluster.ServerID

	// failWritesTo makes writes against the listed backups complete as
	// BackupDown.
	failWritesTo map[cluster.ServerID]bool

	// rejectOpensOn makes opening writes against the listed backups complete
	// as OpenRejected.
	rejectOpensOn map[cluster.ServerID]bool
}

func newFakeBackups(autoComplete bool) *fakeBackups {
	return &fakeBackups{
		autoComplete:  autoComplete,
		failWritesTo:  make(map[cluster.ServerID]bool),
		rejectOpensOn: make(map[cluster.ServerID]bool),
	}
}

func (b *fakeBackups) StartWrite(req *WriteRequest) *WriteCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := NewWriteCall(b.notify)
	b.writes = append(b.writes, recordedWrite{req: req, call: call})
	if b.failWritesTo[req.Backup] {
		call.Complete(WriteBackupDown, nil)
	} else if req.Open && b.rejectOpensOn[req.Backup] {
		call.Complete(WriteOpenRejected, nil)
	} else if b.autoComplete {
		call.Complete(WriteOK, nil)
	}
	return call
}

func (b *fakeBackups) StartFree(backupID, master cluster.ServerID, segmentID uint64) *FreeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := NewFreeCall(b.notify)
	b.frees = append(b.frees, backupID)
	call.Complete()
	return call
}

// writesTo returns all recorded writes against one backup.
func (b *fakeBackups) writesTo(id cluster.ServerID) []recordedWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedWrite
	for _, w := range b.writes {
		if w.req.Backup == id {
			out = append(out, w)
		}
	}
	return out
}

func (b *fakeBackups) allWrites() []recordedWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedWrite(nil), b.writes...)
}

// pendingWrites returns issued but uncompleted writes.
func (b *fakeBackups) pendingWrites() []recordedWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedWrite
	for _, w := range b.writes {
		if !w.call.Ready() {
			out = append(out, w)
		}
	}
	return out
}

// completePending resolves every outstanding write with outcome.
func (b *fakeBackups) completePending(outcome WriteOutcome) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, w := range b.writes {
		if !w.call.Ready() {
			w.call.Complete(outcome, nil)
			n++
		}
	}
	return n
}

// fakeCoordinator implements CoordinatorClient, applying updates to a local
// table and completing calls immediately (or with err when set).
type fakeCoordinator struct {
	mu     sync.Mutex
	epochs map[uint64]uint64
	err    error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{epochs: make(map[uint64]uint64)}
}

func (c *fakeCoordinator) StartUpdateEpoch(master cluster.ServerID, segmentID, epoch uint64) *EpochCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := NewEpochCall(nil)
	if c.err != nil {
		call.Complete(c.err)
		return call
	}
	if c.epochs[segmentID] < epoch {
		c.epochs[segmentID] = epoch
	}
	call.Complete(nil)
	return call
}

func (c *fakeCoordinator) epoch(segmentID uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[segmentID]
}

// backupID is shorthand for test server ids.
func backupID(id uint64) cluster.ServerID {
	return cluster.ServerID{ID: id, Generation: 1}
}

var testMaster = cluster.ServerID{ID: 99, Generation: 0}

// newTestManager wires a manager over the fakes with numReplicas replicas
// and the given per-write byte cap.
func newTestManager(t interface {
	Fatalf(format string, args ...interface{})
}, backups *fakeBackups, numReplicas int, maxBytes uint32,
	backupIDs ...cluster.ServerID) (*ReplicaManager, *fakeCoordinator) {
	config := DefaultConfig()
	config.NumReplicas = numReplicas
	config.MaxBytesPerWriteRPC = maxBytes
	coordinator := newFakeCoordinator()
	selector := NewServerListSelector(backupIDs, 1)
	m, err := NewReplicaManager(testMaster, backups, selector, coordinator, config)
	if err != nil {
		t.Fatalf("NewReplicaManager: %v", err)
	}
	backups.notify = m.Wake
	return m, coordinator
}

// drive performs scheduling passes until the queue drains or the pass budget
// is spent (gated segments re-schedule themselves forever by design).
func drive(m *ReplicaManager) {
	for i := 0; i < 200 && m.OutstandingTasks() > 0; i++ {
		m.Proceed()
	}
}

// newOpenSegment builds a source segment whose opening bytes are a single
// digest entry; tests append any further data themselves.
func newOpenSegment(capacity uint32, digest []uint64) *segment.Segment {
	seg := segment.New(capacity)
	if err := seg.AppendDigest(digest); err != nil {
		panic(err)
	}
	return seg
}
