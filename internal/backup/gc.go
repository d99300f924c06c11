package backup

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

// ServerTracker exposes the coordinator's view of a server's membership
// state to the garbage collectors.
type ServerTracker interface {
	Status(id cluster.ServerID) cluster.ServerStatus
}

// IsReplicaNeededCall is the future for an isReplicaNeeded RPC to a
// replacement master.
type IsReplicaNeededCall struct {
	done   chan struct{}
	once   sync.Once
	needed bool
	err    error
}

// NewIsReplicaNeededCall creates a pending call.
func NewIsReplicaNeededCall() *IsReplicaNeededCall {
	return &IsReplicaNeededCall{done: make(chan struct{})}
}

// Complete resolves the call.
func (c *IsReplicaNeededCall) Complete(needed bool, err error) {
	c.once.Do(func() {
		c.needed = needed
		c.err = err
		close(c.done)
	})
}

// Ready reports whether the call has completed.
func (c *IsReplicaNeededCall) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome; valid only after Ready reports true.
func (c *IsReplicaNeededCall) Result() (bool, error) {
	<-c.done
	return c.needed, c.err
}

// MasterClient asks a (replacement) master whether it still needs a replica.
type MasterClient interface {
	StartIsReplicaNeeded(master cluster.ServerID, segmentID uint64) *IsReplicaNeededCall
}

// GarbageCollectDownServerTask frees every replica of a master the
// coordinator has declared permanently down, and disposes any in-flight
// recovery state for it. One frame is freed per scheduling pass to keep the
// queue responsive. Idempotent.
type GarbageCollectDownServerTask struct {
	svc      *Service
	masterID cluster.ServerID
}

// NewGarbageCollectDownServerTask creates the task; call Schedule to run it.
func NewGarbageCollectDownServerTask(svc *Service, masterID cluster.ServerID) *GarbageCollectDownServerTask {
	return &GarbageCollectDownServerTask{svc: svc, masterID: masterID}
}

// Schedule enqueues the task on the service queue.
func (t *GarbageCollectDownServerTask) Schedule() {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	t.svc.queue.Schedule(t)
	t.svc.wakeLocked()
}

// PerformTask runs under the service lock.
func (t *GarbageCollectDownServerTask) PerformTask() {
	if !t.svc.config.GC {
		return
	}
	if rec := t.svc.recoveries[t.masterID]; rec != nil {
		rec.dispose()
	}
	for key := range t.svc.frames {
		if key.master != t.masterID {
			continue
		}
		_ = t.svc.freeSegmentLocked(key.master, key.segmentID)
		t.svc.queue.Schedule(t)
		return
	}
}

// GarbageCollectReplicasFoundOnStorageTask probes a replacement master about
// replicas found on storage at restart, one segment at a time. Replicas the
// master no longer needs (it recovered past them, or it is gone for good) are
// freed; while the master is marked crashed the task waits for the cluster to
// recover from its failure before asking. Idempotent.
type GarbageCollectReplicasFoundOnStorageTask struct {
	svc      *Service
	masterID cluster.ServerID

	tracker ServerTracker
	masters MasterClient

	segmentIDs []uint64
	rpc        *IsReplicaNeededCall
	rpcSegment uint64
}

// NewGarbageCollectReplicasFoundOnStorageTask creates the task.
func NewGarbageCollectReplicasFoundOnStorageTask(svc *Service, masterID cluster.ServerID,
	tracker ServerTracker, masters MasterClient) *GarbageCollectReplicasFoundOnStorageTask {
	return &GarbageCollectReplicasFoundOnStorageTask{
		svc:      svc,
		masterID: masterID,
		tracker:  tracker,
		masters:  masters,
	}
}

// AddSegmentID appends a replica found on storage for the task's master.
func (t *GarbageCollectReplicasFoundOnStorageTask) AddSegmentID(segmentID uint64) {
	t.segmentIDs = append(t.segmentIDs, segmentID)
}

// Schedule enqueues the task on the service queue.
func (t *GarbageCollectReplicasFoundOnStorageTask) Schedule() {
	t.svc.mu.Lock()
	defer t.svc.mu.Unlock()
	t.svc.queue.Schedule(t)
	t.svc.wakeLocked()
}

// PerformTask runs under the service lock.
func (t *GarbageCollectReplicasFoundOnStorageTask) PerformTask() {
	if !t.svc.config.GC {
		return
	}

	if t.rpc != nil {
		if !t.rpc.Ready() {
			t.svc.queue.Schedule(t)
			return
		}
		needed, err := t.rpc.Result()
		t.rpc = nil
		if err != nil || !needed {
			// An unreachable master counts as recovered; if it ever comes
			// back it enlists under a new generation and these replicas can
			// never serve it.
			t.svc.logger.Infof("[BACKUP] Server has recovered from lost replica; "+
				"freeing replica for <%s,%d>", t.masterID, t.rpcSegment)
			_ = t.svc.freeSegmentLocked(t.masterID, t.rpcSegment)
			t.popSegment(t.rpcSegment)
		} else {
			t.svc.logger.Infof("[BACKUP] Server has not recovered from lost replica; "+
				"retaining replica for <%s,%d>; will probe replica status again later",
				t.masterID, t.rpcSegment)
		}
		t.svc.queue.Schedule(t)
		return
	}

	for len(t.segmentIDs) > 0 {
		segmentID := t.segmentIDs[0]
		if t.svc.frames[frameKey{master: t.masterID, segmentID: segmentID}] == nil {
			// Freed by other means (e.g. the master freed it before dying).
			t.segmentIDs = t.segmentIDs[1:]
			continue
		}
		switch t.tracker.Status(t.masterID) {
		case cluster.ServerUp:
			t.rpcSegment = segmentID
			t.rpc = t.masters.StartIsReplicaNeeded(t.masterID, segmentID)
			t.svc.queue.Schedule(t)
			return
		case cluster.ServerCrashed:
			t.svc.logger.Infof("[BACKUP] Server %s marked crashed; waiting for cluster to "+
				"recover from its failure before freeing <%s,%d>",
				t.masterID, t.masterID, segmentID)
			t.svc.queue.Schedule(t)
			return
		case cluster.ServerDown:
			t.svc.logger.Infof("[BACKUP] Server %s marked down; cluster has recovered from "+
				"its failure; freeing replica for <%s,%d>",
				t.masterID, t.masterID, segmentID)
			_ = t.svc.freeSegmentLocked(t.masterID, segmentID)
			t.segmentIDs = t.segmentIDs[1:]
		}
	}
}

func (t *GarbageCollectReplicasFoundOnStorageTask) popSegment(segmentID uint64) {
	for i, id := range t.segmentIDs {
		if id == segmentID {
			t.segmentIDs = append(t.segmentIDs[:i], t.segmentIDs[i+1:]...)
			return
		}
	}
}
