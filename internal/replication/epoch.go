package replication

// UpdateReplicationEpochTask tracks, per segment id, the minimum replication
// epoch the master wants recorded at the coordinator, and lazily pushes
// updates until the coordinator has confirmed them. It is shared by all
// ReplicatedSegments of one ReplicaManager and runs on the manager's task
// queue under the manager lock.
//
// Raising the epoch at the coordinator logically shoots down any replica
// written under a lower epoch: the recovery planner ignores such replicas, so
// a lost open replica that resurrects with stale data can never be chosen as
// the head of the log.
type UpdateReplicationEpochTask struct {
	mgr *ReplicaManager

	// desired and confirmed epochs per segment id. Only the highest value
	// ever wins; updates are idempotent.
	desired   map[uint64]uint64
	confirmed map[uint64]uint64

	rpc          *EpochCall
	rpcSegmentID uint64
	rpcEpoch     uint64
}

func newUpdateReplicationEpochTask(mgr *ReplicaManager) *UpdateReplicationEpochTask {
	return &UpdateReplicationEpochTask{
		mgr:       mgr,
		desired:   make(map[uint64]uint64),
		confirmed: make(map[uint64]uint64),
	}
}

// IsAtLeast reports whether the coordinator has confirmed an epoch of at
// least epoch for the segment.
func (t *UpdateReplicationEpochTask) IsAtLeast(segmentID, epoch uint64) bool {
	return t.confirmed[segmentID] >= epoch
}

// UpdateToAtLeast raises the epoch this task will drive to the coordinator
// for the segment. Lower requests than what is already desired are ignored.
func (t *UpdateReplicationEpochTask) UpdateToAtLeast(segmentID, epoch uint64) {
	if t.desired[segmentID] >= epoch {
		return
	}
	t.desired[segmentID] = epoch
	t.mgr.queue.Schedule(t)
}

// forget drops all state for a segment once its ReplicatedSegment has been
// destroyed.
func (t *UpdateReplicationEpochTask) forget(segmentID uint64) {
	delete(t.desired, segmentID)
	delete(t.confirmed, segmentID)
}

// PerformTask drives at most one epoch-update RPC at a time until every
// desired epoch has been confirmed.
func (t *UpdateReplicationEpochTask) PerformTask() {
	if t.rpc != nil {
		if !t.rpc.Ready() {
			t.mgr.queue.Schedule(t)
			return
		}
		if err := t.rpc.Err(); err != nil {
			t.mgr.logger.Warnf("[EPOCH] updateReplicationEpoch(%d, %d) failed, will retry: %v",
				t.rpcSegmentID, t.rpcEpoch, err)
		} else if t.rpcEpoch > t.confirmed[t.rpcSegmentID] {
			t.confirmed[t.rpcSegmentID] = t.rpcEpoch
		}
		t.rpc = nil
	}

	for segmentID, want := range t.desired {
		if want <= t.confirmed[segmentID] {
			continue
		}
		t.rpcSegmentID = segmentID
		t.rpcEpoch = want
		t.rpc = t.mgr.coordinator.StartUpdateEpoch(t.mgr.masterID, segmentID, want)
		t.mgr.queue.Schedule(t)
		return
	}
}
