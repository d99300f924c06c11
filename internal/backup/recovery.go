package backup

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

type recoverySegmentKey struct {
	segmentID   uint64
	partitionID uint64
}

type recoverySegment struct {
	bytes       []byte
	certificate segment.Certificate
}

// MasterRecovery holds a backup's state for one recovery of one crashed
// master: the frames being read (referenced so frees are deferred) and the
// per-(segment, partition) recovery segments filtered out of them. It is a
// task on the service queue: the first run loads and filters replicas, a run
// after dispose() releases everything.
type MasterRecovery struct {
	svc        *Service
	recoveryID uint64
	master     cluster.ServerID
	partitions cluster.Partitions

	// response is the replica list handed back by startReadingData; cached
	// so repeated calls with the same recovery id are idempotent.
	response *StartReadingDataResponse

	started  bool
	disposed bool

	built     chan struct{}
	builtOnce sync.Once

	segments map[recoverySegmentKey]*recoverySegment
	refs     []frameKey
}

func newMasterRecovery(svc *Service, recoveryID uint64, master cluster.ServerID,
	partitions cluster.Partitions) *MasterRecovery {
	return &MasterRecovery{
		svc:        svc,
		recoveryID: recoveryID,
		master:     master,
		partitions: partitions,
		built:      make(chan struct{}),
		segments:   make(map[recoverySegmentKey]*recoverySegment),
	}
}

// RecoveryID returns the coordinator-assigned id of this recovery.
func (r *MasterRecovery) RecoveryID() uint64 {
	return r.recoveryID
}

// dispose marks the recovery for teardown at its next scheduling. Caller
// holds the service lock.
func (r *MasterRecovery) dispose() {
	if r.disposed {
		return
	}
	r.disposed = true
	r.svc.logger.Infof("[BACKUP] Recovery %d for crashed master %s is no longer needed; "+
		"will clean up at next chance", r.recoveryID, r.master)
	r.svc.queue.Schedule(r)
	r.svc.wakeLocked()
}

func (r *MasterRecovery) closeBuilt() {
	r.builtOnce.Do(func() { close(r.built) })
}

// PerformTask runs under the service lock.
func (r *MasterRecovery) PerformTask() {
	if r.disposed {
		for _, key := range r.refs {
			fr := r.svc.frames[key]
			if fr == nil {
				continue
			}
			fr.recoveryRefs--
			if fr.recoveryRefs == 0 && fr.freePending {
				_ = r.svc.freeSegmentLocked(key.master, key.segmentID)
			}
		}
		r.refs = nil
		if r.svc.recoveries[r.master] == r {
			delete(r.svc.recoveries, r.master)
		}
		// Unblock any getRecoveryData caller; they observe disposed and fail.
		r.closeBuilt()
		r.svc.logger.Infof("[BACKUP] State for recovery %d for crashed master %s freed on backup",
			r.recoveryID, r.master)
		return
	}
	if r.started {
		return
	}
	r.started = true

	partitionIDs := make(map[uint64]struct{})
	for _, t := range r.partitions {
		partitionIDs[t.PartitionID] = struct{}{}
	}

	for key, fr := range r.svc.frames {
		if key.master != r.master {
			continue
		}
		fr.recoveryRefs++
		r.refs = append(r.refs, key)

		// Every (replica, partition) pair gets a recovery segment, possibly
		// empty, so replay always finds what the plan promises.
		for partitionID := range partitionIDs {
			segKey := recoverySegmentKey{segmentID: key.segmentID, partitionID: partitionID}
			if r.segments[segKey] == nil {
				r.segments[segKey] = &recoverySegment{}
			}
		}

		length := fr.attestedLength()
		if length == 0 {
			continue
		}
		entries, err := segment.DecodeEntries(fr.data, length)
		if err != nil {
			r.svc.logger.Warnf("[BACKUP] Replica <%s,%d> has undecodable certified prefix: %v",
				key.master, key.segmentID, err)
			continue
		}
		for _, e := range entries {
			if e.Type == segment.EntryLogDigest {
				continue
			}
			partitionID, ok := r.partitions.Lookup(e.TableID, e.KeyHash)
			if !ok {
				continue
			}
			segKey := recoverySegmentKey{segmentID: key.segmentID, partitionID: partitionID}
			rs := r.segments[segKey]
			rs.bytes = segment.EncodeEntry(rs.bytes, e)
		}
	}

	for _, rs := range r.segments {
		rs.certificate = segment.MakeCertificate(rs.bytes)
	}
	r.closeBuilt()
	r.svc.logger.Infof("[BACKUP] Recovery %d built %d recovery segments for crashed master %s",
		r.recoveryID, len(r.segments), r.master)
}
