package replication

import (
	"fmt"
	"time"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

// SyncAll makes Sync wait for all enqueued data plus the closing flag.
const SyncAll = ^uint32(0)

// ReplicatedSegment drives the replication of one log segment toward the
// invariant "durably buffered on NumReplicas distinct backups", tolerating
// backup crashes mid-flight. It is a task on the ReplicaManager's queue; all
// of its state is guarded by the manager lock.
//
// Consecutive log segments gate each other: a segment cannot open until its
// predecessor's open is committed (so the log head is always discoverable),
// and cannot close until its successor's open is committed (so a recovery
// never sees a torn log head). The predecessor's followingSegment pointer is
// cleared once its close commits, so the chain vanishes as the log advances.
type ReplicatedSegment struct {
	mgr *ReplicaManager

	segmentID        uint64
	masterID         cluster.ServerID
	segment          *segment.Segment
	normalLogSegment bool

	// openLen and openingWriteCertificate capture the segment's state at
	// OpenSegment time; the opening write replicates exactly these bytes.
	openLen                 uint32
	openingWriteCertificate segment.Certificate

	// queued is the replication target; each replica's sent/acked/committed
	// trail it.
	queued            Progress
	queuedCertificate segment.Certificate

	freeQueued bool

	followingSegment               *ReplicatedSegment
	precedingSegmentOpenCommitted  bool
	precedingSegmentCloseCommitted bool

	// recoveringFromLostOpenReplicas is set while the lost-open-replica
	// protocol runs: the epoch has been bumped and data does not count as
	// durable until re-replication finishes and the coordinator confirms the
	// new epoch.
	recoveringFromLostOpenReplicas bool

	replicas []replica

	// syncMu admits one Sync caller at a time to re-read the segment's
	// appended length. Without it two callers could stretch queued.bytes
	// across two writes and keep deferring each other's certificate.
	syncMu chan struct{}
}

// newReplicatedSegment is only called by the ReplicaManager with its lock
// held.
func newReplicatedSegment(m *ReplicaManager, segmentID uint64,
	seg *segment.Segment, normalLogSegment bool) *ReplicatedSegment {
	s := &ReplicatedSegment{
		mgr:                            m,
		segmentID:                      segmentID,
		masterID:                       m.masterID,
		segment:                        seg,
		normalLogSegment:               normalLogSegment,
		precedingSegmentOpenCommitted:  true,
		precedingSegmentCloseCommitted: true,
		replicas:                       make([]replica, m.config.NumReplicas),
		syncMu:                         make(chan struct{}, 1),
	}
	s.openLen, s.openingWriteCertificate = seg.AppendedLength()
	s.queued = Progress{Open: true, Bytes: s.openLen}
	s.queuedCertificate = s.openingWriteCertificate
	return s
}

// SegmentID returns the log-unique id of the segment being replicated.
func (s *ReplicatedSegment) SegmentID() uint64 {
	return s.segmentID
}

// schedule puts this segment on the manager's queue unless replication is
// disabled (zero replicas).
func (s *ReplicatedSegment) schedule() {
	if len(s.replicas) == 0 {
		s.mgr.logger.Debugf("[REPL] Segment %d has zero replicas: nothing to schedule", s.segmentID)
		return
	}
	s.mgr.queue.Schedule(s)
}

// committedProgress returns the componentwise minimum committed state across
// all replicas (the segment-level notion of what is durable).
func (s *ReplicatedSegment) committedProgress() Progress {
	committed := s.queued
	for i := range s.replicas {
		committed = committed.Min(s.replicas[i].committed)
	}
	return committed
}

// Committed exposes the durable progress; used by log-level bookkeeping and
// tests.
func (s *ReplicatedSegment) Committed() Progress {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	return s.committedProgress()
}

// replicaSynced reports whether one replica needs no further writes. A
// replica whose frame is sealed never needs an epoch refresh: a closed
// replica cannot masquerade as the head of the log, which is the only thing
// the epoch protects against.
func (s *ReplicatedSegment) replicaSynced(r *replica) bool {
	if !r.isActive {
		return false
	}
	if r.committed == s.queued {
		return true
	}
	if !r.committed.Close {
		return false
	}
	sealed := r.committed
	sealed.Epoch = s.queued.Epoch
	return sealed == s.queued
}

func (s *ReplicatedSegment) allReplicasSynced() bool {
	for i := range s.replicas {
		if !s.replicaSynced(&s.replicas[i]) {
			return false
		}
	}
	return true
}

// IsSynced reports whether no further action is needed to durably replicate
// this segment. The answer can regress as the master learns about failures.
func (s *ReplicatedSegment) IsSynced() bool {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()
	appended, _ := s.segment.AppendedLength()
	if s.queued.Bytes != appended {
		return false
	}
	return !s.recoveringFromLostOpenReplicas && s.allReplicasSynced()
}

// Close requests the eventual durable close of the replicas. One-shot: a
// second Close panics; after Close only Sync and Free remain meaningful. The
// closing write is withheld until
// the following segment's open is committed, so a recovery always finds an
// open segment proving it saw the whole log.
func (s *ReplicatedSegment) Close() {
	s.mgr.mu.Lock()
	defer s.mgr.mu.Unlock()

	if s.queued.Close {
		panic(fmt.Sprintf("close() called twice on segment %d", s.segmentID))
	}
	s.queued.Close = true
	appended, cert := s.segment.AppendedLength()
	s.queued.Bytes = appended
	s.queuedCertificate = cert
	s.schedule()
	s.mgr.metrics.RecordSegmentClose()
	s.mgr.logger.Debugf("[REPL] Segment %d closed (length %d)", s.segmentID, s.queued.Bytes)
	s.mgr.wakeLocked()
}

// Sync blocks until a certificate covering min(offset, queued bytes) is
// durable on the replicas. With SyncAll it additionally waits for the closing
// flag to be durable. While the segment is recovering from a lost open
// replica nothing counts as durable until re-replication completes and the
// coordinator has confirmed the new epoch.
//
// Sync drives the manager's task queue cooperatively: it releases the
// manager lock whenever there is nothing runnable so failure notifications
// can get in, then reacquires and re-checks. It never fails; it returns when
// the data is durable or blocks until then.
func (s *ReplicatedSegment) Sync(offset uint32) {
	s.syncMu <- struct{}{}
	defer func() { <-s.syncMu }()

	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.syncedTo(offset) {
		return
	}

	appended, cert := s.segment.AppendedLength()
	if appended > s.queued.Bytes {
		s.queued.Bytes = appended
		s.queuedCertificate = cert
		s.schedule()
	}
	if offset != SyncAll && offset > s.queued.Bytes {
		offset = s.queued.Bytes
	}

	lastReport := time.Now()
	for {
		performed := m.queue.PerformTask()
		if s.syncedTo(offset) {
			return
		}
		if !performed {
			m.waitForWork()
		}
		if time.Since(lastReport) > time.Second {
			m.logger.Warnf("[REPL] Log write sync has taken over 1s; seems to be stuck")
			s.dumpProgress()
			lastReport = time.Now()
		}
	}
}

func (s *ReplicatedSegment) syncedTo(offset uint32) bool {
	if s.recoveringFromLostOpenReplicas {
		return false
	}
	if offset == SyncAll {
		return s.committedProgress().Close
	}
	return s.committedProgress().Bytes >= offset
}

// Free requests the eventual freeing of all replicas. Close must have been
// called; Free first syncs so that any segments waiting on this one are taken
// care of, then cancels in-flight writes (safe: backups verify certificates,
// so garbage bytes from a reused buffer are never used during recovery) and
// queues the frees. The segment destroys itself once every replica is freed.
func (s *ReplicatedSegment) Free() {
	s.Sync(SyncAll)

	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	if !s.queued.Close || !s.committedProgress().Close {
		panic(fmt.Sprintf("free() called on segment %d before close was durable", s.segmentID))
	}

	// Failure handling may have started fresh writes in the window after
	// Sync returned; cancel them. freeQueued prevents any new ones.
	for i := range s.replicas {
		r := &s.replicas[i]
		if r.writeRPC != nil {
			r.writeRPC.Cancel()
			r.writeRPC = nil
			m.writeRPCsInFlight--
			r.sent = r.acked
		}
	}
	s.freeQueued = true
	s.schedule()
	m.wakeLocked()
}

// handleBackupFailure resets every replica living on the failed backup. If an
// open replica was lost the master cannot prove the lost bytes were never
// certified, so the epoch is bumped and the lost-open-replica protocol
// starts. Caller holds the manager lock.
func (s *ReplicatedSegment) handleBackupFailure(failedID cluster.ServerID) {
	someOpenReplicaLost := false
	for i := range s.replicas {
		r := &s.replicas[i]
		if !r.isActive || r.backupID != failedID {
			continue
		}
		s.mgr.logger.Debugf("[REPL] Segment %d recovering from lost replica which was on backup %s",
			s.segmentID, failedID)

		if !r.committed.Close && !r.replicateAtomically {
			someOpenReplicaLost = true
			s.mgr.logger.Debugf("[REPL] Lost replica for segment %d while open due to crash of backup %s",
				s.segmentID, failedID)
			s.mgr.metrics.RecordOpenReplicaRecovery()
		}

		if r.writeRPC != nil {
			r.writeRPC.Cancel()
			s.mgr.writeRPCsInFlight--
		}
		r.failed()
		s.schedule()
		s.mgr.metrics.RecordReplicaRecovery()
	}
	if someOpenReplicaLost {
		s.queued.Epoch++
		s.recoveringFromLostOpenReplicas = true
	}
}

// PerformTask checks replication state and makes progress restoring the
// invariants. Invoked only by the manager's task queue (use schedule, not
// direct calls).
func (s *ReplicatedSegment) PerformTask() {
	if s.freeQueued && !s.recoveringFromLostOpenReplicas {
		for i := range s.replicas {
			s.performFree(&s.replicas[i])
		}
		if !s.mgr.queue.IsScheduled(s) {
			// Everything is freed; the manager forgets us.
			s.mgr.destroySegment(s)
		}
	} else if !s.freeQueued {
		for i := range s.replicas {
			s.performWrite(&s.replicas[i])
		}
	}

	// These steps must run even when a free is queued, otherwise a lost open
	// replica could still be taken for the head of the log during a recovery.
	if s.recoveringFromLostOpenReplicas {
		if s.allReplicasSynced() {
			// Push queued.epoch, not the committed epoch: once the replicas
			// are caught up under the new epoch it is safe to shoot down the
			// stale ones.
			if s.mgr.epoch.IsAtLeast(s.segmentID, s.queued.Epoch) {
				s.mgr.logger.Debugf("[REPL] replicationEpoch ok, lost open replica recovery complete on segment %d",
					s.segmentID)
				s.recoveringFromLostOpenReplicas = false
			} else {
				s.mgr.logger.Debugf("[REPL] Updating replicationEpoch to (%d,%d) on coordinator so lost replicas cannot be reused",
					s.segmentID, s.queued.Epoch)
				s.mgr.epoch.UpdateToAtLeast(s.segmentID, s.queued.Epoch)
				s.schedule()
			}
		} else {
			// The rollover code may not have closed this segment yet; stay
			// scheduled so the recovery eventually completes.
			s.schedule()
		}
	}
}

// performFree makes progress freeing one replica, whatever state it is in.
// freeQueued must be true.
func (s *ReplicatedSegment) performFree(r *replica) {
	if !r.isActive {
		return
	}
	if r.freeRPC != nil {
		if r.freeRPC.Ready() {
			// Frees against backups that already left the cluster count as
			// success; the transport swallows that case.
			r.reset()
			return
		}
		s.schedule()
		return
	}
	if r.writeRPC != nil {
		// Impossible by construction: Free cancels writes and failure
		// notifications clear them.
		panic(fmt.Sprintf("segment %d: write RPC outstanding while freeing", s.segmentID))
	}
	r.freeRPC = s.mgr.backups.StartFree(r.backupID, s.masterID, s.segmentID)
	s.mgr.metrics.RecordFreeRPC()
	s.schedule()
}

func (s *ReplicatedSegment) replicaIsPrimary(r *replica) bool {
	return r == &s.replicas[0]
}

// performWrite makes progress durably writing segment data to one replica.
// freeQueued must be false. Written as a chain of cases with explicit
// returns so every replica state falls into exactly one of them.
func (s *ReplicatedSegment) performWrite(r *replica) {
	if r.freeRPC != nil {
		panic(fmt.Sprintf("segment %d: free RPC outstanding during write", s.segmentID))
	}

	if r.isActive && s.replicaSynced(r) {
		return
	}

	if !r.isActive {
		// Choose a backup. Selection is separate from sending the open so
		// that an open the transport could not deliver is retried on the
		// same backup until the failure monitor says it is gone; anything
		// else risks a lost open replica nobody recovers from. An open the
		// backup rejected resets the replica, so a new backup is chosen.
		var constraints []cluster.ServerID
		for i := range s.replicas {
			if s.replicas[i].isActive {
				constraints = append(constraints, s.replicas[i].backupID)
			}
		}
		var backupID cluster.ServerID
		if s.replicaIsPrimary(r) {
			backupID = s.mgr.selector.SelectPrimary(constraints)
		} else {
			backupID = s.mgr.selector.SelectSecondary(constraints)
		}
		if !backupID.IsValid() {
			s.schedule()
			return
		}
		s.mgr.logger.Debugf("[REPL] Starting replication of segment %d on backup %s",
			s.segmentID, backupID)
		r.start(backupID)
		// Fall through into the no-rpc-outstanding case to send the open.
	}

	if r.writeRPC != nil {
		if !r.writeRPC.Ready() {
			s.schedule()
			return
		}
		switch r.writeRPC.Outcome() {
		case WriteOK:
			r.acked = r.sent
			if r.writeRPC.carriedCertificate {
				// Committed advances only when the backup can actually prove
				// the prefix: certified writes are the opening write (unless
				// replicating atomically) and any write consuming the last
				// queued byte.
				r.committed = r.acked
			}
			if s.followingSegment != nil {
				committed := s.committedProgress()
				if committed.Open {
					s.followingSegment.precedingSegmentOpenCommitted = true
				}
				if committed.Close {
					s.followingSegment.precedingSegmentCloseCommitted = true
					// Don't poke at potentially freed segments later.
					s.followingSegment = nil
				}
			}
		case WriteBackupDown:
			// Roll back and wait for the failure monitor to reset us.
			s.mgr.logger.Warnf("[REPL] Couldn't write segment %d to backup %s; server is down",
				s.segmentID, r.backupID)
			r.sent = r.acked
		case WriteOpenRejected:
			s.mgr.logger.Infof("[REPL] Couldn't open replica of segment %d on backup %s; "+
				"it may be overloaded or hold a replica from a prior crash; choosing another backup",
				s.segmentID, r.backupID)
			r.reset()
		}
		r.writeRPC = nil
		s.mgr.writeRPCsInFlight--
		if !s.replicaSynced(r) || s.recoveringFromLostOpenReplicas {
			s.schedule()
		}
		return
	}

	if !r.sent.Open {
		// Not yet durably open and no open write outstanding.
		if !s.precedingSegmentOpenCommitted {
			s.mgr.logger.Debugf("[REPL] Cannot open segment %d until preceding segment is durably open",
				s.segmentID)
			s.schedule()
			return
		}
		if s.mgr.writeRPCsInFlight == s.mgr.config.MaxWriteRPCsInFlight {
			s.schedule()
			return
		}

		// When re-replicating, withhold the opening certificate; the replica
		// commits atomically once it has fully caught up.
		var cert *segment.Certificate
		if !r.replicateAtomically {
			c := s.openingWriteCertificate
			cert = &c
		}
		s.mgr.logger.Debugf("[REPL] Sending open for segment %d to backup %s", s.segmentID, r.backupID)
		call := s.mgr.backups.StartWrite(&WriteRequest{
			Backup:      r.backupID,
			Master:      s.masterID,
			SegmentID:   s.segmentID,
			Epoch:       s.queued.Epoch,
			Offset:      0,
			Data:        s.segment.ReadRange(0, s.openLen),
			Certificate: cert,
			Open:        true,
			Primary:     s.replicaIsPrimary(r),
		})
		call.carriedCertificate = cert != nil
		r.writeRPC = call
		s.mgr.writeRPCsInFlight++
		s.mgr.metrics.RecordWriteRPC()
		r.sent.Open = true
		r.sent.Bytes = s.openLen
		r.sent.Epoch = s.queued.Epoch
		s.schedule()
		return
	}

	if r.sent.Less(s.queued) {
		// Some part of the data (or an epoch refresh) has not been sent yet.
		if !s.precedingSegmentCloseCommitted {
			// If every replica of this segment died while the preceding
			// segment might still be open, bytes written here could vanish
			// undetectably; hold writes until the predecessor is durably
			// closed.
			s.mgr.logger.Debugf("[REPL] Cannot write segment %d until preceding segment is durably closed",
				s.segmentID)
			s.schedule()
			return
		}

		offset := r.sent.Bytes
		length := s.queued.Bytes - offset
		var cert *segment.Certificate
		c := s.queuedCertificate
		cert = &c
		// A capped write cannot carry the certificate: it would attest a
		// prefix the backup has not received yet.
		if length > s.mgr.config.MaxBytesPerWriteRPC {
			length = s.mgr.config.MaxBytesPerWriteRPC
			cert = nil
		}

		sendClose := s.queued.Close && offset+length == s.queued.Bytes
		if sendClose && s.followingSegment != nil &&
			!s.followingSegment.committedProgress().Open {
			// Closing now would let a recovery miss the head: hold the close
			// until a later segment is durably open.
			s.mgr.logger.Debugf("[REPL] Cannot close segment %d until following segment is durably open",
				s.segmentID)
			s.schedule()
			return
		}

		if s.mgr.writeRPCsInFlight == s.mgr.config.MaxWriteRPCsInFlight {
			s.mgr.logger.Debugf("[REPL] Cannot write segment %d, too many writes in flight", s.segmentID)
			s.schedule()
			return
		}

		s.mgr.logger.Debugf("[REPL] Sending write for segment %d to backup %s (offset=%d len=%d close=%v)",
			s.segmentID, r.backupID, offset, length, sendClose)
		call := s.mgr.backups.StartWrite(&WriteRequest{
			Backup:      r.backupID,
			Master:      s.masterID,
			SegmentID:   s.segmentID,
			Epoch:       s.queued.Epoch,
			Offset:      offset,
			Data:        s.segment.ReadRange(offset, length),
			Certificate: cert,
			Close:       sendClose,
			Primary:     s.replicaIsPrimary(r),
		})
		call.carriedCertificate = cert != nil
		r.writeRPC = call
		s.mgr.writeRPCsInFlight++
		s.mgr.metrics.RecordWriteRPC()
		r.sent.Bytes += length
		r.sent.Epoch = s.queued.Epoch
		r.sent.Close = sendClose
		s.schedule()
		return
	}

	// Everything queued has been sent and acked but the replica is not
	// committed: it is replicating atomically and waits for the next
	// certified write (a close or fresh data). Queued growth reschedules us.
}

// dumpProgress logs the full replication state of the segment; used to
// diagnose stuck syncs.
func (s *ReplicatedSegment) dumpProgress() {
	committed := s.committedProgress()
	s.mgr.logger.Warnf("[REPL] ReplicatedSegment <%s,%d> queued: open %v, bytes %d, close %v; "+
		"committed: open %v, bytes %d, close %v",
		s.masterID, s.segmentID,
		s.queued.Open, s.queued.Bytes, s.queued.Close,
		committed.Open, committed.Bytes, committed.Close)
	for i := range s.replicas {
		r := &s.replicas[i]
		s.mgr.logger.Warnf("[REPL]   Replica %d on backup %s sent: %+v acked: %+v committed: %+v rpc outstanding: %v",
			i, r.backupID, r.sent, r.acked, r.committed, r.writeRPC != nil)
	}
}
