package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

func TestOpenSegmentReplicatesOpeningBytes(t *testing.T) {
	backups := newFakeBackups(true)
	m, _ := newTestManager(t, backups, 3, 1<<20,
		backupID(1), backupID(2), backupID(3))

	seg := newOpenSegment(1024, []uint64{88})
	openLen, _ := seg.AppendedLength()
	s := m.OpenSegment(88, seg, true)
	drive(m)

	writes := backups.allWrites()
	require.Len(t, writes, 3)
	for _, w := range writes {
		assert.True(t, w.req.Open)
		assert.Equal(t, uint32(0), w.req.Offset)
		assert.Equal(t, int(openLen), len(w.req.Data))
		require.NotNil(t, w.req.Certificate)
		assert.Equal(t, openLen, w.req.Certificate.SegmentLength)
	}
	// Exactly one replica is the primary.
	primaries := 0
	for _, w := range writes {
		if w.req.Primary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)

	committed := s.Committed()
	assert.True(t, committed.Open)
	assert.Equal(t, openLen, committed.Bytes)
	assert.True(t, s.IsSynced())
}

func TestSyncWaitsForCertificate(t *testing.T) {
	// With a 30-byte write cap, replicating 100 bytes takes an opening write
	// plus three data writes; only the final one (covering every queued byte)
	// may carry a certificate, so sync(50) cannot return before it.
	backups := newFakeBackups(true)
	m, _ := newTestManager(t, backups, 1, 30, backupID(1))

	seg := newOpenSegment(1024, []uint64{88})
	openLen, _ := seg.AppendedLength() // 29 bytes: digest entry
	require.Equal(t, uint32(29), openLen)
	s := m.OpenSegment(88, seg, true)
	drive(m)

	// Grow the segment to exactly 100 appended bytes (21-byte entry header).
	require.NoError(t, seg.Append(1, 123, 5, make([]byte, 50)))
	appended, _ := seg.AppendedLength()
	require.Equal(t, uint32(100), appended)

	s.Sync(50)

	writes := backups.allWrites()
	require.Len(t, writes, 4)
	assert.NotNil(t, writes[0].req.Certificate, "opening write is certified")
	assert.Nil(t, writes[1].req.Certificate, "capped write must not carry a certificate")
	assert.Nil(t, writes[2].req.Certificate, "capped write must not carry a certificate")
	require.NotNil(t, writes[3].req.Certificate, "final write carries the certificate")
	assert.Equal(t, uint32(100), writes[3].req.Certificate.SegmentLength)

	assert.Equal(t, uint32(29), writes[1].req.Offset)
	assert.Equal(t, 30, len(writes[1].req.Data))
	assert.Equal(t, uint32(59), writes[2].req.Offset)
	assert.Equal(t, uint32(89), writes[3].req.Offset)
	assert.Equal(t, 11, len(writes[3].req.Data))

	assert.Equal(t, uint32(100), s.Committed().Bytes)
}

func TestSyncBlocksUntilWritesComplete(t *testing.T) {
	backups := newFakeBackups(false)
	m, _ := newTestManager(t, backups, 1, 1<<20, backupID(1))

	seg := newOpenSegment(1024, []uint64{88})
	s := m.OpenSegment(88, seg, true)

	done := make(chan struct{})
	go func() {
		s.Sync(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sync returned before any write was acknowledged")
	case <-time.After(20 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		return backups.completePending(WriteOK) > 0 || len(backups.pendingWrites()) == 0
	}, time.Second, time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not return after the opening write was acknowledged")
	}
}

func TestLostOpenReplicaBumpsEpoch(t *testing.T) {
	backups := newFakeBackups(true)
	m, coordinator := newTestManager(t, backups, 3, 1<<20,
		backupID(1), backupID(2), backupID(3), backupID(4))

	seg := newOpenSegment(1024, []uint64{88})
	openLen, _ := seg.AppendedLength()
	s := m.OpenSegment(88, seg, true)
	s.Sync(openLen)

	require.True(t, s.IsSynced())
	lost := s.replicas[1].backupID
	m.selector.(*ServerListSelector).RemoveBackup(lost)
	m.HandleBackupFailure(lost)

	assert.Equal(t, uint64(1), s.queued.Epoch, "losing an open replica bumps the epoch")
	assert.True(t, s.recoveringFromLostOpenReplicas)
	assert.False(t, s.IsSynced())
	assert.Equal(t, uint64(1), m.Metrics().OpenReplicaRecoveries())

	drive(m)

	// The replacement's opening write must not carry a certificate: the new
	// replica stays unreadable until it has fully caught up.
	var replacementOpens []recordedWrite
	for _, w := range backups.allWrites() {
		if w.req.Open && w.req.Epoch == 1 {
			replacementOpens = append(replacementOpens, w)
		}
	}
	require.NotEmpty(t, replacementOpens)
	for _, w := range replacementOpens {
		assert.Nil(t, w.req.Certificate)
	}

	s.Close()
	s.Sync(SyncAll)

	assert.False(t, s.recoveringFromLostOpenReplicas)
	assert.True(t, m.ReplicationEpoch().IsAtLeast(88, 1))
	assert.Equal(t, uint64(1), coordinator.epoch(88))
	for i := range s.replicas {
		assert.Equal(t, uint64(1), s.replicas[i].committed.Epoch,
			"every surviving replica carries the new epoch")
		assert.True(t, s.replicas[i].committed.Close)
	}
	assert.NotEqual(t, lost, s.replicas[1].backupID, "replacement lives on a different backup")
}

func TestFailedClosedReplicaDoesNotBumpEpoch(t *testing.T) {
	backups := newFakeBackups(true)
	m, _ := newTestManager(t, backups, 1, 1<<20, backupID(1), backupID(2))

	seg := newOpenSegment(1024, []uint64{88})
	s := m.OpenSegment(88, seg, true)
	s.Close()
	s.Sync(SyncAll)
	require.True(t, s.Committed().Close)

	m.HandleBackupFailure(s.replicas[0].backupID)

	assert.Equal(t, uint64(0), s.queued.Epoch)
	assert.False(t, s.recoveringFromLostOpenReplicas)

	// The closed segment simply re-replicates on another backup.
	s.Sync(SyncAll)
	assert.True(t, s.Committed().Close)
}

func TestSegmentPairOrdering(t *testing.T) {
	backups := newFakeBackups(false)
	m, _ := newTestManager(t, backups, 1, 1<<20, backupID(1), backupID(2))

	seg1 := m.OpenSegment(88, newOpenSegment(1024, []uint64{88}), true)
	seg2 := m.OpenSegment(89, newOpenSegment(1024, []uint64{88, 89}), true)
	drive(m)

	// Segment 89 cannot open until 88 is durably open.
	pending := backups.pendingWrites()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(88), pending[0].req.SegmentID)
	assert.False(t, seg2.precedingSegmentOpenCommitted)

	backups.completePending(WriteOK)
	drive(m)
	pending = backups.pendingWrites()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(89), pending[0].req.SegmentID)
	assert.True(t, seg2.precedingSegmentOpenCommitted)

	// Segment 88 cannot close until 89 is durably open.
	seg1.Close()
	drive(m)
	for _, w := range backups.pendingWrites() {
		assert.False(t, w.req.Close, "close must wait for the following segment's open")
	}

	backups.completePending(WriteOK) // 89's open
	drive(m)
	var sawClose bool
	for _, w := range backups.pendingWrites() {
		if w.req.Close {
			sawClose = true
			assert.Equal(t, uint64(88), w.req.SegmentID)
		}
	}
	require.True(t, sawClose)

	backups.completePending(WriteOK)
	drive(m)
	assert.True(t, seg1.Committed().Close)
	assert.True(t, seg2.precedingSegmentCloseCommitted)
	assert.Nil(t, seg1.followingSegment, "the chain link vanishes once the close commits")
}

func TestFreeDestroysSegment(t *testing.T) {
	backups := newFakeBackups(true)
	m, _ := newTestManager(t, backups, 2, 1<<20, backupID(1), backupID(2))

	seg := newOpenSegment(1024, []uint64{88})
	s := m.OpenSegment(88, seg, true)
	s.Close()
	s.Free()
	drive(m)

	assert.Len(t, backups.frees, 2, "one free per replica")
	m.mu.Lock()
	_, alive := m.segments[88]
	m.mu.Unlock()
	assert.False(t, alive, "segment destroys itself once all replicas are freed")

	// No write that Free cancelled was a closing write.
	for _, w := range backups.allWrites() {
		assert.False(t, w.call.Canceled() && w.req.Close, "free cancels, never closes")
	}
}

func TestDoubleCloseAsserts(t *testing.T) {
	backups := newFakeBackups(true)
	m, _ := newTestManager(t, backups, 1, 1<<20, backupID(1))
	s := m.OpenSegment(88, newOpenSegment(1024, []uint64{88}), true)
	s.Close()
	assert.Panics(t, func() { s.Close() })
}

func TestOpenRejectedSelectsAnotherBackup(t *testing.T) {
	backups := newFakeBackups(true)
	backups.rejectOpensOn[backupID(1)] = true
	m, _ := newTestManager(t, backups, 1, 1<<20, backupID(1), backupID(2))

	seg := newOpenSegment(1024, []uint64{88})
	openLen, _ := seg.AppendedLength()
	s := m.OpenSegment(88, seg, true)
	s.Sync(openLen)

	assert.Equal(t, backupID(2), s.replicas[0].backupID)
	require.NotEmpty(t, backups.writesTo(backupID(1)))
	require.NotEmpty(t, backups.writesTo(backupID(2)))
	assert.True(t, s.Committed().Open)
}

func TestBackupDownRetriesSameBackupUntilFailureNotice(t *testing.T) {
	backups := newFakeBackups(true)
	backups.failWritesTo[backupID(1)] = true
	m, _ := newTestManager(t, backups, 1, 1<<20, backupID(1), backupID(2))
	selector := m.selector.(*ServerListSelector)

	seg := newOpenSegment(1024, []uint64{88})
	s := m.OpenSegment(88, seg, true)
	drive(m)

	// All retries went to the same backup; failures do not re-select.
	assert.Equal(t, backupID(1), s.replicas[0].backupID)
	assert.Empty(t, backups.writesTo(backupID(2)))
	assert.GreaterOrEqual(t, len(backups.writesTo(backupID(1))), 2)

	selector.RemoveBackup(backupID(1))
	m.HandleBackupFailure(backupID(1))
	assert.Equal(t, uint64(1), s.queued.Epoch, "an unacknowledged open replica still counts as lost")

	s.Close()
	s.Sync(SyncAll)
	assert.Equal(t, backupID(2), s.replicas[0].backupID)
	assert.True(t, s.Committed().Close)
}

func TestWriteRPCsInFlightCap(t *testing.T) {
	backups := newFakeBackups(false)
	config := DefaultConfig()
	config.NumReplicas = 1
	config.MaxWriteRPCsInFlight = 4
	coordinator := newFakeCoordinator()
	selector := NewServerListSelector([]cluster.ServerID{
		backupID(1), backupID(2), backupID(3), backupID(4), backupID(5), backupID(6),
	}, 1)
	m, err := NewReplicaManager(testMaster, backups, selector, coordinator, config)
	require.NoError(t, err)
	backups.notify = m.Wake

	// Cleaner segments do not gate on each other, so all six want to open at
	// once; the cap must keep at most four writes outstanding.
	for id := uint64(10); id < 16; id++ {
		m.OpenSegment(id, newOpenSegment(1024, nil), false)
	}
	drive(m)
	assert.Len(t, backups.pendingWrites(), 4)

	backups.completePending(WriteOK)
	drive(m)
	assert.Len(t, backups.pendingWrites(), 2)
}

func TestInvariantCommittedAckedSentQueued(t *testing.T) {
	backups := newFakeBackups(false)
	m, _ := newTestManager(t, backups, 2, 50, backupID(1), backupID(2))

	seg := newOpenSegment(1024, []uint64{88})
	s := m.OpenSegment(88, seg, true)
	require.NoError(t, seg.Append(1, 7, 7, make([]byte, 200)))
	s.Close() // refreshes queued to the full appended length

	check := func() {
		for i := range s.replicas {
			r := &s.replicas[i]
			assert.False(t, s.queued.Less(r.sent), "sent must not pass queued")
			assert.False(t, r.sent.Less(r.acked), "acked must not pass sent")
			assert.False(t, r.acked.Less(r.committed), "committed must not pass acked")
		}
	}

	for round := 0; round < 40 && !s.IsSynced(); round++ {
		drive(m)
		check()
		backups.completePending(WriteOK)
		drive(m)
		check()
	}
	assert.True(t, s.IsSynced())
}
