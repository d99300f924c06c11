package replication

import (
	"fmt"
	"sync"
	"time"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
	"github.com/LiumxNL/RAMCloud/internal/taskqueue"
)

// ReplicaManager owns every ReplicatedSegment of one master and drives them
// with a single cooperative task queue. One mutex covers all of its state:
// tasks observe a consistent snapshot of every segment, and external events
// (failure notifications, new appends) serialize through the same lock.
// Fine-grained locking is avoided on purpose; the re-entrancy between failure
// notifications and syncing callers is subtle enough as it is.
type ReplicaManager struct {
	mu sync.Mutex

	masterID    cluster.ServerID
	config      *Config
	backups     BackupClient
	selector    BackupSelector
	coordinator CoordinatorClient
	logger      cluster.Logger
	metrics     *Metrics

	queue *taskqueue.TaskQueue
	epoch *UpdateReplicationEpochTask

	// writeRPCsInFlight throttles write RPCs across all segments.
	writeRPCsInFlight int

	segments map[uint64]*ReplicatedSegment

	// head is the most recently opened normal log segment; the next
	// OpenSegment links to it as its predecessor in the log.
	head *ReplicatedSegment

	// wake is poked whenever new work may exist (RPC completion, schedule,
	// failure notification) so blocked sync() callers stop waiting.
	wake chan struct{}

	halted bool
}

// NewReplicaManager creates the replication engine for one master.
func NewReplicaManager(masterID cluster.ServerID, backups BackupClient,
	selector BackupSelector, coordinator CoordinatorClient,
	config *Config) (*ReplicaManager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = cluster.NoopLogger{}
	}

	m := &ReplicaManager{
		masterID:    masterID,
		config:      config,
		backups:     backups,
		selector:    selector,
		coordinator: coordinator,
		logger:      config.Logger,
		metrics:     NewMetrics(),
		queue:       taskqueue.New(),
		segments:    make(map[uint64]*ReplicatedSegment),
		wake:        make(chan struct{}, 1),
	}
	m.epoch = newUpdateReplicationEpochTask(m)
	return m, nil
}

// Metrics returns the engine's counters.
func (m *ReplicaManager) Metrics() *Metrics {
	return m.metrics
}

// ReplicationEpoch returns the shared coordinator-epoch task. Callers must
// not retain it past HaltAndCleanup.
func (m *ReplicaManager) ReplicationEpoch() *UpdateReplicationEpochTask {
	return m.epoch
}

// OpenSegment starts replicating a freshly opened segment. The segment must
// already contain its opening bytes (header, and for the log head its
// digest); they are captured as the opening write. normalLogSegment is true
// for log heads and false for cleaner-generated segments, which do not
// participate in the head ordering chain.
func (m *ReplicaManager) OpenSegment(segmentID uint64, seg *segment.Segment,
	normalLogSegment bool) *ReplicatedSegment {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newReplicatedSegment(m, segmentID, seg, normalLogSegment)
	if normalLogSegment {
		if prev := m.head; prev != nil {
			committed := prev.committedProgress()
			s.precedingSegmentOpenCommitted = committed.Open
			s.precedingSegmentCloseCommitted = committed.Close
			if !committed.Close {
				prev.followingSegment = s
			}
		}
		m.head = s
	}
	m.segments[segmentID] = s
	m.logger.Debugf("[REPL] Opened segment %d (normal=%v, openLen=%d)",
		segmentID, normalLogSegment, s.openLen)
	s.schedule()
	m.wakeLocked()
	return s
}

// HandleBackupFailure reacts to the crash of a backup: every active replica
// on it is reset, and segments that lost an open replica start the epoch
// protocol. Called by the failure monitor thread.
func (m *ReplicaManager) HandleBackupFailure(failedID cluster.ServerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		s.handleBackupFailure(failedID)
	}
	m.wakeLocked()
}

// Proceed performs one scheduling pass: runs at most one queued task.
func (m *ReplicaManager) Proceed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue.PerformTask()
}

// OutstandingTasks returns the number of scheduled tasks.
func (m *ReplicaManager) OutstandingTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.OutstandingTasks()
}

// HaltAndCleanup stops servicing segments and drops all engine state without
// freeing replicas. Intended for shutdown; backups garbage-collect whatever
// is left behind once the master is declared down.
func (m *ReplicaManager) HaltAndCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
	m.queue.Halt()
	m.segments = make(map[uint64]*ReplicatedSegment)
	m.head = nil
	m.wakeLocked()
}

// Wake pokes the scheduler; transports call it (via call futures) when an RPC
// completes so blocked sync() callers re-check their condition.
func (m *ReplicaManager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *ReplicaManager) wakeLocked() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// waitForWork releases the manager lock until something pokes the wake
// channel (or a second passes), then reacquires it. Must be called with mu
// held. Releasing the lock here is what lets the failure monitor get in while
// a sync() caller is blocked.
func (m *ReplicaManager) waitForWork() {
	m.mu.Unlock()
	select {
	case <-m.wake:
	case <-time.After(time.Second):
	}
	m.mu.Lock()
}

// destroySegment removes a fully freed segment. Only called from the
// segment's own PerformTask once every replica is inactive with no
// outstanding work.
func (m *ReplicaManager) destroySegment(s *ReplicatedSegment) {
	delete(m.segments, s.segmentID)
	m.epoch.forget(s.segmentID)
	if m.head == s {
		m.head = nil
	}
	m.logger.Debugf("[REPL] Destroyed segment %d, all replicas freed", s.segmentID)
}
