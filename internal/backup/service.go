package backup

import (
	"fmt"
	"sync"
	"time"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
	"github.com/LiumxNL/RAMCloud/internal/taskqueue"
)

// frameKey identifies a replica on this backup.
type frameKey struct {
	master    cluster.ServerID
	segmentID uint64
}

// frame is the in-memory state of one replica slot, mirrored to Storage on
// every write.
type frame struct {
	index    int
	data     []byte
	appended uint32

	certificate    segment.Certificate
	hasCertificate bool

	closed  bool
	primary bool
	epoch   uint64

	// loadedFromStorage marks frames rebuilt by the restart scan. Opens
	// against them are rejected: the master that wrote them crashed, and
	// letting a new incarnation reuse the frame would invite split-brain.
	loadedFromStorage bool

	// recoveryRefs counts active recoveries reading this frame; freeing is
	// deferred while it is nonzero.
	recoveryRefs int
	freePending  bool
}

// attestedLength is the number of bytes a recovery may trust.
func (f *frame) attestedLength() uint32 {
	if !f.hasCertificate {
		return 0
	}
	return f.certificate.SegmentLength
}

// WriteSegmentRequest carries one replica write.
type WriteSegmentRequest struct {
	Master      cluster.ServerID
	SegmentID   uint64
	Epoch       uint64
	Offset      uint32
	Data        []byte
	Certificate *segment.Certificate
	Open        bool
	Close       bool
	Primary     bool
}

// WriteSegmentResponse carries the replication group hint returned on
// opening writes.
type WriteSegmentResponse struct {
	Group []cluster.ServerID
}

// ReplicaSummary describes one replica in a startReadingData response.
type ReplicaSummary struct {
	SegmentID uint64
	Length    uint32
	Primary   bool
	Closed    bool
	Epoch     uint64
}

// StartReadingDataResponse lists this backup's replicas of a crashed master
// plus the best log digest found among them.
type StartReadingDataResponse struct {
	Replicas []ReplicaSummary

	HasDigest           bool
	DigestSegmentID     uint64
	DigestSegmentLength uint32
	Digest              []uint64
}

// Service is the backup-side replica store: it buffers segment replicas for
// masters, survives restarts via Storage, and serves replica data back during
// recoveries. One mutex guards the frame index; the task queue runs recovery
// builds and garbage collection under the same lock.
type Service struct {
	mu      sync.Mutex
	config  *Config
	storage Storage
	logger  cluster.Logger

	serverID       cluster.ServerID
	formerServerID cluster.ServerID
	hasFormerID    bool

	frames     map[frameKey]*frame
	frameInUse []bool

	queue      *taskqueue.TaskQueue
	recoveries map[cluster.ServerID]*MasterRecovery

	replicationID    uint64
	replicationGroup []cluster.ServerID

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService creates the backup service over the given storage and runs the
// restart scan, rebuilding the frame index from any replicas a previous
// incarnation left behind.
func NewService(config *Config, storage Storage) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = cluster.NoopLogger{}
	}

	s := &Service{
		config:     config,
		storage:    storage,
		logger:     config.Logger,
		frames:     make(map[frameKey]*frame),
		frameInUse: make([]bool, config.NumFrames),
		queue:      taskqueue.New(),
		recoveries: make(map[cluster.ServerID]*MasterRecovery),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	if config.ClusterName == UnnamedCluster {
		s.logger.Infof("[BACKUP] Cluster '%s'; ignoring existing backup storage. "+
			"Replicas stored will not be reusable by future backups; "+
			"set a cluster name for persistence across restarts", config.ClusterName)
	} else {
		s.logger.Infof("[BACKUP] Storing replicas with cluster name '%s'. Future backups "+
			"must restart with the same cluster name for replicas stored here to be reused",
			config.ClusterName)
	}
	if err := s.restartFromStorage(); err != nil {
		return nil, fmt.Errorf("restart scan failed: %w", err)
	}
	return s, nil
}

// Init records the server id the coordinator enlisted this backup under and
// persists it so a future incarnation can identify itself as a replacement.
func (s *Service) Init(serverID cluster.ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverID = serverID
	s.logger.Infof("[BACKUP] My server ID is %s", serverID)
	s.logger.Infof("[BACKUP] Backup %s will store replicas under cluster name '%s'",
		serverID, s.config.ClusterName)
	return s.storage.SetIdentity(serverID)
}

// FormerServerID returns the server id of the prior incarnation whose
// replicas this backup found on storage. A backup with a former id enlists
// with the coordinator as a replacement to reclaim it.
func (s *Service) FormerServerID() (cluster.ServerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formerServerID, s.hasFormerID
}

// restartFromStorage scans storage and rebuilds the frame index. Frames with
// invalid metadata checksums are discarded; frames from a different cluster
// are scribbled so stale replicas of another deployment can never be reused.
func (s *Service) restartFromStorage() error {
	indices, err := s.storage.Frames()
	if err != nil {
		return err
	}
	foundReplicas := false
	for _, idx := range indices {
		data, meta, err := s.storage.Get(idx)
		if err != nil {
			return err
		}
		metadata, err := DecodeMetadata(meta)
		if err != nil {
			s.logger.Warnf("[BACKUP] Discarding frame %d with invalid metadata: %v", idx, err)
			if err := s.storage.Delete(idx); err != nil {
				return err
			}
			continue
		}
		if s.config.ClusterName == UnnamedCluster || metadata.ClusterName != s.config.ClusterName {
			s.logger.Warnf("[BACKUP] Replica <%s,%d> in frame %d stored under cluster name '%s' "+
				"is not reusable; scribbling so it can never be mistaken for a live replica",
				metadata.MasterID, metadata.SegmentID, idx, metadata.ClusterName)
			if err := s.storage.Scribble(idx); err != nil {
				return err
			}
			if err := s.storage.Delete(idx); err != nil {
				return err
			}
			continue
		}

		buf := make([]byte, s.config.SegmentSize)
		copy(buf, data)
		fr := &frame{
			index:             idx,
			data:              buf,
			appended:          uint32(len(data)),
			certificate:       metadata.Certificate,
			hasCertificate:    metadata.Certificate.SegmentLength > 0 || metadata.Closed,
			closed:            metadata.Closed,
			primary:           metadata.Primary,
			epoch:             metadata.Epoch,
			loadedFromStorage: true,
		}
		key := frameKey{master: metadata.MasterID, segmentID: metadata.SegmentID}
		s.frames[key] = fr
		if idx < len(s.frameInUse) {
			s.frameInUse[idx] = true
		}
		foundReplicas = true
		state := "open"
		if fr.closed {
			state = "closed"
		}
		s.logger.Infof("[BACKUP] Found stored replica <%s,%d> on backup storage in frame which was %s",
			metadata.MasterID, metadata.SegmentID, state)
	}

	if foundReplicas {
		if id, ok, err := s.storage.Identity(); err != nil {
			return err
		} else if ok {
			s.formerServerID = id
			s.hasFormerID = true
			s.logger.Infof("[BACKUP] Will enlist as a replacement for formerly crashed server %s "+
				"which left replicas behind on storage", id)
		}
	}
	return nil
}

// Start launches the background runner that drives the task queue (recovery
// builds, garbage collection). Tests drive the queue manually via Proceed
// instead.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.mu.Lock()
			worked := s.queue.PerformTask()
			s.mu.Unlock()
			if worked {
				continue
			}
			select {
			case <-s.wake:
			case <-s.stop:
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
}

// Stop halts the background runner and closes storage.
func (s *Service) Stop() error {
	close(s.stop)
	s.wg.Wait()
	return s.storage.Close()
}

// Proceed performs one task-queue pass; used by tests for deterministic
// scheduling.
func (s *Service) Proceed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.PerformTask()
}

// OutstandingTasks returns the number of scheduled tasks.
func (s *Service) OutstandingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.OutstandingTasks()
}

func (s *Service) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// allocateFrame reserves the lowest free frame index.
func (s *Service) allocateFrame() (int, bool) {
	for idx := range s.frameInUse {
		if !s.frameInUse[idx] {
			s.frameInUse[idx] = true
			return idx, true
		}
	}
	return 0, false
}

// AssignGroup records the replication group this backup belongs to; it is
// echoed as a placement hint in opening-write responses.
func (s *Service) AssignGroup(groupID uint64, backups []cluster.ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicationID = groupID
	s.replicationGroup = append([]cluster.ServerID(nil), backups...)
}

// ReplicationGroup returns the current group assignment.
func (s *Service) ReplicationGroup() (uint64, []cluster.ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicationID, append([]cluster.ServerID(nil), s.replicationGroup...)
}

// WriteSegment validates and applies one replica write. Retries carrying
// identical bytes at identical offsets are idempotent; writes after an
// observed close are not (they fail with ErrBadSegmentID, which is safer than
// silently succeeding: a master retry whose first attempt was never received
// must not fabricate a success on a sealed frame).
func (s *Service) WriteSegment(req *WriteSegmentRequest) (*WriteSegmentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := frameKey{master: req.Master, segmentID: req.SegmentID}
	fr := s.frames[key]

	if req.Open {
		if fr != nil {
			if fr.loadedFromStorage {
				return nil, fmt.Errorf("replica <%s,%d> found on storage from a prior master crash: %w",
					req.Master, req.SegmentID, ErrOpenRejected)
			}
			// Idempotent reopen; falls through to apply the write.
		} else {
			idx, ok := s.allocateFrame()
			if !ok {
				return nil, fmt.Errorf("out of replica frames: %w", ErrOpenRejected)
			}
			fr = &frame{
				index:   idx,
				data:    make([]byte, s.config.SegmentSize),
				primary: req.Primary,
			}
			s.frames[key] = fr
		}
	} else if fr == nil {
		return nil, fmt.Errorf("replica <%s,%d> is not open: %w", req.Master, req.SegmentID, ErrBadSegmentID)
	}

	if fr.closed {
		return nil, fmt.Errorf("replica <%s,%d> is closed: %w", req.Master, req.SegmentID, ErrBadSegmentID)
	}

	end := uint64(req.Offset) + uint64(len(req.Data))
	if end > uint64(s.config.SegmentSize) {
		return nil, fmt.Errorf("write [%d,%d) exceeds frame capacity %d: %w",
			req.Offset, end, s.config.SegmentSize, ErrSegmentOverflow)
	}

	copy(fr.data[req.Offset:], req.Data)
	if uint32(end) > fr.appended {
		fr.appended = uint32(end)
	}
	fr.epoch = req.Epoch
	if req.Certificate != nil {
		fr.certificate = *req.Certificate
		fr.hasCertificate = true
	}

	if req.Close {
		// Sealing requires that the buffered bytes form a certified prefix;
		// otherwise the frame would claim to be replayable without being so.
		if !fr.hasCertificate || fr.certificate.SegmentLength > fr.appended ||
			!fr.certificate.Valid(fr.data) {
			return nil, fmt.Errorf("closing replica <%s,%d> without a valid certified prefix: %w",
				req.Master, req.SegmentID, ErrBadSegmentID)
		}
		fr.closed = true
	}

	if err := s.persistFrame(req.Master, req.SegmentID, fr); err != nil {
		return nil, fmt.Errorf("failed to persist replica <%s,%d>: %w", req.Master, req.SegmentID, err)
	}

	resp := &WriteSegmentResponse{}
	if req.Open {
		resp.Group = append([]cluster.ServerID(nil), s.replicationGroup...)
	}
	return resp, nil
}

func (s *Service) persistFrame(master cluster.ServerID, segmentID uint64, fr *frame) error {
	meta := EncodeMetadata(&ReplicaMetadata{
		MasterID:    master,
		SegmentID:   segmentID,
		Capacity:    s.config.SegmentSize,
		Certificate: fr.certificate,
		Closed:      fr.closed,
		Primary:     fr.primary,
		Epoch:       fr.epoch,
		ClusterName: s.config.ClusterName,
	})
	return s.storage.Put(fr.index, fr.data[:fr.appended], meta)
}

// FreeSegment removes a replica. Frees are idempotent; a replica being read
// by an active recovery is only marked and reclaimed once the recovery is
// disposed.
func (s *Service) FreeSegment(master cluster.ServerID, segmentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeSegmentLocked(master, segmentID)
}

func (s *Service) freeSegmentLocked(master cluster.ServerID, segmentID uint64) error {
	key := frameKey{master: master, segmentID: segmentID}
	fr := s.frames[key]
	if fr == nil {
		return nil
	}
	if fr.recoveryRefs > 0 {
		s.logger.Debugf("[BACKUP] Replica <%s,%d> is being read by a recovery; deferring free",
			master, segmentID)
		fr.freePending = true
		return nil
	}
	s.logger.Infof("[BACKUP] Freeing replica for master %s segment %d", master, segmentID)
	delete(s.frames, key)
	if fr.index < len(s.frameInUse) {
		s.frameInUse[fr.index] = false
	}
	return s.storage.Delete(fr.index)
}

// StartReadingData begins (or re-joins) a recovery of a crashed master. The
// replica list is built synchronously; loading and filtering the replica
// bytes into per-partition recovery segments happens asynchronously on the
// task queue. A new recovery id for the same master disposes the previous
// recovery's state.
func (s *Service) StartReadingData(recoveryID uint64, crashedMaster cluster.ServerID,
	partitions cluster.Partitions) (*StartReadingDataResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.recoveries[crashedMaster]; existing != nil {
		if existing.recoveryID == recoveryID {
			return existing.response, nil
		}
		s.logger.Infof("[BACKUP] Got startReadingData for recovery %d for crashed master %s; "+
			"abandoning existing recovery %d for that master and starting anew",
			recoveryID, crashedMaster, existing.recoveryID)
		existing.dispose()
	}

	rec := newMasterRecovery(s, recoveryID, crashedMaster, partitions)
	rec.response = s.buildStartResponse(crashedMaster)
	s.recoveries[crashedMaster] = rec
	s.queue.Schedule(rec)
	s.wakeLocked()
	s.logger.Infof("[BACKUP] Preparing for recovery %d of crashed master %s: %d replicas, %d partitions",
		recoveryID, crashedMaster, len(rec.response.Replicas), partitions.NumPartitions())
	return rec.response, nil
}

// buildStartResponse lists the crashed master's replicas, primaries
// newest-first then secondaries oldest-first, and attaches the best log
// digest found on this backup. Primaries lead so the recovery plan loads the
// replicas chosen for locality before any secondary.
func (s *Service) buildStartResponse(master cluster.ServerID) *StartReadingDataResponse {
	resp := &StartReadingDataResponse{}

	var primaries, secondaries []ReplicaSummary
	for key, fr := range s.frames {
		if key.master != master {
			continue
		}
		summary := ReplicaSummary{
			SegmentID: key.segmentID,
			Length:    fr.attestedLength(),
			Primary:   fr.primary,
			Closed:    fr.closed,
			Epoch:     fr.epoch,
		}
		if fr.primary {
			primaries = append(primaries, summary)
		} else {
			secondaries = append(secondaries, summary)
		}

		if length := fr.attestedLength(); length > 0 {
			if digest, ok := segment.ExtractDigest(fr.data, length); ok {
				better := !resp.HasDigest ||
					key.segmentID > resp.DigestSegmentID ||
					(key.segmentID == resp.DigestSegmentID && length > resp.DigestSegmentLength)
				if better {
					resp.HasDigest = true
					resp.DigestSegmentID = key.segmentID
					resp.DigestSegmentLength = length
					resp.Digest = digest
				}
			}
		}
	}

	sortSummariesDesc(primaries)
	sortSummariesAsc(secondaries)
	resp.Replicas = append(primaries, secondaries...)
	return resp
}

func sortSummariesDesc(summaries []ReplicaSummary) {
	for i := 1; i < len(summaries); i++ {
		for j := i; j > 0 && summaries[j].SegmentID > summaries[j-1].SegmentID; j-- {
			summaries[j], summaries[j-1] = summaries[j-1], summaries[j]
		}
	}
}

func sortSummariesAsc(summaries []ReplicaSummary) {
	for i := 1; i < len(summaries); i++ {
		for j := i; j > 0 && summaries[j].SegmentID < summaries[j-1].SegmentID; j-- {
			summaries[j], summaries[j-1] = summaries[j-1], summaries[j]
		}
	}
}

// GetRecoveryData returns one filtered recovery segment. The recovery id
// must match the active recovery for the master; the call blocks until the
// requested recovery segment has been built.
func (s *Service) GetRecoveryData(recoveryID uint64, master cluster.ServerID,
	segmentID, partitionID uint64) (segment.Certificate, []byte, error) {
	s.mu.Lock()
	rec := s.recoveries[master]
	if rec == nil || rec.recoveryID != recoveryID {
		s.mu.Unlock()
		return segment.Certificate{}, nil,
			fmt.Errorf("no recovery %d for master %s: %w", recoveryID, master, ErrBadSegmentID)
	}
	built := rec.built
	s.mu.Unlock()

	<-built

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.disposed {
		return segment.Certificate{}, nil,
			fmt.Errorf("recovery %d for master %s was abandoned: %w", recoveryID, master, ErrBadSegmentID)
	}
	data, ok := rec.segments[recoverySegmentKey{segmentID: segmentID, partitionID: partitionID}]
	if !ok {
		return segment.Certificate{}, nil,
			fmt.Errorf("no recovery segment <%d,%d> for master %s: %w",
				segmentID, partitionID, master, ErrBadSegmentID)
	}
	s.logger.Debugf("[BACKUP] getRecoveryData master %s, segment %d, partition %d complete",
		master, segmentID, partitionID)
	return data.certificate, data.bytes, nil
}
