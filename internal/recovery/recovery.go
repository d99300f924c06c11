package recovery

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/LiumxNL/RAMCloud/internal/backup"
	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

// BackupClient is the coordinator's view of one backup during a recovery.
type BackupClient interface {
	StartReadingData(recoveryID uint64, crashedMaster cluster.ServerID,
		partitions cluster.Partitions) (*backup.StartReadingDataResponse, error)
	GetRecoveryData(recoveryID uint64, crashedMaster cluster.ServerID,
		segmentID, partitionID uint64) (segment.Certificate, []byte, error)
}

// BackupEndpoint pairs a backup's id with a client for it.
type BackupEndpoint struct {
	ID     cluster.ServerID
	Client BackupClient
}

// MasterReceiver is a replacement master taking over one recovery partition.
type MasterReceiver interface {
	ReceiveRecoverySegment(partitionID uint64, crashedMaster cluster.ServerID,
		segmentID uint64, cert segment.Certificate, data []byte) error
}

// Recovery coordinates the recovery of one crashed master: it collects
// replica reports from every backup, consolidates them into an ordered
// replay plan, assigns partitions to replacement masters and streams the
// filtered recovery segments to them. Single-leader: one Recovery instance
// drives one crashed master.
type Recovery struct {
	recoveryID    uint64
	traceID       string
	crashedMaster cluster.ServerID
	partitions    cluster.Partitions
	backups       []BackupEndpoint
	epochs        EpochView
	logger        cluster.Logger

	plan                 *Plan
	tabletsUnderRecovery int
}

// NewRecovery creates the coordinator-side driver for one crashed master.
func NewRecovery(recoveryID uint64, crashedMaster cluster.ServerID,
	partitions cluster.Partitions, backups []BackupEndpoint,
	epochs EpochView, logger cluster.Logger) *Recovery {
	if logger == nil {
		logger = cluster.NoopLogger{}
	}
	return &Recovery{
		recoveryID:    recoveryID,
		traceID:       uuid.New().String(),
		crashedMaster: crashedMaster,
		partitions:    partitions,
		backups:       backups,
		epochs:        epochs,
		logger:        logger,
	}
}

// BuildPlan asks every backup to start reading the crashed master's replicas
// and consolidates the responses into the replay plan.
func (r *Recovery) BuildPlan() error {
	reports := make([]BackupReport, 0, len(r.backups))
	for _, endpoint := range r.backups {
		resp, err := endpoint.Client.StartReadingData(r.recoveryID, r.crashedMaster, r.partitions)
		if err != nil {
			// A backup that cannot answer simply contributes no replicas;
			// verifyCompleteLog decides whether the log is still whole.
			r.logger.Warnf("[RECOVERY %s] startReadingData on backup %s failed: %v",
				r.traceID, endpoint.ID, err)
			continue
		}
		reports = append(reports, BackupReport{Backup: endpoint.ID, Response: resp})
	}
	plan, err := BuildPlan(r.crashedMaster, reports, r.epochs)
	if err != nil {
		return fmt.Errorf("recovery of master %s failed: %w", r.crashedMaster, err)
	}
	r.plan = plan
	r.logger.Infof("[RECOVERY %s] Segment %d of length %d bytes is the head of the log",
		r.traceID, plan.HeadSegmentID, plan.HeadLength)
	return nil
}

// Plan returns the replay plan; valid after BuildPlan succeeded.
func (r *Recovery) Plan() *Plan {
	return r.plan
}

// TabletsUnderRecovery returns the number of tablets whose data this
// recovery is replaying; valid after Start.
func (r *Recovery) TabletsUnderRecovery() int {
	return r.tabletsUnderRecovery
}

// Start assigns each partition to a replacement master and streams every
// segment's filtered recovery data to it, primaries first per the plan.
// Fails fatally when fewer masters are available than partitions need
// recovering.
func (r *Recovery) Start(masters []MasterReceiver) error {
	if r.plan == nil {
		if err := r.BuildPlan(); err != nil {
			return err
		}
	}

	partitionIDs := r.sortedPartitionIDs()
	if len(masters) < len(partitionIDs) {
		return fmt.Errorf("recovery of master %s failed: %d partitions to recover "+
			"but only %d replacement masters available", r.crashedMaster, len(partitionIDs), len(masters))
	}
	r.tabletsUnderRecovery = len(r.partitions)
	r.logger.Infof("[RECOVERY %s] Starting recovery for %d partitions", r.traceID, len(partitionIDs))

	clients := make(map[cluster.ServerID]BackupClient, len(r.backups))
	for _, endpoint := range r.backups {
		clients[endpoint.ID] = endpoint.Client
	}

	for i, partitionID := range partitionIDs {
		master := masters[i]
		replayed := make(map[uint64]bool, len(r.plan.Digest))
		for _, entry := range r.plan.Entries {
			if replayed[entry.SegmentID] {
				continue
			}
			client := clients[entry.Backup]
			cert, data, err := client.GetRecoveryData(r.recoveryID, r.crashedMaster,
				entry.SegmentID, partitionID)
			if err != nil {
				// Fall over to the segment's next replica in the plan.
				r.logger.Warnf("[RECOVERY %s] getRecoveryData for segment %d on backup %s failed: %v",
					r.traceID, entry.SegmentID, entry.Backup, err)
				continue
			}
			r.logger.Debugf("[RECOVERY %s] getRecoveryData master %s, segment %d, partition %d",
				r.traceID, r.crashedMaster, entry.SegmentID, partitionID)
			if err := master.ReceiveRecoverySegment(partitionID, r.crashedMaster,
				entry.SegmentID, cert, data); err != nil {
				return fmt.Errorf("replacement master rejected segment %d of partition %d: %w",
					entry.SegmentID, partitionID, err)
			}
			replayed[entry.SegmentID] = true
		}
		for _, segmentID := range r.plan.Digest {
			if !replayed[segmentID] {
				return fmt.Errorf("recovery of master %s failed: no replica of segment %d "+
					"could be read for partition %d", r.crashedMaster, segmentID, partitionID)
			}
		}
	}
	return nil
}

func (r *Recovery) sortedPartitionIDs() []uint64 {
	seen := make(map[uint64]struct{})
	var ids []uint64
	for _, t := range r.partitions {
		if _, ok := seen[t.PartitionID]; !ok {
			seen[t.PartitionID] = struct{}{}
			ids = append(ids, t.PartitionID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
