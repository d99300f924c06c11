package transport

import (
	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

// Segment writes reuse the backup service's own request/response types; the
// remaining messages are defined here.

// FreeSegmentRequest asks a backup to drop a replica.
type FreeSegmentRequest struct {
	Master    cluster.ServerID
	SegmentID uint64
}

// FreeSegmentResponse is empty; frees only fail via transport errors.
type FreeSegmentResponse struct{}

// StartReadingDataRequest begins a recovery on one backup.
type StartReadingDataRequest struct {
	RecoveryID uint64
	Master     cluster.ServerID
	Partitions cluster.Partitions
}

// GetRecoveryDataRequest fetches one filtered recovery segment.
type GetRecoveryDataRequest struct {
	RecoveryID  uint64
	Master      cluster.ServerID
	SegmentID   uint64
	PartitionID uint64
}

// GetRecoveryDataResponse carries the recovery segment bytes plus the
// certificate attesting them.
type GetRecoveryDataResponse struct {
	Certificate segment.Certificate
	Data        []byte
}

// AssignGroupRequest records a replication group on a backup.
type AssignGroupRequest struct {
	GroupID uint64
	Backups []cluster.ServerID
}

// AssignGroupResponse is empty.
type AssignGroupResponse struct{}

// UpdateReplicationEpochRequest pushes a (segmentId, epoch) tuple from a
// master to the coordinator.
type UpdateReplicationEpochRequest struct {
	Master    cluster.ServerID
	SegmentID uint64
	Epoch     uint64
}

// UpdateReplicationEpochResponse is empty.
type UpdateReplicationEpochResponse struct{}

// IsReplicaNeededRequest asks a replacement master whether a replica found
// on backup storage is still needed.
type IsReplicaNeededRequest struct {
	Master    cluster.ServerID
	SegmentID uint64
}

// IsReplicaNeededResponse answers an IsReplicaNeededRequest.
type IsReplicaNeededResponse struct {
	Needed bool
}
