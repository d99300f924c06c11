package recovery

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

// EpochView is the read side of the coordinator's replication-epoch store,
// consumed by the planner when judging whether an open replica is stale.
type EpochView interface {
	Epoch(master cluster.ServerID, segmentID uint64) uint64
}

type epochKey struct {
	master    cluster.ServerID
	segmentID uint64
}

// EpochTable is the coordinator's replication-epoch store. Masters push
// (segmentId, epoch) tuples into it whenever they lose an open replica; the
// planner then ignores open replicas written under older epochs. Updates are
// idempotent and monotone: only the highest epoch ever wins.
type EpochTable struct {
	mu     sync.Mutex
	epochs map[epochKey]uint64
}

// NewEpochTable creates an empty table.
func NewEpochTable() *EpochTable {
	return &EpochTable{epochs: make(map[epochKey]uint64)}
}

// UpdateToAtLeast raises the recorded epoch for (master, segmentID).
func (t *EpochTable) UpdateToAtLeast(master cluster.ServerID, segmentID, epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := epochKey{master: master, segmentID: segmentID}
	if t.epochs[key] < epoch {
		t.epochs[key] = epoch
	}
}

// Epoch returns the recorded epoch, zero when none was ever pushed.
func (t *EpochTable) Epoch(master cluster.ServerID, segmentID uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epochs[epochKey{master: master, segmentID: segmentID}]
}
