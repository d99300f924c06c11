package replication

import "github.com/LiumxNL/RAMCloud/internal/cluster"

// replica is the per-(segment, backup) sub-state: what was sent, acked and
// committed, plus the single outstanding RPC allowed at a time. Replicas are
// created inactive in the segment's replica array and activated once a
// backup has been selected for them.
type replica struct {
	backupID cluster.ServerID
	isActive bool

	// replicateAtomically suppresses the opening certificate while this slot
	// is re-replicated after a failure, so the new replica cannot be read
	// during recovery until it has fully caught up.
	replicateAtomically bool

	sent      Progress
	acked     Progress
	committed Progress

	writeRPC *WriteCall
	freeRPC  *FreeCall
}

// start activates the replica on the chosen backup.
func (r *replica) start(backupID cluster.ServerID) {
	r.backupID = backupID
	r.isActive = true
}

// reset returns the replica to its pristine inactive state, e.g. after the
// backup rejected the opening write and a different one must be tried.
func (r *replica) reset() {
	*r = replica{}
}

// failed resets the replica after its backup crashed. Whatever this slot is
// re-replicated onto must stay unreadable until it has caught up, so the next
// incarnation replicates atomically.
func (r *replica) failed() {
	*r = replica{replicateAtomically: true}
}
