package cluster

// Tablet describes a contiguous key-hash range of a table and the recovery
// partition its data belongs to. During recovery the coordinator hands the
// full tablet map of the crashed master to every backup so that replica bytes
// can be filtered into per-partition recovery segments.
type Tablet struct {
	TableID      uint64
	StartKeyHash uint64
	EndKeyHash   uint64
	PartitionID  uint64
}

// Partitions is the tablet → partition mapping used while recovering one
// crashed master.
type Partitions []Tablet

// Lookup returns the partition owning (tableID, keyHash), or false when no
// tablet covers it (entries outside the map are simply dropped from recovery).
func (p Partitions) Lookup(tableID, keyHash uint64) (uint64, bool) {
	for _, t := range p {
		if t.TableID == tableID && keyHash >= t.StartKeyHash && keyHash <= t.EndKeyHash {
			return t.PartitionID, true
		}
	}
	return 0, false
}

// NumPartitions returns the number of distinct partition ids in the map.
func (p Partitions) NumPartitions() int {
	seen := make(map[uint64]struct{}, len(p))
	for _, t := range p {
		seen[t.PartitionID] = struct{}{}
	}
	return len(seen)
}
