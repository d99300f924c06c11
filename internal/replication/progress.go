package replication

// Progress tracks how far a replica (or the replication target) has advanced
// through a segment's lifetime: whether the opening write happened, how many
// bytes are covered, whether the closing flag is set, and under which
// replication epoch the last write was issued.
//
// Open/Bytes/Close are ordered lexicographically; Epoch advances
// independently (it is bumped when an open replica is lost, not by data
// flow). The per-replica invariant is committed ≤ acked ≤ sent ≤ queued.
type Progress struct {
	Open  bool
	Bytes uint32
	Close bool
	Epoch uint64
}

// Less orders two Progress values lexicographically on (Open, Bytes, Close)
// with Epoch as the final component. Including the epoch makes a replica that
// is fully caught up on bytes but stamped with a stale epoch compare behind
// the target, which is what drives the zero-length certified write that
// refreshes its epoch after a lost-open event.
func (p Progress) Less(o Progress) bool {
	if p.Open != o.Open {
		return !p.Open
	}
	if p.Bytes != o.Bytes {
		return p.Bytes < o.Bytes
	}
	if p.Close != o.Close {
		return !p.Close
	}
	return p.Epoch < o.Epoch
}

// Min returns the componentwise minimum of two Progress values. The
// segment-level committed state is the Min across all replicas.
func (p Progress) Min(o Progress) Progress {
	out := Progress{
		Open:  p.Open && o.Open,
		Close: p.Close && o.Close,
		Bytes: p.Bytes,
		Epoch: p.Epoch,
	}
	if o.Bytes < out.Bytes {
		out.Bytes = o.Bytes
	}
	if o.Epoch < out.Epoch {
		out.Epoch = o.Epoch
	}
	return out
}
