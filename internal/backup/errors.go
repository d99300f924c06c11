package backup

import "errors"

var (
	// ErrBadSegmentID is returned for writes against frames that are not
	// open (never opened, already closed, or belonging to a recovery the
	// caller is not part of).
	ErrBadSegmentID = errors.New("no open replica for that segment id")

	// ErrSegmentOverflow is returned when a write falls outside the frame's
	// capacity.
	ErrSegmentOverflow = errors.New("segment write exceeds frame capacity")

	// ErrOpenRejected is returned when the backup cannot accept a new
	// replica: it is out of frames, or it already holds a replica of the
	// segment left behind by a prior crash of the same master.
	ErrOpenRejected = errors.New("replica open rejected")
)
