package recovery

import (
	"fmt"

	"github.com/petar/GoLLRB/llrb"

	"github.com/LiumxNL/RAMCloud/internal/backup"
	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

// PlanEntry names one replica to contact during replay.
type PlanEntry struct {
	Backup    cluster.ServerID
	SegmentID uint64
	Primary   bool
}

// BackupReport pairs a backup with its startReadingData response. Report
// order is the order backups were contacted in; the plan preserves it within
// each class.
type BackupReport struct {
	Backup   cluster.ServerID
	Response *backup.StartReadingDataResponse
}

// Plan is the ordered replay schedule for one crashed master, together with
// the log digest that proved the log complete.
type Plan struct {
	Entries []PlanEntry

	HeadSegmentID uint64
	HeadLength    uint32
	Digest        []uint64
}

// candidate is one replica of a segment, remembering which backup reported
// it.
type candidate struct {
	backup  cluster.ServerID
	summary backup.ReplicaSummary
}

// segmentItem indexes all candidate replicas of one segment id. Items live in
// an LLRB tree ordered by segment id; the verification pass looks up each
// segment id of the digest in it.
type segmentItem struct {
	segmentID  uint64
	candidates []candidate
}

func (s *segmentItem) Less(than llrb.Item) bool {
	return s.segmentID < than.(*segmentItem).segmentID
}

// BuildPlan consolidates per-backup replica reports into the global ordered
// replay plan for crashedMaster:
//
//  1. The log head is the digest-carrying replica with the largest segment
//     id (longest breaks ties); its digest enumerates the whole log.
//  2. Every segment in the digest must have a usable candidate: closed, or
//     open with an epoch at or above the coordinator's. Otherwise the log is
//     incomplete and the recovery fails.
//  3. No secondary precedes any primary; within each class, backups are
//     drained round-robin in report order, so replay load spreads across the
//     cluster the way primary placement intended.
func BuildPlan(crashedMaster cluster.ServerID, reports []BackupReport,
	epochs EpochView) (*Plan, error) {
	index := llrb.New()
	for _, report := range reports {
		for _, summary := range report.Response.Replicas {
			probe := &segmentItem{segmentID: summary.SegmentID}
			item := index.Get(probe)
			if item == nil {
				index.ReplaceOrInsert(probe)
				item = probe
			}
			seg := item.(*segmentItem)
			seg.candidates = append(seg.candidates,
				candidate{backup: report.Backup, summary: summary})
		}
	}

	plan := &Plan{}

	// Newest digest wins; longest breaks ties.
	haveDigest := false
	for _, report := range reports {
		resp := report.Response
		if !resp.HasDigest {
			continue
		}
		better := !haveDigest ||
			resp.DigestSegmentID > plan.HeadSegmentID ||
			(resp.DigestSegmentID == plan.HeadSegmentID && resp.DigestSegmentLength > plan.HeadLength)
		if better {
			haveDigest = true
			plan.HeadSegmentID = resp.DigestSegmentID
			plan.HeadLength = resp.DigestSegmentLength
			plan.Digest = resp.Digest
		}
	}
	if !haveDigest {
		return nil, fmt.Errorf("no log digest found among replicas of master %s; "+
			"cannot determine the head of the log", crashedMaster)
	}

	if err := verifyCompleteLog(crashedMaster, plan, index, epochs); err != nil {
		return nil, err
	}

	// Primaries first, then secondaries; round-robin across reports within a
	// class, keeping each backup's own reported order.
	for _, primary := range []bool{true, false} {
		cursors := make([]int, len(reports))
		for {
			emitted := false
			for i, report := range reports {
				replicas := report.Response.Replicas
				for cursors[i] < len(replicas) && replicas[cursors[i]].Primary != primary {
					cursors[i]++
				}
				if cursors[i] >= len(replicas) {
					continue
				}
				summary := replicas[cursors[i]]
				cursors[i]++
				plan.Entries = append(plan.Entries, PlanEntry{
					Backup:    report.Backup,
					SegmentID: summary.SegmentID,
					Primary:   summary.Primary,
				})
				emitted = true
			}
			if !emitted {
				break
			}
		}
	}
	return plan, nil
}

// verifyCompleteLog checks that every segment the head's digest names has at
// least one usable candidate replica. Open replicas stamped with an epoch
// below the coordinator's are stale leftovers of a lost-open event and do not
// count; closed replicas are immune (a sealed frame cannot masquerade as the
// head).
func verifyCompleteLog(crashedMaster cluster.ServerID, plan *Plan,
	index *llrb.LLRB, epochs EpochView) error {
	missing := 0
	var firstMissing uint64
	for _, segmentID := range plan.Digest {
		item := index.Get(&segmentItem{segmentID: segmentID})
		usable := false
		if item != nil {
			for _, c := range item.(*segmentItem).candidates {
				if c.summary.Closed || c.summary.Epoch >= epochs.Epoch(crashedMaster, segmentID) {
					usable = true
					break
				}
			}
		}
		if !usable {
			if missing == 0 {
				firstMissing = segmentID
			}
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("log of master %s is incomplete: %d of %d segments in the digest "+
			"(first: %d) have no usable replica on any backup",
			crashedMaster, missing, len(plan.Digest), firstMissing)
	}
	return nil
}
