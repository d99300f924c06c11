package replication

import (
	"math/rand"
	"sync"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

// ServerListSelector is a BackupSelector over a mutable list of known
// backups. Primaries are picked round-robin so opening writes (and therefore
// recovery load) spread evenly across the cluster; secondaries are picked at
// random. The FailureMonitor removes crashed backups from the list.
type ServerListSelector struct {
	mu      sync.Mutex
	backups []cluster.ServerID
	next    int
	rng     *rand.Rand
}

// NewServerListSelector creates a selector over the given backups. seed makes
// secondary selection reproducible in tests.
func NewServerListSelector(backups []cluster.ServerID, seed int64) *ServerListSelector {
	return &ServerListSelector{
		backups: append([]cluster.ServerID(nil), backups...),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// AddBackup makes a backup eligible for selection.
func (s *ServerListSelector) AddBackup(id cluster.ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.backups {
		if b == id {
			return
		}
	}
	s.backups = append(s.backups, id)
}

// RemoveBackup withdraws a backup (e.g. after a crash) from selection.
func (s *ServerListSelector) RemoveBackup(id cluster.ServerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.backups {
		if b == id {
			s.backups = append(s.backups[:i], s.backups[i+1:]...)
			return
		}
	}
}

// SelectPrimary returns the next backup in round-robin order that is not in
// constraints, or the invalid id when every backup is constrained.
func (s *ServerListSelector) SelectPrimary(constraints []cluster.ServerID) cluster.ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(s.backups); i++ {
		candidate := s.backups[s.next%len(s.backups)]
		s.next++
		if !contains(constraints, candidate) {
			return candidate
		}
	}
	return cluster.ServerID{}
}

// SelectSecondary returns a random unconstrained backup, or the invalid id
// when none exists.
func (s *ServerListSelector) SelectSecondary(constraints []cluster.ServerID) cluster.ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	eligible := make([]cluster.ServerID, 0, len(s.backups))
	for _, b := range s.backups {
		if !contains(constraints, b) {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) == 0 {
		return cluster.ServerID{}
	}
	return eligible[s.rng.Intn(len(eligible))]
}

func contains(ids []cluster.ServerID, id cluster.ServerID) bool {
	for _, c := range ids {
		if c == id {
			return true
		}
	}
	return false
}
