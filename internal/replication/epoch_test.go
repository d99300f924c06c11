package replication

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
)

func TestUpdateReplicationEpochTask(t *testing.T) {
	backups := newFakeBackups(true)
	m, coordinator := newTestManager(t, backups, 1, 1<<20, backupID(1))
	task := m.ReplicationEpoch()

	t.Run("confirms after a successful rpc", func(t *testing.T) {
		m.mu.Lock()
		task.UpdateToAtLeast(88, 3)
		assert.False(t, task.IsAtLeast(88, 3))
		m.mu.Unlock()

		drive(m)

		m.mu.Lock()
		assert.True(t, task.IsAtLeast(88, 3))
		assert.True(t, task.IsAtLeast(88, 2))
		assert.False(t, task.IsAtLeast(88, 4))
		m.mu.Unlock()
		assert.Equal(t, uint64(3), coordinator.epoch(88))
	})

	t.Run("lower requests are ignored", func(t *testing.T) {
		m.mu.Lock()
		task.UpdateToAtLeast(88, 1)
		m.mu.Unlock()
		drive(m)
		assert.Equal(t, uint64(3), coordinator.epoch(88))
	})

	t.Run("retries after coordinator errors", func(t *testing.T) {
		coordinator.mu.Lock()
		coordinator.err = errors.New("coordinator unreachable")
		coordinator.mu.Unlock()

		m.mu.Lock()
		task.UpdateToAtLeast(89, 1)
		m.mu.Unlock()
		for i := 0; i < 5; i++ {
			m.Proceed()
		}
		m.mu.Lock()
		assert.False(t, task.IsAtLeast(89, 1))
		m.mu.Unlock()

		coordinator.mu.Lock()
		coordinator.err = nil
		coordinator.mu.Unlock()
		drive(m)
		m.mu.Lock()
		assert.True(t, task.IsAtLeast(89, 1))
		m.mu.Unlock()
	})
}

func TestSelectorRespectsConstraints(t *testing.T) {
	ids := []cluster.ServerID{backupID(1), backupID(2), backupID(3)}
	s := NewServerListSelector(ids, 1)

	t.Run("primary skips constrained backups", func(t *testing.T) {
		got := s.SelectPrimary([]cluster.ServerID{backupID(1)})
		assert.NotEqual(t, backupID(1), got)
		assert.True(t, got.IsValid())
	})

	t.Run("secondary never returns a constrained backup", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			got := s.SelectSecondary([]cluster.ServerID{backupID(2), backupID(3)})
			require.Equal(t, backupID(1), got)
		}
	})

	t.Run("returns invalid id when everything is constrained", func(t *testing.T) {
		assert.False(t, s.SelectPrimary(ids).IsValid())
		assert.False(t, s.SelectSecondary(ids).IsValid())
	})

	t.Run("removed backups are not selected", func(t *testing.T) {
		s.RemoveBackup(backupID(2))
		for i := 0; i < 50; i++ {
			assert.NotEqual(t, backupID(2), s.SelectSecondary(nil))
			assert.NotEqual(t, backupID(2), s.SelectPrimary(nil))
		}
	})
}

func TestProgressOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b Progress
		less bool
	}{
		{"equal", Progress{Open: true, Bytes: 5}, Progress{Open: true, Bytes: 5}, false},
		{"open dominates", Progress{}, Progress{Open: true}, true},
		{"bytes", Progress{Open: true, Bytes: 4}, Progress{Open: true, Bytes: 5}, true},
		{"close", Progress{Open: true, Bytes: 5}, Progress{Open: true, Bytes: 5, Close: true}, true},
		{"epoch breaks ties", Progress{Open: true, Bytes: 5}, Progress{Open: true, Bytes: 5, Epoch: 1}, true},
		{"bytes beat epoch", Progress{Open: true, Bytes: 4, Epoch: 7}, Progress{Open: true, Bytes: 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.less, tt.a.Less(tt.b))
		})
	}
}

func TestProgressMin(t *testing.T) {
	a := Progress{Open: true, Bytes: 10, Close: true, Epoch: 2}
	b := Progress{Open: true, Bytes: 7, Close: false, Epoch: 3}
	min := a.Min(b)
	assert.Equal(t, Progress{Open: true, Bytes: 7, Close: false, Epoch: 2}, min)
}
