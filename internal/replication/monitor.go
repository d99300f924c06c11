package replication

import (
	"sync"

	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/pubsub"
)

const (
	// BackupFailed is published when the membership layer confirms a backup
	// crashed. Payload: the failed backup's ServerID.
	BackupFailed pubsub.EventType = iota
)

// backupRemover is implemented by selectors that track the live backup list.
type backupRemover interface {
	RemoveBackup(cluster.ServerID)
}

// FailureMonitor feeds backup failures from the cluster event bus into the
// ReplicaManager. It runs on its own goroutine; HandleBackupFailure takes the
// manager lock, which is exactly why Sync releases that lock while waiting.
type FailureMonitor struct {
	bus     *pubsub.Bus
	manager *ReplicaManager

	ch   chan pubsub.Event[cluster.ServerID]
	id   pubsub.SubscriberID
	wg   sync.WaitGroup
	once sync.Once
}

// NewFailureMonitor creates a monitor; call Start to begin delivering events.
func NewFailureMonitor(bus *pubsub.Bus, manager *ReplicaManager) *FailureMonitor {
	return &FailureMonitor{
		bus:     bus,
		manager: manager,
		ch:      make(chan pubsub.Event[cluster.ServerID], 16),
	}
}

// Start subscribes to BackupFailed events and begins forwarding them.
func (f *FailureMonitor) Start() {
	f.id = pubsub.Subscribe(f.bus, BackupFailed, f.ch, true)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ev := range f.ch {
			failedID := ev.Payload
			f.manager.logger.Warnf("[REPL] Backup %s failed; rescheduling affected segments", failedID)
			if remover, ok := f.manager.selector.(backupRemover); ok {
				remover.RemoveBackup(failedID)
			}
			f.manager.HandleBackupFailure(failedID)
		}
	}()
}

// Stop unsubscribes and waits for the forwarding goroutine to exit.
func (f *FailureMonitor) Stop() {
	f.once.Do(func() {
		f.bus.Unsubscribe(BackupFailed, f.id)
		f.wg.Wait()
	})
}
