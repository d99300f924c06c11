package replication

import "sync/atomic"

// Metrics collects counters for the replication engine.
type Metrics struct {
	segmentCloses         atomic.Uint64
	replicaRecoveries     atomic.Uint64
	openReplicaRecoveries atomic.Uint64
	writeRPCs             atomic.Uint64
	freeRPCs              atomic.Uint64
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSegmentClose counts a segment close request.
func (m *Metrics) RecordSegmentClose() { m.segmentCloses.Add(1) }

// RecordReplicaRecovery counts a replica reset due to a backup failure.
func (m *Metrics) RecordReplicaRecovery() { m.replicaRecoveries.Add(1) }

// RecordOpenReplicaRecovery counts a replica lost while its segment was open.
func (m *Metrics) RecordOpenReplicaRecovery() { m.openReplicaRecoveries.Add(1) }

// RecordWriteRPC counts an issued segment write RPC.
func (m *Metrics) RecordWriteRPC() { m.writeRPCs.Add(1) }

// RecordFreeRPC counts an issued segment free RPC.
func (m *Metrics) RecordFreeRPC() { m.freeRPCs.Add(1) }

// SegmentCloses returns the number of segment close requests.
func (m *Metrics) SegmentCloses() uint64 { return m.segmentCloses.Load() }

// ReplicaRecoveries returns the number of replica resets due to failures.
func (m *Metrics) ReplicaRecoveries() uint64 { return m.replicaRecoveries.Load() }

// OpenReplicaRecoveries returns the number of replicas lost while open.
func (m *Metrics) OpenReplicaRecoveries() uint64 { return m.openReplicaRecoveries.Load() }

// WriteRPCs returns the number of issued write RPCs.
func (m *Metrics) WriteRPCs() uint64 { return m.writeRPCs.Load() }

// FreeRPCs returns the number of issued free RPCs.
func (m *Metrics) FreeRPCs() uint64 { return m.freeRPCs.Load() }
