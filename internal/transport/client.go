package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/LiumxNL/RAMCloud/internal/backup"
	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/recovery"
	"github.com/LiumxNL/RAMCloud/internal/replication"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

// AddressBook resolves server ids to dialable addresses. The cluster
// membership layer keeps it current.
type AddressBook interface {
	Lookup(id cluster.ServerID) (string, bool)
}

// StaticAddressBook is an AddressBook over a fixed map; enough for tests and
// small deployments.
type StaticAddressBook map[cluster.ServerID]string

// Lookup implements AddressBook.
func (b StaticAddressBook) Lookup(id cluster.ServerID) (string, bool) {
	addr, ok := b[id]
	return addr, ok
}

// Client is the outbound side of the replication RPC surface. It implements
// replication.BackupClient (asynchronous writes and frees completing call
// futures from transport goroutines) and backup.MasterClient (replica-needed
// probes); BackupEndpoint adapts it to recovery.BackupClient (synchronous
// recovery reads) for one backup.
type Client struct {
	addresses AddressBook
	logger    cluster.Logger

	// notify is invoked whenever an asynchronous call completes; the
	// replication engine passes its manager's Wake.
	notify func()

	timeout time.Duration

	// conns pools one gRPC channel per address.
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a client. notify may be nil.
func NewClient(addresses AddressBook, notify func(), logger cluster.Logger) *Client {
	if logger == nil {
		logger = cluster.NoopLogger{}
	}
	return &Client{
		addresses: addresses,
		logger:    logger,
		notify:    notify,
		timeout:   30 * time.Second,
		conns:     make(map[string]*grpc.ClientConn),
	}
}

// Close tears down every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.logger.Warnf("[RPC] Error closing channel to %s: %v", addr, err)
		}
		delete(c.conns, addr)
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, ok := c.conns[addr]
	c.mu.RUnlock()
	if ok {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	if err != nil {
		return nil, fmt.Errorf("failed establishing a gRPC channel to %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

func (c *Client) invoke(id cluster.ServerID, method string, req, resp interface{}) error {
	addr, ok := c.addresses.Lookup(id)
	if !ok {
		return fmt.Errorf("no known address for server %s", id)
	}
	conn, err := c.conn(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return conn.Invoke(ctx, method, req, resp)
}

// StartWrite implements replication.BackupClient.
func (c *Client) StartWrite(req *replication.WriteRequest) *replication.WriteCall {
	call := replication.NewWriteCall(c.notify)
	go func() {
		wreq := &backup.WriteSegmentRequest{
			Master:      req.Master,
			SegmentID:   req.SegmentID,
			Epoch:       req.Epoch,
			Offset:      req.Offset,
			Data:        req.Data,
			Certificate: req.Certificate,
			Open:        req.Open,
			Close:       req.Close,
			Primary:     req.Primary,
		}
		wresp := &backup.WriteSegmentResponse{}
		err := c.invoke(req.Backup, methodWriteSegment, wreq, wresp)
		switch {
		case err == nil:
			call.Complete(replication.WriteOK, wresp.Group)
		case status.Code(err) == codes.ResourceExhausted:
			call.Complete(replication.WriteOpenRejected, nil)
		case status.Code(err) == codes.NotFound || status.Code(err) == codes.OutOfRange:
			// Protocol violations the engine cannot retry away; surface them
			// loudly and let the failure path clear the replica.
			c.logger.Errorf("[RPC] writeSegment <%s,%d> rejected by backup %s: %v",
				req.Master, req.SegmentID, req.Backup, err)
			call.Complete(replication.WriteBackupDown, nil)
		default:
			call.Complete(replication.WriteBackupDown, nil)
		}
	}()
	return call
}

// StartFree implements replication.BackupClient. Errors are swallowed: a
// backup that is already gone has no replica left to free, and anything it
// left on storage is the job of its own garbage collector.
func (c *Client) StartFree(backupID, master cluster.ServerID, segmentID uint64) *replication.FreeCall {
	call := replication.NewFreeCall(c.notify)
	go func() {
		req := &FreeSegmentRequest{Master: master, SegmentID: segmentID}
		if err := c.invoke(backupID, methodFreeSegment, req, &FreeSegmentResponse{}); err != nil {
			c.logger.Debugf("[RPC] freeSegment <%s,%d> on backup %s: %v",
				master, segmentID, backupID, err)
		}
		call.Complete()
	}()
	return call
}

// StartIsReplicaNeeded implements backup.MasterClient.
func (c *Client) StartIsReplicaNeeded(master cluster.ServerID, segmentID uint64) *backup.IsReplicaNeededCall {
	call := backup.NewIsReplicaNeededCall()
	go func() {
		resp := &IsReplicaNeededResponse{}
		err := c.invoke(master, methodIsReplicaNeeded,
			&IsReplicaNeededRequest{Master: master, SegmentID: segmentID}, resp)
		call.Complete(resp.Needed, err)
		if c.notify != nil {
			c.notify()
		}
	}()
	return call
}

// StartReadingDataOn starts reading a crashed master's replicas on one
// backup.
func (c *Client) StartReadingDataOn(backupID cluster.ServerID, recoveryID uint64,
	master cluster.ServerID, partitions cluster.Partitions) (*backup.StartReadingDataResponse, error) {
	resp := &backup.StartReadingDataResponse{}
	req := &StartReadingDataRequest{RecoveryID: recoveryID, Master: master, Partitions: partitions}
	if err := c.invoke(backupID, methodStartReadingData, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRecoveryDataOn fetches one recovery segment from one backup.
func (c *Client) GetRecoveryDataOn(backupID cluster.ServerID, recoveryID uint64,
	master cluster.ServerID, segmentID, partitionID uint64) (segment.Certificate, []byte, error) {
	resp := &GetRecoveryDataResponse{}
	req := &GetRecoveryDataRequest{
		RecoveryID:  recoveryID,
		Master:      master,
		SegmentID:   segmentID,
		PartitionID: partitionID,
	}
	if err := c.invoke(backupID, methodGetRecoveryData, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return segment.Certificate{}, nil, fmt.Errorf("%v: %w", err, backup.ErrBadSegmentID)
		}
		return segment.Certificate{}, nil, err
	}
	return resp.Certificate, resp.Data, nil
}

// AssignGroup records a replication group on a backup.
func (c *Client) AssignGroup(backupID cluster.ServerID, groupID uint64,
	backups []cluster.ServerID) error {
	req := &AssignGroupRequest{GroupID: groupID, Backups: backups}
	return c.invoke(backupID, methodAssignGroup, req, &AssignGroupResponse{})
}

// UpdateReplicationEpoch pushes an epoch tuple to the coordinator
// synchronously; CoordinatorClient wraps it into call futures for the
// replication engine.
func (c *Client) UpdateReplicationEpoch(coordinatorID, master cluster.ServerID,
	segmentID, epoch uint64) error {
	req := &UpdateReplicationEpochRequest{Master: master, SegmentID: segmentID, Epoch: epoch}
	return c.invoke(coordinatorID, methodUpdateReplicationEpoch, req, &UpdateReplicationEpochResponse{})
}

// BackupEndpoint adapts the Client to recovery.BackupClient for one backup.
func (c *Client) BackupEndpoint(backupID cluster.ServerID) recovery.BackupEndpoint {
	return recovery.BackupEndpoint{
		ID:     backupID,
		Client: &boundBackup{client: c, backupID: backupID},
	}
}

type boundBackup struct {
	client   *Client
	backupID cluster.ServerID
}

func (b *boundBackup) StartReadingData(recoveryID uint64, master cluster.ServerID,
	partitions cluster.Partitions) (*backup.StartReadingDataResponse, error) {
	return b.client.StartReadingDataOn(b.backupID, recoveryID, master, partitions)
}

func (b *boundBackup) GetRecoveryData(recoveryID uint64, master cluster.ServerID,
	segmentID, partitionID uint64) (segment.Certificate, []byte, error) {
	return b.client.GetRecoveryDataOn(b.backupID, recoveryID, master, segmentID, partitionID)
}

// CoordinatorClient implements replication.CoordinatorClient over the shared
// Client.
type CoordinatorClient struct {
	client        *Client
	coordinatorID cluster.ServerID
}

// NewCoordinatorClient binds the coordinator's id.
func NewCoordinatorClient(client *Client, coordinatorID cluster.ServerID) *CoordinatorClient {
	return &CoordinatorClient{client: client, coordinatorID: coordinatorID}
}

// StartUpdateEpoch implements replication.CoordinatorClient.
func (c *CoordinatorClient) StartUpdateEpoch(master cluster.ServerID,
	segmentID, epoch uint64) *replication.EpochCall {
	call := replication.NewEpochCall(c.client.notify)
	go func() {
		call.Complete(c.client.UpdateReplicationEpoch(c.coordinatorID, master, segmentID, epoch))
	}()
	return call
}
