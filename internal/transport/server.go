package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/LiumxNL/RAMCloud/internal/backup"
	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/segment"
)

const (
	backupServiceName      = "ramcloud.BackupService"
	coordinatorServiceName = "ramcloud.CoordinatorService"
	masterServiceName      = "ramcloud.MasterService"

	methodWriteSegment     = "/" + backupServiceName + "/WriteSegment"
	methodFreeSegment      = "/" + backupServiceName + "/FreeSegment"
	methodStartReadingData = "/" + backupServiceName + "/StartReadingData"
	methodGetRecoveryData  = "/" + backupServiceName + "/GetRecoveryData"
	methodAssignGroup      = "/" + backupServiceName + "/AssignGroup"

	methodUpdateReplicationEpoch = "/" + coordinatorServiceName + "/UpdateReplicationEpoch"

	methodIsReplicaNeeded = "/" + masterServiceName + "/IsReplicaNeeded"
)

// BackupAPI is the service surface exported over the backup descriptor;
// *backup.Service implements it.
type BackupAPI interface {
	WriteSegment(req *backup.WriteSegmentRequest) (*backup.WriteSegmentResponse, error)
	FreeSegment(master cluster.ServerID, segmentID uint64) error
	StartReadingData(recoveryID uint64, master cluster.ServerID,
		partitions cluster.Partitions) (*backup.StartReadingDataResponse, error)
	GetRecoveryData(recoveryID uint64, master cluster.ServerID,
		segmentID, partitionID uint64) (segment.Certificate, []byte, error)
	AssignGroup(groupID uint64, backups []cluster.ServerID)
}

// toStatus maps the backup error taxonomy onto gRPC codes so clients can map
// them back without string matching.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backup.ErrBadSegmentID):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, backup.ErrSegmentOverflow):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, backup.ErrOpenRejected):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

var backupServiceDesc = grpc.ServiceDesc{
	ServiceName: backupServiceName,
	HandlerType: (*BackupAPI)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WriteSegment", Handler: writeSegmentHandler},
		{MethodName: "FreeSegment", Handler: freeSegmentHandler},
		{MethodName: "StartReadingData", Handler: startReadingDataHandler},
		{MethodName: "GetRecoveryData", Handler: getRecoveryDataHandler},
		{MethodName: "AssignGroup", Handler: assignGroupHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ramcloud/backup",
}

// RegisterBackupService exposes a backup service on a gRPC server.
func RegisterBackupService(s *grpc.Server, api BackupAPI) {
	s.RegisterService(&backupServiceDesc, api)
}

func writeSegmentHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(backup.WriteSegmentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req interface{}) (interface{}, error) {
		resp, err := srv.(BackupAPI).WriteSegment(req.(*backup.WriteSegmentRequest))
		return resp, toStatus(err)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWriteSegment}
	return interceptor(ctx, in, info, handler)
}

func freeSegmentHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FreeSegmentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req interface{}) (interface{}, error) {
		r := req.(*FreeSegmentRequest)
		return &FreeSegmentResponse{}, toStatus(srv.(BackupAPI).FreeSegment(r.Master, r.SegmentID))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFreeSegment}
	return interceptor(ctx, in, info, handler)
}

func startReadingDataHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StartReadingDataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req interface{}) (interface{}, error) {
		r := req.(*StartReadingDataRequest)
		resp, err := srv.(BackupAPI).StartReadingData(r.RecoveryID, r.Master, r.Partitions)
		return resp, toStatus(err)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStartReadingData}
	return interceptor(ctx, in, info, handler)
}

func getRecoveryDataHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRecoveryDataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req interface{}) (interface{}, error) {
		r := req.(*GetRecoveryDataRequest)
		cert, data, err := srv.(BackupAPI).GetRecoveryData(r.RecoveryID, r.Master, r.SegmentID, r.PartitionID)
		if err != nil {
			return nil, toStatus(err)
		}
		return &GetRecoveryDataResponse{Certificate: cert, Data: data}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetRecoveryData}
	return interceptor(ctx, in, info, handler)
}

func assignGroupHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AssignGroupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req interface{}) (interface{}, error) {
		r := req.(*AssignGroupRequest)
		srv.(BackupAPI).AssignGroup(r.GroupID, r.Backups)
		return &AssignGroupResponse{}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAssignGroup}
	return interceptor(ctx, in, info, handler)
}

// EpochRecorder is the coordinator-side surface for replication-epoch
// updates; *recovery.EpochTable implements it.
type EpochRecorder interface {
	UpdateToAtLeast(master cluster.ServerID, segmentID, epoch uint64)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorServiceName,
	HandlerType: (*EpochRecorder)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UpdateReplicationEpoch", Handler: updateReplicationEpochHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ramcloud/coordinator",
}

// RegisterCoordinatorService exposes the replication-epoch table on a gRPC
// server.
func RegisterCoordinatorService(s *grpc.Server, epochs EpochRecorder) {
	s.RegisterService(&coordinatorServiceDesc, epochs)
}

func updateReplicationEpochHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateReplicationEpochRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req interface{}) (interface{}, error) {
		r := req.(*UpdateReplicationEpochRequest)
		srv.(EpochRecorder).UpdateToAtLeast(r.Master, r.SegmentID, r.Epoch)
		return &UpdateReplicationEpochResponse{}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodUpdateReplicationEpoch}
	return interceptor(ctx, in, info, handler)
}

// ReplicaNeededResponder is implemented by masters that can answer replica
// garbage-collection probes.
type ReplicaNeededResponder interface {
	IsReplicaNeeded(master cluster.ServerID, segmentID uint64) bool
}

var masterServiceDesc = grpc.ServiceDesc{
	ServiceName: masterServiceName,
	HandlerType: (*ReplicaNeededResponder)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IsReplicaNeeded", Handler: isReplicaNeededHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ramcloud/master",
}

// RegisterMasterService exposes a master's replica-needed probe on a gRPC
// server.
func RegisterMasterService(s *grpc.Server, responder ReplicaNeededResponder) {
	s.RegisterService(&masterServiceDesc, responder)
}

func isReplicaNeededHandler(srv interface{}, ctx context.Context,
	dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(IsReplicaNeededRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(_ context.Context, req interface{}) (interface{}, error) {
		r := req.(*IsReplicaNeededRequest)
		needed := srv.(ReplicaNeededResponder).IsReplicaNeeded(r.Master, r.SegmentID)
		return &IsReplicaNeededResponse{Needed: needed}, nil
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodIsReplicaNeeded}
	return interceptor(ctx, in, info, handler)
}
