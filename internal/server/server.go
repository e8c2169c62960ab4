// Package server exposes the coordinator over gRPC.
//
// The service is described by hand rather than generated: every method takes
// and returns a google.protobuf.Struct whose fields mirror the JSON form of
// the domain types.
//
//	service screenq.v1.ScreeningService {
//	  rpc SubmitJob(Struct) returns (Struct);      // {job_id, criteria, total_studies?}
//	  rpc GetStatus(Struct) returns (Struct);      // {job_id}
//	  rpc GetAgentStatus(Struct) returns (Struct); // {}
//	  rpc AbortJob(Struct) returns (Struct);       // {job_id, reason?}
//	  rpc GetSummary(Struct) returns (Struct);     // {job_id}
//	  rpc Health(Struct) returns (Struct);         // {}
//	}
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/ChuLiYu/screening-queue/internal/controller"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "screenq.v1.ScreeningService"

// Coordinator is what the server needs from the coordinator.
type Coordinator interface {
	Submit(ctx context.Context, id types.JobID, criteria types.Criteria, total int) (*types.Job, error)
	Screen(ctx context.Context, id types.JobID, criteria types.Criteria) (*types.Job, error)
	GetStatus(id types.JobID) (types.StatusSnapshot, error)
	GetAgentStatus() types.AgentStatus
	Abort(ctx context.Context, id types.JobID, reason string) (types.StatusSnapshot, error)
	Summary(id types.JobID) (types.Summary, error)
	Health() controller.Health
}

var _ Coordinator = (*controller.Coordinator)(nil)

// Server implements ScreeningService.
type Server struct {
	coord Coordinator
	log   *slog.Logger
}

// NewServer creates a server backed by coord.
func NewServer(coord Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{coord: coord, log: logger}
}

// Register adds the service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(append([]grpc.ServerOption{grpc.UnaryInterceptor(s.logUnary)}, opts...)...)
	s.Register(gs)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Debug("rpc failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	}
	return resp, err
}

// ============================================================================
// Request and response shapes
// ============================================================================

type submitRequest struct {
	JobID        types.JobID    `json:"job_id"`
	Criteria     types.Criteria `json:"criteria"`
	TotalStudies *int           `json:"total_studies,omitempty"`
}

type jobRequest struct {
	JobID  types.JobID `json:"job_id"`
	Reason string      `json:"reason,omitempty"`
}

// ============================================================================
// Handlers
// ============================================================================

// SubmitJob creates a job. Without total_studies the record store count is used.
func (s *Server) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	var (
		job *types.Job
		err error
	)
	if req.TotalStudies != nil {
		job, err = s.coord.Submit(ctx, req.JobID, req.Criteria, *req.TotalStudies)
	} else {
		job, err = s.coord.Screen(ctx, req.JobID, req.Criteria)
	}
	if err != nil {
		return nil, ToStatus(err)
	}
	return ToStruct(types.SnapshotOf(job))
}

// GetStatus returns the status snapshot of a job.
func (s *Server) GetStatus(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeJobRequest(in)
	if err != nil {
		return nil, err
	}
	snap, err := s.coord.GetStatus(req.JobID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return ToStruct(snap)
}

// GetAgentStatus returns pool-wide counts.
func (s *Server) GetAgentStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return ToStruct(s.coord.GetAgentStatus())
}

// AbortJob aborts a job and returns its final status.
func (s *Server) AbortJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeJobRequest(in)
	if err != nil {
		return nil, err
	}
	snap, err := s.coord.Abort(ctx, req.JobID, req.Reason)
	if err != nil {
		return nil, ToStatus(err)
	}
	return ToStruct(snap)
}

// GetSummary returns the summary of a completed job.
func (s *Server) GetSummary(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeJobRequest(in)
	if err != nil {
		return nil, err
	}
	summary, err := s.coord.Summary(req.JobID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return ToStruct(summary)
}

// Health returns the coordinator health document.
func (s *Server) Health(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return ToStruct(s.coord.Health())
}

func decodeJobRequest(in *structpb.Struct) (jobRequest, error) {
	var req jobRequest
	if err := FromStruct(in, &req); err != nil {
		return req, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if req.JobID == "" {
		return req, status.Error(codes.InvalidArgument, "job_id is required")
	}
	return req, nil
}

// ============================================================================
// Conversion helpers
// ============================================================================

// ToStruct converts v to a Struct through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// FromStruct decodes a Struct into v through its JSON form.
func FromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ToStatus maps an error kind to a gRPC status.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch types.KindOf(err) {
	case types.KindJobNotFound:
		code = codes.NotFound
	case types.KindDuplicateJob:
		code = codes.AlreadyExists
	case types.KindPermanentValidation:
		code = codes.InvalidArgument
	case types.KindInvalidTransition, types.KindJobFailedTerminal:
		code = codes.FailedPrecondition
	case types.KindTransient:
		code = codes.Unavailable
	case types.KindAborted:
		code = codes.Aborted
	default:
		switch {
		case errors.Is(err, controller.ErrStopped), errors.Is(err, controller.ErrNotStarted):
			code = codes.Unavailable
		case errors.Is(err, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		case errors.Is(err, context.Canceled):
			code = codes.Canceled
		}
	}
	return status.Error(code, err.Error())
}
