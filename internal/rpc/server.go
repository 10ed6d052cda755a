package rpc

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ci-dispatch/internal/api"
	"github.com/ChuLiYu/ci-dispatch/internal/controller"
)

// Server implements BuildClientServer on top of the controller.
type Server struct {
	controller *controller.Controller
}

var _ BuildClientServer = (*Server)(nil)

// NewServer creates a gRPC server for ctrl.
func NewServer(ctrl *controller.Controller) *Server {
	return &Server{controller: ctrl}
}

// NewGRPCServer returns a grpc.Server with the service registered and
// request logging installed.
func NewGRPCServer(ctrl *controller.Controller, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor))
	s := grpc.NewServer(opts...)
	RegisterBuildClientServer(s, NewServer(ctrl))
	return s
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Info("rpc", "method", info.FullMethod, "error", err)
	}
	return resp, err
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

// reply encodes v, or maps err onto a gRPC status.
func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	s, err := toStruct(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return s, nil
}

func (s *Server) ReadyJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req readyJobsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	jobs, err := s.controller.ReadyJobs(ctx, controller.PollRequest{
		BuildKey:   req.BuildKey,
		Config:     req.Config,
		ClientName: req.ClientName,
		IP:         peerIP(ctx),
	})
	return reply(api.ReadyJobsResponse{Jobs: jobs}, err)
}

func (s *Server) ClaimJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req claimRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	desc, err := s.controller.ClaimJob(ctx, controller.ClaimRequest{
		BuildKey:   req.BuildKey,
		Config:     req.Config,
		ClientName: req.ClientName,
		JobID:      req.JobID,
		IP:         peerIP(ctx),
	})
	return reply(desc, err)
}

func stepReport(in *structpb.Struct) (controller.StepReport, error) {
	var req stepRequest
	if err := fromStruct(in, &req); err != nil {
		return controller.StepReport{}, err
	}
	return controller.StepReport{
		BuildKey:   req.BuildKey,
		ClientName: req.ClientName,
		ResultID:   req.ResultID,
		StepNum:    req.StepNum,
		Output:     req.Output,
		Time:       req.Time,
		Complete:   req.Complete,
		ExitStatus: req.ExitStatus,
	}, nil
}

func (s *Server) StartStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := stepReport(in)
	if err == nil {
		err = s.controller.StartStep(ctx, r)
	}
	return reply(api.StatusResponse{Status: api.StatusOK}, err)
}

func (s *Server) UpdateStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := stepReport(in)
	if err == nil {
		err = s.controller.UpdateStep(ctx, r)
	}
	return reply(api.StatusResponse{Status: api.StatusOK}, err)
}

func (s *Server) CompleteStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := stepReport(in)
	if err != nil {
		return nil, toStatus(err)
	}
	next, err := s.controller.CompleteStep(ctx, r)
	return reply(api.StatusResponse{Status: api.StatusOK, NextStep: &next}, err)
}

func (s *Server) JobFinished(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req finishRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	res, err := s.controller.JobFinished(ctx, controller.FinishReport{
		BuildKey:   req.BuildKey,
		ClientName: req.ClientName,
		JobID:      req.JobID,
		Seconds:    req.Seconds,
		Complete:   req.Complete,
	})
	return reply(res, err)
}
