// ============================================================================
// Job service (gRPC)
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Let remote callers queue jobs and read job statuses over gRPC
//
// Service candlepin.async.v1.JobService:
//   QueueJob      (google.protobuf.Struct)      -> google.protobuf.Struct
//   GetJobStatus  (google.protobuf.StringValue) -> google.protobuf.Struct
//   ListJobs      (google.protobuf.Struct)      -> google.protobuf.Struct
//
// Payloads use the well-known Struct types, so neither side needs generated
// stubs. A QueueJob request looks like:
//
//   {"job_key": "refreshpools", "name": "Refresh pools", "group": "owner",
//    "arguments": {"owner": "acme"}, "unique": {"owner": "acme"},
//    "metadata": {"owner_key": "acme"}, "retry_count": 2, "log_level": "debug"}
//
// The caller's principal and correlation id travel as request metadata
// (x-principal, x-correlation-id).
//
// ============================================================================

package server

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/candlepin-async/internal/joberr"
	"github.com/ChuLiYu/candlepin-async/internal/jobdata"
	"github.com/ChuLiYu/candlepin-async/internal/jobmanager"
	"github.com/ChuLiYu/candlepin-async/internal/store"
	"github.com/ChuLiYu/candlepin-async/pkg/types"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "candlepin.async.v1.JobService"

// Request metadata keys
const (
	PrincipalHeader     = "x-principal"
	CorrelationIDHeader = "x-correlation-id"
)

// JobService is the part of the job manager the server exposes
type JobService interface {
	QueueJob(ctx context.Context, b *jobmanager.JobBuilder) (*types.JobStatus, error)
	GetJobStatus(ctx context.Context, id string) (*types.JobStatus, error)
	FindJobs(ctx context.Context, filter store.ListFilter) ([]*types.JobStatus, error)
}

// Server implements the JobService gRPC service
type Server struct {
	jobs JobService
	log  logrus.FieldLogger
	grpc *grpc.Server
}

// New creates a server over jobs
func New(jobs JobService, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		jobs: jobs,
		log:  logger.WithField("component", "server"),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logRequests))
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.log.WithField("address", lis.Addr().String()).Info("Job service listening")
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight calls and stops the server
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	entry := s.log.WithFields(logrus.Fields{
		"method":  info.FullMethod,
		"elapsed": time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("Job service call failed")
	} else {
		entry.Debug("Job service call completed")
	}
	return resp, err
}

// requestContext moves the caller identity from request metadata onto ctx
func requestContext(ctx context.Context) context.Context {
	md, _ := metadata.FromIncomingContext(ctx)

	if v := md.Get(PrincipalHeader); len(v) > 0 {
		ctx = jobmanager.WithPrincipal(ctx, v[0])
	}
	csid := uuid.NewString()
	if v := md.Get(CorrelationIDHeader); len(v) > 0 && v[0] != "" {
		csid = v[0]
	}
	return jobmanager.WithCorrelationID(ctx, csid)
}

// QueueJob queues the job described by req
func (s *Server) QueueJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	b, err := builderFrom(req)
	if err != nil {
		return nil, toStatus(err)
	}

	queued, err := s.jobs.QueueJob(requestContext(ctx), b)
	if err != nil {
		return nil, toStatus(err)
	}
	return statusStruct(queued)
}

// GetJobStatus returns the status with the given id
func (s *Server) GetJobStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	found, err := s.jobs.GetJobStatus(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return statusStruct(found)
}

// ListJobs returns {"jobs": [...]} for the filter {job_key, states, limit}
func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := filterFrom(req)
	if err != nil {
		return nil, toStatus(err)
	}

	found, err := s.jobs.FindJobs(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}

	jobs := make([]any, 0, len(found))
	for _, st := range found {
		jobs = append(jobs, statusMap(st))
	}
	return toStruct(map[string]any{"jobs": jobs})
}

// toStatus maps job errors to gRPC status codes
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, joberr.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case joberr.IsKind(err, joberr.KindDispatch):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// ============================================================================
// Service descriptor
// ============================================================================

type jobServiceServer interface {
	QueueJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unary[Req any](name string, call func(srv jobServiceServer, ctx context.Context, req *Req) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, r any) (any, error) {
				return call(srv.(jobServiceServer), ctx, r.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*jobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("QueueJob", func(srv jobServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.QueueJob(ctx, req)
		}),
		unary("GetJobStatus", func(srv jobServiceServer, ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
			return srv.GetJobStatus(ctx, req)
		}),
		unary("ListJobs", func(srv jobServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return srv.ListJobs(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "candlepin/async/v1/jobs.proto",
}

// ============================================================================
// Conversions
// ============================================================================

// grammarValue converts a Struct value into the job value grammar, with
// integral numbers as int64
func grammarValue(v *structpb.Value) (any, error) {
	data, err := protojson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jobdata.DecodeValue(data)
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	data, err := jobdata.EncodeValue(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func builderFrom(req *structpb.Struct) (*jobmanager.JobBuilder, error) {
	fields := req.GetFields()
	b := jobmanager.ForJob(stringField(req, "job_key"))

	if v := stringField(req, "name"); v != "" {
		b.SetJobName(v)
	}
	if v := stringField(req, "group"); v != "" {
		b.SetJobGroup(v)
	}
	if v := stringField(req, "log_level"); v != "" {
		b.SetLogLevel(v)
	}
	if v, ok := fields["retry_count"]; ok {
		b.SetRetryCount(int(v.GetNumberValue()))
	}
	if v, ok := fields["log_execution"]; ok {
		b.SetJobExecutionLogging(v.GetBoolValue())
	}

	if args := fields["arguments"].GetStructValue(); args != nil {
		for name, raw := range args.GetFields() {
			value, err := grammarValue(raw)
			if err != nil {
				return nil, joberr.InvalidArgument("argument %q: %v", name, err)
			}
			b.SetJobArgument(name, value)
		}
	}
	for _, pair := range []struct {
		field string
		set   func(k, v string) *jobmanager.JobBuilder
	}{
		{"unique", b.SetUniqueConstraint},
		{"metadata", b.SetJobMetadata},
	} {
		if m := fields[pair.field].GetStructValue(); m != nil {
			for k, v := range m.GetFields() {
				pair.set(k, v.GetStringValue())
			}
		}
	}

	return b, b.Err()
}

func filterFrom(req *structpb.Struct) (store.ListFilter, error) {
	filter := store.ListFilter{
		JobKey: stringField(req, "job_key"),
		Limit:  int(req.GetFields()["limit"].GetNumberValue()),
	}
	for _, v := range req.GetFields()["states"].GetListValue().GetValues() {
		state, err := types.ParseJobState(v.GetStringValue())
		if err != nil {
			return filter, joberr.InvalidArgument("%v", err)
		}
		filter.States = append(filter.States, state)
	}
	return filter, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func statusMap(st *types.JobStatus) map[string]any {
	return map[string]any{
		"id":             st.ID,
		"job_key":        st.JobKey,
		"name":           st.Name,
		"group":          st.Group,
		"origin":         st.Origin,
		"executor":       st.Executor,
		"principal":      st.Principal,
		"correlation_id": st.CorrelationID,
		"state":          string(st.State),
		"previous_state": string(st.PreviousState),
		"attempts":       st.Attempts,
		"max_attempts":   st.MaxAttempts,
		"start_time":     formatTime(st.StartTime),
		"end_time":       formatTime(st.EndTime),
		"created_at":     formatTime(st.CreatedAt),
		"updated_at":     formatTime(st.UpdatedAt),
		"metadata":       st.Metadata,
		"arguments":      st.Arguments.ToMap(),
		"result":         st.Result,
	}
}

func statusStruct(st *types.JobStatus) (*structpb.Struct, error) {
	return toStruct(statusMap(st))
}
