// Package server implements the gRPC ChatStore control service
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/pkg/export"
	"github.com/nainya/chatstore/pkg/history"
	"github.com/nainya/chatstore/pkg/mutation"
	"github.com/nainya/chatstore/pkg/query"
	"github.com/nainya/chatstore/pkg/store"
)

// Server implements ChatStoreServer over an open store.
type Server struct {
	store    *store.Store
	engine   *query.Engine
	exporter *export.Exporter
	history  *history.Log
	health   *health.Server
	log      *logger.Logger
	metrics  *metrics.Metrics

	startTime time.Time
}

// Options configures a Server.
type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	// HistoryMaxEntries overrides history.DefaultMaxEntries when positive.
	HistoryMaxEntries int
}

// NewServer creates a server instance. The store stays owned by the caller.
func NewServer(s *store.Store, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	h := history.New(s, log)
	if opts.HistoryMaxEntries > 0 {
		h.MaxEntries = opts.HistoryMaxEntries
	}
	return &Server{
		store:     s,
		engine:    query.NewEngine(s, query.WithLogger(log), query.WithMetrics(opts.Metrics)),
		exporter:  export.New(s, export.WithLogger(log), export.WithMetrics(opts.Metrics)),
		history:   h,
		health:    health.NewServer(),
		log:       log.Component("grpc"),
		metrics:   opts.Metrics,
		startTime: time.Now(),
	}
}

// NewGRPCServer builds a gRPC server with the ChatStore service, the
// standard health service and reflection registered.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(GrpcMetricsInterceptor(srv.metrics, srv.log)))
	gs := grpc.NewServer(opts...)
	RegisterChatStoreServer(gs, srv)
	healthpb.RegisterHealthServer(gs, srv.health)
	reflection.Register(gs)
	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs
}

// Shutdown marks every service as not serving.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Uptime is the time since NewServer.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// ========== Export ==========

func (s *Server) GetExportStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.exporter.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

func (s *Server) ExportProjects(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ids, err := int64List(req, "projectIds")
	if err != nil {
		return nil, err
	}
	snap, err := s.exporter.ExportProjects(ctx, ids...)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"filename": export.DefaultFilename(ids, snap.ExportedAt),
		"snapshot": snap,
	})
}

// ========== Search ==========

func (s *Server) SearchMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q, err := stringArg(req, "query")
	if err != nil {
		return nil, err
	}
	msgs, err := s.engine.SearchMessages(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"messages": msgs})
}

func (s *Server) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q, err := stringArg(req, "query")
	if err != nil {
		return nil, err
	}
	projectID, _, err := int64Arg(req, "projectId")
	if err != nil {
		return nil, err
	}
	results, err := s.engine.Search(ctx, q, projectID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"results": results})
}

func (s *Server) AddHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q, err := stringArg(req, "query")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q) == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	var meta history.Meta
	if id, ok, err := int64Arg(req, "threadId"); err != nil {
		return nil, err
	} else if ok {
		meta.ThreadID = &id
	}
	if id, ok, err := int64Arg(req, "projectId"); err != nil {
		return nil, err
	} else if ok {
		meta.ProjectID = &id
	}
	if n, ok, err := int64Arg(req, "resultCount"); err != nil {
		return nil, err
	} else if ok {
		count := int(n)
		meta.ResultCount = &count
	}
	id, err := s.history.Add(ctx, q, meta)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"id": id})
}

// ========== Threads & Projects ==========

func (s *Server) RecentThreads(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit, _, err := int64Arg(req, "limit")
	if err != nil {
		return nil, err
	}
	threads, err := s.engine.GetRecentThreads(ctx, int(limit))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"threads": threads})
}

func (s *Server) ProjectStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID, ok, err := int64Arg(req, "projectId")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "projectId is required")
	}
	st, err := s.engine.GetProjectStats(ctx, projectID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

// ========== Conversion ==========

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, export.ErrConflict):
		code = codes.AlreadyExists
	case errors.Is(err, mutation.ErrInvalid),
		errors.Is(err, mutation.ErrProjectMismatch),
		errors.Is(err, export.ErrIntegrity):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// toStruct converts v through its JSON form, so responses carry the same
// field names as export files.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringArg(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", status.Errorf(codes.InvalidArgument, "%s must be a string", name)
	}
}

// int64Arg reads an integral number field. ok is false when it is absent or null.
func int64Arg(req *structpb.Struct, name string) (n int64, ok bool, err error) {
	v, present := req.GetFields()[name]
	if !present {
		return 0, false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, false, nil
	case *structpb.Value_NumberValue:
		return toInt64(name, k.NumberValue)
	default:
		return 0, false, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
}

func int64List(req *structpb.Struct, name string) ([]int64, error) {
	v, present := req.GetFields()[name]
	if !present {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a list", name)
	}
	ids := make([]int64, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		num, isNum := item.GetKind().(*structpb.Value_NumberValue)
		if !isNum {
			return nil, status.Errorf(codes.InvalidArgument, "%s[%d] must be a number", name, i)
		}
		id, _, err := toInt64(fmt.Sprintf("%s[%d]", name, i), num.NumberValue)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func toInt64(name string, f float64) (int64, bool, error) {
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int64(f), true, nil
}
