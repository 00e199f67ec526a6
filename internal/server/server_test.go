// Integration tests for the ChatStore gRPC server
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/pkg/export"
	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/mutation"
	"github.com/nainya/chatstore/pkg/store"
)

const bufSize = 1024 * 1024

type testEnv struct {
	store     *store.Store
	client    *Client
	conn      *grpc.ClientConn
	projectID int64
	threadID  int64
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "chat.db"), NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ops := mutation.New(s)
	pid, err := ops.AddProject(ctx, model.Project{Name: "Research"})
	require.NoError(t, err)
	tid, err := ops.AddThread(ctx, model.Thread{ProjectID: pid, Title: "Planning"})
	require.NoError(t, err)
	_, err = ops.AddMessage(ctx, model.Message{ThreadID: tid, Role: model.RoleUser, Content: "hello world from the lab"})
	require.NoError(t, err)

	lis := bufconn.Listen(bufSize)
	gs := NewGRPCServer(NewServer(s, Options{Metrics: metrics.NewMetrics()}))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testEnv{store: s, client: NewClient(conn), conn: conn, projectID: pid, threadID: tid}
}

func request(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return req
}

func list(resp *structpb.Struct, name string) []*structpb.Value {
	return resp.GetFields()[name].GetListValue().GetValues()
}

func TestGetExportStats(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.Call(context.Background(), MethodGetExportStats, nil)
	require.NoError(t, err)

	f := resp.GetFields()
	assert.Equal(t, 1.0, f["totalProjects"].GetNumberValue())
	assert.Equal(t, 1.0, f["totalThreads"].GetNumberValue())
	assert.Equal(t, 1.0, f["totalMessages"].GetNumberValue())
	assert.NotEmpty(t, f["databaseSize"].GetStringValue())
}

func TestExportProjects(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.Call(context.Background(), MethodExportProjects,
		request(t, map[string]interface{}{"projectIds": []interface{}{env.projectID}}))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(resp.GetFields()["filename"].GetStringValue(), fmt.Sprintf("project-%d-export-", env.projectID)))
	snap := resp.GetFields()["snapshot"].GetStructValue()
	require.NotNil(t, snap)
	assert.Equal(t, export.Version, snap.GetFields()["version"].GetStringValue())
	assert.Len(t, list(snap, "projects"), 1)
	assert.Len(t, list(snap, "messages"), 1)
}

func TestExportMissingProjectIsNotFound(t *testing.T) {
	env := setupTestServer(t)
	_, err := env.client.Call(context.Background(), MethodExportProjects,
		request(t, map[string]interface{}{"projectIds": []interface{}{999}}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestExportRejectsFractionalIDs(t *testing.T) {
	env := setupTestServer(t)
	_, err := env.client.Call(context.Background(), MethodExportProjects,
		request(t, map[string]interface{}{"projectIds": []interface{}{1.5}}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSearchMessages(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.Call(context.Background(), MethodSearchMessages,
		request(t, map[string]interface{}{"query": "hello"}))
	require.NoError(t, err)

	msgs := list(resp, "messages")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello world from the lab", msgs[0].GetStructValue().GetFields()["content"].GetStringValue())

	resp, err = env.client.Call(context.Background(), MethodSearchMessages,
		request(t, map[string]interface{}{"query": "zz"}))
	require.NoError(t, err)
	assert.Empty(t, list(resp, "messages"))
}

func TestSearchBrowseAndHistory(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.client.Call(ctx, MethodAddHistory, request(t, map[string]interface{}{
		"query":       "lab notes",
		"resultCount": 3,
	}))
	require.NoError(t, err)

	resp, err := env.client.Call(ctx, MethodSearch, nil)
	require.NoError(t, err)
	results := list(resp, "results")
	require.Len(t, results, 2)
	first := results[0].GetStructValue().GetFields()
	assert.Equal(t, "thread", first["type"].GetStringValue())
	second := results[1].GetStructValue().GetFields()
	assert.Equal(t, "query", second["type"].GetStringValue())
	assert.Equal(t, "3 results", second["metadata"].GetStringValue())

	resp, err = env.client.Call(ctx, MethodSearch, request(t, map[string]interface{}{
		"query":     "world",
		"projectId": env.projectID,
	}))
	require.NoError(t, err)
	results = list(resp, "results")
	require.Len(t, results, 1)
	assert.Equal(t, "message", results[0].GetStructValue().GetFields()["type"].GetStringValue())
	assert.Equal(t, "Planning", results[0].GetStructValue().GetFields()["metadata"].GetStringValue())
}

func TestAddHistoryRequiresQuery(t *testing.T) {
	env := setupTestServer(t)
	_, err := env.client.Call(context.Background(), MethodAddHistory, request(t, map[string]interface{}{"query": "  "}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRecentThreads(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.Call(context.Background(), MethodRecentThreads, request(t, map[string]interface{}{"limit": 5}))
	require.NoError(t, err)
	threads := list(resp, "threads")
	require.Len(t, threads, 1)
	assert.Equal(t, float64(env.threadID), threads[0].GetStructValue().GetFields()["id"].GetNumberValue())
}

func TestProjectStats(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.Call(context.Background(), MethodProjectStats,
		request(t, map[string]interface{}{"projectId": env.projectID}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, resp.GetFields()["threadCount"].GetNumberValue())
	assert.Equal(t, 1.0, resp.GetFields()["messageCount"].GetNumberValue())

	_, err = env.client.Call(context.Background(), MethodProjectStats, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.Call(context.Background(), MethodProjectStats,
		request(t, map[string]interface{}{"projectId": "one"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealthService(t *testing.T) {
	env := setupTestServer(t)
	resp, err := healthpb.NewHealthClient(env.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRequestIDHeader(t *testing.T) {
	env := setupTestServer(t)

	var header metadata.MD
	_, err := env.client.Call(context.Background(), MethodGetExportStats, nil, grpc.Header(&header))
	require.NoError(t, err)
	assert.NotEmpty(t, header.Get(RequestIDHeader))

	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDHeader, "req-42")
	_, err = env.client.Call(ctx, MethodGetExportStats, nil, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(RequestIDHeader))
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("project 3: %w", store.ErrNotFound), codes.NotFound},
		{fmt.Errorf("x: %w", export.ErrConflict), codes.AlreadyExists},
		{export.ErrIntegrity, codes.InvalidArgument},
		{mutation.ErrProjectMismatch, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, status.Code(toStatus(c.err)), c.err.Error())
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	s, err := store.Open(context.Background(), store.Options{Path: filepath.Join(t.TempDir(), "chat.db"), NoSync: true})
	require.NoError(t, err)

	srv := httptest.NewServer(newObservabilityMux(s, metrics.NewMetrics()))
	defer srv.Close()

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	require.NoError(t, s.Close())
	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
