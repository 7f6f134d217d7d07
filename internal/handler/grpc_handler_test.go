package handler_test

import (
	"bytes"
	"context"
	stderrors "errors"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-po-approvals/internal/client"
	"github.com/pesio-ai/be-po-approvals/internal/handler"
	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-po-approvals/internal/service"
	"github.com/pesio-ai/be-po-approvals/pkg/approvalsclient"
)

type grpcFixture struct {
	t    *testing.T
	svc  *service.ApprovalRoutingService
	lis  *bufconn.Listener
	conn *grpc.ClientConn
}

func (f *grpcFixture) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return f.lis.DialContext(ctx)
	})
}

func newGRPCFixture(t *testing.T) *grpcFixture {
	t.Helper()
	svc, principals := newTestService(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLoggingInterceptor(zerolog.Nop())))
	handler.RegisterApprovalServiceServer(srv, handler.NewGRPCHandler(svc, principals, zerolog.Nop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &grpcFixture{t: t, svc: svc, lis: lis, conn: conn}
}

func (f *grpcFixture) call(method, user string, in map[string]interface{}) (*structpb.Struct, error) {
	f.t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(f.t, err)

	ctx := context.Background()
	if user != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, handler.UserIDMetadataKey, user)
	}
	out := &structpb.Struct{}
	err = f.conn.Invoke(ctx, "/"+handler.ApprovalServiceName+"/"+method, req, out)
	return out, err
}

func (f *grpcFixture) newRequest(amount int64) string {
	f.t.Helper()
	req, err := f.svc.CreateRequest(context.Background(), "PO-G", amount, "buyer-1")
	require.NoError(f.t, err)
	return req.ID
}

func field(s *structpb.Struct, name string) *structpb.Value {
	return s.GetFields()[name]
}

func TestGRPC_ApproveFlow(t *testing.T) {
	f := newGRPCFixture(t)
	id := f.newRequest(200000)

	out, err := f.call("Initiate", "buyer-1", map[string]interface{}{"request_id": id})
	require.NoError(t, err)
	assert.Equal(t, "chain_created", field(out, "outcome").GetStringValue())
	assert.Equal(t, "Medium purchases", field(out, "rule_name").GetStringValue())
	assert.Len(t, field(out, "records").GetListValue().GetValues(), 2)

	_, err = f.call("Approve", "fm-1", map[string]interface{}{"request_id": id})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err = f.call("Approve", "pm-1", map[string]interface{}{"request_id": id, "comments": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "level_approved", field(out, "outcome").GetStringValue())
	assert.Equal(t, float64(1), field(out, "level").GetNumberValue())

	out, err = f.call("Approve", "fm-1", map[string]interface{}{"request_id": id})
	require.NoError(t, err)
	assert.Equal(t, "fully_approved", field(out, "outcome").GetStringValue())
	assert.Equal(t, "approved", field(out, "request_status").GetStringValue())

	out, err = f.call("GetChain", "", map[string]interface{}{"request_id": id})
	require.NoError(t, err)
	request := field(out, "request").GetStructValue()
	assert.Equal(t, "approved", field(request, "status").GetStringValue())
	assert.Equal(t, float64(200000), field(request, "amount").GetNumberValue())
	first := field(out, "records").GetListValue().GetValues()[0].GetStructValue()
	assert.Equal(t, "pm-1", field(first, "acted_by").GetStringValue())
	assert.Equal(t, "ok", field(first, "comments").GetStringValue())
}

func TestGRPC_RejectAndTerminal(t *testing.T) {
	f := newGRPCFixture(t)
	id := f.newRequest(30000)
	_, err := f.call("Initiate", "", map[string]interface{}{"request_id": id})
	require.NoError(t, err)

	_, err = f.call("Reject", "pm-1", map[string]interface{}{"request_id": id})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	out, err := f.call("Reject", "pm-1", map[string]interface{}{"request_id": id, "reason": "no budget"})
	require.NoError(t, err)
	assert.Equal(t, "rejected", field(out, "request_status").GetStringValue())

	out, err = f.call("Reject", "pm-1", map[string]interface{}{"request_id": id, "reason": "no budget"})
	require.NoError(t, err)
	assert.True(t, field(out, "replayed").GetBoolValue())

	_, err = f.call("Approve", "pm-1", map[string]interface{}{"request_id": id})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = f.call("Initiate", "", map[string]interface{}{"request_id": id})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_Errors(t *testing.T) {
	f := newGRPCFixture(t)

	_, err := f.call("GetChain", "", map[string]interface{}{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = f.call("GetChain", "", map[string]interface{}{"request_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	id := f.newRequest(30000)
	_, err = f.call("Approve", "", map[string]interface{}{"request_id": id})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	// Not initiated yet: nobody can act.
	_, err = f.call("Approve", "pm-1", map[string]interface{}{"request_id": id})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

// unreachableRequests fails every request lookup like a lost database.
type unreachableRequests struct {
	*memory.Store
}

func (unreachableRequests) GetRequest(context.Context, string) (*repository.ApprovalRequest, error) {
	return nil, stderrors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestGRPC_InternalErrorIsLoggedNotLeaked(t *testing.T) {
	store := memory.New()
	authz := service.NewAuthorizer(client.NewStaticIdentityProvider(testRoles))
	svc := service.NewApprovalRoutingService(store, unreachableRequests{store}, store, store,
		authz, nil, service.NoRuleApprove, logger.Nop())

	var logs bytes.Buffer
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	handler.RegisterApprovalServiceServer(srv,
		handler.NewGRPCHandler(svc, service.NewPrincipalResolver(authz, "administrator"), zerolog.New(&logs)))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	f := &grpcFixture{t: t, svc: svc, lis: lis, conn: conn}

	_, err = f.call("GetChain", "", map[string]interface{}{"request_id": "req-1"})
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "internal error", st.Message())

	assert.Contains(t, logs.String(), "connection refused")
	assert.Contains(t, logs.String(), `"method":"GetChain"`)
	assert.Contains(t, logs.String(), `"level":"error"`)
}

func TestGRPC_AdminOverride(t *testing.T) {
	f := newGRPCFixture(t)
	id := f.newRequest(1000000)
	_, err := f.call("Initiate", "", map[string]interface{}{"request_id": id})
	require.NoError(t, err)

	for level := 1; level <= 3; level++ {
		out, err := f.call("Approve", "root", map[string]interface{}{"request_id": id})
		require.NoError(t, err)
		assert.Equal(t, float64(level), field(out, "level").GetNumberValue())
	}

	out, err := f.call("GetChain", "", map[string]interface{}{"request_id": id})
	require.NoError(t, err)
	assert.Equal(t, "approved", field(field(out, "request").GetStructValue(), "status").GetStringValue())
}

func TestApprovalsClient_RoundTrip(t *testing.T) {
	f := newGRPCFixture(t)
	c, err := approvalsclient.New("passthrough:///bufnet", f.dialer())
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	id := f.newRequest(200000)
	started, err := c.Initiate(ctx, id, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, "chain_created", started.Outcome)
	assert.Equal(t, "Medium purchases", started.RuleName)
	assert.Equal(t, 2, started.Levels)

	d, err := c.Approve(ctx, id, "pm-1", "fine")
	require.NoError(t, err)
	assert.Equal(t, "level_approved", d.Outcome)
	assert.Equal(t, 1, d.Level)

	_, err = c.Reject(ctx, id, "pm-1", "changed my mind")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	d, err = c.Reject(ctx, id, "fm-1", "too expensive")
	require.NoError(t, err)
	assert.Equal(t, "rejected", d.RequestStatus)

	view, err := c.GetChain(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, int64(200000), view.Amount)
	assert.Equal(t, "rejected", view.Status)
	require.Len(t, view.Records, 2)
	assert.Equal(t, "approved", view.Records[0].Status)
	assert.Equal(t, "fine", view.Records[0].Comments)
	assert.Equal(t, "rejected", view.Records[1].Status)
	assert.Equal(t, "fm-1", view.Records[1].ActedBy)

	missing, err := c.GetChain(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
