// Package approvalsclient is the Go client for the purchase-order ApprovalService.
package approvalsclient

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const approvalsServicePrefix = "/po.approvals.v1.ApprovalService/"

// UserIDKey is the metadata key carrying the acting user.
const UserIDKey = "x-user-id"

// ApprovalDecision is the reply of Approve and Reject.
type ApprovalDecision struct {
	Outcome       string
	Level         int
	RequestStatus string
	Replayed      bool
}

// InitiateReply is the reply of Initiate.
type InitiateReply struct {
	Outcome  string
	Status   string
	RuleID   string
	RuleName string
	Levels   int
}

// ChainRecord is one level of a chain as seen over gRPC.
type ChainRecord struct {
	ID       string
	Level    int
	Role     string
	UserID   string
	Status   string
	ActedBy  string
	Comments string
}

// ChainView is a request and its approval levels.
type ChainView struct {
	RequestID   string
	Reference   string
	Amount      int64
	Status      string
	RequestedBy string
	Records     []ChainRecord
}

// Client calls the purchase-order ApprovalService.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the approvals gRPC service and returns a client.
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method, actedBy string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	if actedBy != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, UserIDKey, actedBy)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, approvalsServicePrefix+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Initiate starts the approval workflow for a registered request.
func (c *Client) Initiate(ctx context.Context, requestID, submittedBy string) (*InitiateReply, error) {
	out, err := c.invoke(ctx, "Initiate", submittedBy, map[string]interface{}{"request_id": requestID})
	if err != nil {
		return nil, err
	}
	f := out.GetFields()
	return &InitiateReply{
		Outcome:  f["outcome"].GetStringValue(),
		Status:   f["status"].GetStringValue(),
		RuleID:   f["rule_id"].GetStringValue(),
		RuleName: f["rule_name"].GetStringValue(),
		Levels:   len(f["records"].GetListValue().GetValues()),
	}, nil
}

// Approve signs off actedBy's actionable level.
func (c *Client) Approve(ctx context.Context, requestID, actedBy, comments string) (*ApprovalDecision, error) {
	out, err := c.invoke(ctx, "Approve", actedBy, map[string]interface{}{
		"request_id": requestID,
		"comments":   comments,
	})
	if err != nil {
		return nil, err
	}
	return toApprovalDecision(out), nil
}

// Reject rejects the request at actedBy's actionable level.
func (c *Client) Reject(ctx context.Context, requestID, actedBy, reason string) (*ApprovalDecision, error) {
	out, err := c.invoke(ctx, "Reject", actedBy, map[string]interface{}{
		"request_id": requestID,
		"reason":     reason,
	})
	if err != nil {
		return nil, err
	}
	return toApprovalDecision(out), nil
}

// GetChain returns the chain of a request, or nil if the request does not exist.
func (c *Client) GetChain(ctx context.Context, requestID string) (*ChainView, error) {
	out, err := c.invoke(ctx, "GetChain", "", map[string]interface{}{"request_id": requestID})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}

	req := out.GetFields()["request"].GetStructValue().GetFields()
	view := &ChainView{
		RequestID:   req["id"].GetStringValue(),
		Reference:   req["reference"].GetStringValue(),
		Amount:      int64(req["amount"].GetNumberValue()),
		Status:      req["status"].GetStringValue(),
		RequestedBy: req["requested_by"].GetStringValue(),
	}
	for _, v := range out.GetFields()["records"].GetListValue().GetValues() {
		r := v.GetStructValue().GetFields()
		view.Records = append(view.Records, ChainRecord{
			ID:       r["id"].GetStringValue(),
			Level:    int(r["level"].GetNumberValue()),
			Role:     r["role"].GetStringValue(),
			UserID:   r["user"].GetStringValue(),
			Status:   r["status"].GetStringValue(),
			ActedBy:  r["acted_by"].GetStringValue(),
			Comments: r["comments"].GetStringValue(),
		})
	}
	return view, nil
}

func toApprovalDecision(s *structpb.Struct) *ApprovalDecision {
	f := s.GetFields()
	return &ApprovalDecision{
		Outcome:       f["outcome"].GetStringValue(),
		Level:         int(f["level"].GetNumberValue()),
		RequestStatus: f["request_status"].GetStringValue(),
		Replayed:      f["replayed"].GetBoolValue(),
	}
}

// forwardMetadata propagates incoming request metadata, such as the
// caller's x-user-id, on calls made while serving another request.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if out, ok := metadata.FromOutgoingContext(ctx); ok {
			md = metadata.Join(md, out)
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}
