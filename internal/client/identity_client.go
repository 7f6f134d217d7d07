package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// identityGetUserRoles is the platform identity RPC returning a user's roles.
// Request {"user_id": string}, response {"roles": [string]}.
const identityGetUserRoles = "/platform.IdentityService/GetUserRoles"

// IdentityGRPCClient resolves approver roles against the platform identity
// gRPC service. Roles are fetched on every call.
type IdentityGRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewIdentityGRPCClient creates a client for the identity service at addr.
// Incoming request metadata is forwarded on every call.
func NewIdentityGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*IdentityGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &IdentityGRPCClient{conn: conn, timeout: timeout}, nil
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// RolesOf returns the role names principalID holds. An unknown user has no
// roles.
func (c *IdentityGRPCClient) RolesOf(ctx context.Context, principalID string) ([]string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]interface{}{"user_id": principalID})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, identityGetUserRoles, req, resp); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}

	var roles []string
	for _, v := range resp.GetFields()["roles"].GetListValue().GetValues() {
		if role := v.GetStringValue(); role != "" {
			roles = append(roles, role)
		}
	}
	return roles, nil
}

// StaticIdentityProvider serves roles from a fixed user -> roles map, for
// local runs and tests without an identity service.
type StaticIdentityProvider struct {
	roles map[string][]string
}

// NewStaticIdentityProvider creates a provider over roles.
func NewStaticIdentityProvider(roles map[string][]string) *StaticIdentityProvider {
	if roles == nil {
		roles = map[string][]string{}
	}
	return &StaticIdentityProvider{roles: roles}
}

func (p *StaticIdentityProvider) RolesOf(_ context.Context, principalID string) ([]string, error) {
	return append([]string(nil), p.roles[principalID]...), nil
}
