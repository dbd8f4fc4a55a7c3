// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// RenewRequest asks the orchestration service to extend the lease on
// request_id within pool.
type RenewRequest struct {
	Pool      string `json:"pool"`
	RequestID int64  `json:"requestId"`
}

// RenewResponse carries the new lease expiry.
type RenewResponse struct {
	LockedUntilUnixSeconds int64 `json:"lockedUntilUnixSeconds"`
}

// FinishRequest reports a job's terminal result.
type FinishRequest struct {
	Pool                  string `json:"pool"`
	RequestID             int64  `json:"requestId"`
	Result                string `json:"result"`
	Detail                string `json:"detail,omitempty"`
	FinishedAtUnixSeconds int64  `json:"finishedAtUnixSeconds"`
}

// FinishResponse is empty; its presence just confirms the call
// completed.
type FinishResponse struct{}

// GetRequest asks for the current state of an outstanding request.
type GetRequest struct {
	Pool      string `json:"pool"`
	RequestID int64  `json:"requestId"`
}

// GetResponse carries the request's result, if the server already has
// one (§4.D step 1).
type GetResponse struct {
	HasResult bool   `json:"hasResult"`
	Result    string `json:"result,omitempty"`
}

// LeaseServiceClient is the orchestration service's lease/finish/query
// surface (§6 orchestration client), as a gRPC client.
type LeaseServiceClient interface {
	Renew(ctx context.Context, in *RenewRequest, opts ...grpc.CallOption) (*RenewResponse, error)
	Finish(ctx context.Context, in *FinishRequest, opts ...grpc.CallOption) (*FinishResponse, error)
	Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error)
}

type leaseServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewLeaseServiceClient wraps a ClientConn as a LeaseServiceClient.
func NewLeaseServiceClient(cc grpc.ClientConnInterface) LeaseServiceClient {
	return &leaseServiceClient{cc: cc}
}

func withJSONCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append(opts, grpc.CallContentSubtype(CallContentSubtype))
}

func (c *leaseServiceClient) Renew(ctx context.Context, in *RenewRequest, opts ...grpc.CallOption) (*RenewResponse, error) {
	out := new(RenewResponse)
	if err := c.cc.Invoke(ctx, "/orchestration.LeaseService/Renew", in, out, withJSONCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *leaseServiceClient) Finish(ctx context.Context, in *FinishRequest, opts ...grpc.CallOption) (*FinishResponse, error) {
	out := new(FinishResponse)
	if err := c.cc.Invoke(ctx, "/orchestration.LeaseService/Finish", in, out, withJSONCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *leaseServiceClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.cc.Invoke(ctx, "/orchestration.LeaseService/Get", in, out, withJSONCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// LeaseServiceServer is the server-side interface, used by fakes in
// tests and by a reference implementation if one is ever run
// in-process (grounded on swinslow-peridot-core's
// internal/controllerrpc service-registration pattern).
type LeaseServiceServer interface {
	Renew(context.Context, *RenewRequest) (*RenewResponse, error)
	Finish(context.Context, *FinishRequest) (*FinishResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
}

// RegisterLeaseServiceServer registers srv with s, the way
// swinslow-peridot-core/internal/controllerrpc/server.go registers
// its own controller service.
func RegisterLeaseServiceServer(s grpc.ServiceRegistrar, srv LeaseServiceServer) {
	s.RegisterService(&leaseServiceServiceDesc, srv)
}

var leaseServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: "orchestration.LeaseService",
	HandlerType: (*LeaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Renew",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(RenewRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(LeaseServiceServer).Renew(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/orchestration.LeaseService/Renew"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(LeaseServiceServer).Renew(ctx, req.(*RenewRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "Finish",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(FinishRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(LeaseServiceServer).Finish(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/orchestration.LeaseService/Finish"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(LeaseServiceServer).Finish(ctx, req.(*FinishRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
		{
			MethodName: "Get",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(GetRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(LeaseServiceServer).Get(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/orchestration.LeaseService/Get"}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(LeaseServiceServer).Get(ctx, req.(*GetRequest))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchestration/leaseservice.proto",
}
