// Package orchestration implements the §6 "orchestration client"
// consumed interface (renew, finish, get, refresh_connection,
// set_connection_timeout) as a gRPC client against a LeaseService,
// grounded on swinslow-peridot-core/internal/jobcontroller/runagent.go's
// grpc.Dial / context-scoped-call pattern.
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/orchestration/pb"
)

// ErrorKind classifies an orchestration error per the §7 error
// taxonomy.
type ErrorKind int

const (
	ErrorKindTransient ErrorKind = iota
	ErrorKindJobNotFound
	ErrorKindJobTokenExpired
)

// Error wraps an orchestration call failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsJobNotFound reports whether err is a terminal JobNotFound error.
func IsJobNotFound(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == ErrorKindJobNotFound
}

// IsJobTokenExpired reports whether err is a terminal JobTokenExpired
// error.
func IsJobTokenExpired(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == ErrorKindJobTokenExpired
}

// IsTerminal reports whether err means the server already considers
// the job finished (JobNotFound or JobTokenExpired) — the two cases
// §4.B and §4.C both special-case as "stop, don't retry".
func IsTerminal(err error) bool {
	return IsJobNotFound(err) || IsJobTokenExpired(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: ErrorKindTransient, Err: err}
	}
	switch st.Code() {
	case codes.NotFound:
		return &Error{Kind: ErrorKindJobNotFound, Err: err}
	case codes.Unauthenticated, codes.PermissionDenied:
		return &Error{Kind: ErrorKindJobTokenExpired, Err: err}
	default:
		return &Error{Kind: ErrorKindTransient, Err: err}
	}
}

// ConnectionKind identifies which logical connection a
// refresh/timeout operation applies to. The real agent distinguishes
// a handful of named connections (e.g. to the orchestration service
// vs. its legacy TFS endpoint); this module only needs one.
type ConnectionKind string

// ConnectionKindOrchestration is the only connection kind this module
// wires up: the lease/finish/get service.
const ConnectionKindOrchestration ConnectionKind = "orchestration"

const (
	defaultCallTimeout  = 60 * time.Second
	lowerBackoffTimeout = 30 * time.Second
)

// Client is the §6 orchestration client surface.
type Client interface {
	Renew(ctx context.Context, pool string, requestID int64, token string) (lockedUntil time.Time, err error)
	Finish(ctx context.Context, pool string, requestID int64, result string, detail string, finishedAt time.Time) error
	Get(ctx context.Context, pool string, requestID int64) (result string, hasResult bool, err error)
	RefreshConnection(ctx context.Context, kind ConnectionKind, timeout time.Duration) error
	SetConnectionTimeout(kind ConnectionKind, d time.Duration)
}

// GRPCClient is the gRPC-backed implementation of Client.
type GRPCClient struct {
	target   string
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	conn    *grpc.ClientConn
	client  pb.LeaseServiceClient
	timeout time.Duration
}

// NewGRPCClient dials target and returns a ready Client.
func NewGRPCClient(target string, dialOpts ...grpc.DialOption) (*GRPCClient, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...)
	conn, err := grpc.Dial(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("orchestration: dialing %s: %w", target, err)
	}
	return &GRPCClient{
		target:   target,
		dialOpts: opts,
		conn:     conn,
		client:   pb.NewLeaseServiceClient(conn),
		timeout:  defaultCallTimeout,
	}, nil
}

func (c *GRPCClient) callTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *GRPCClient) leaseClient() pb.LeaseServiceClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Renew extends the lease on requestID within pool.
func (c *GRPCClient) Renew(ctx context.Context, pool string, requestID int64, token string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()
	resp, err := c.leaseClient().Renew(ctx, &pb.RenewRequest{Pool: pool, RequestID: requestID})
	if err != nil {
		return time.Time{}, classify(err)
	}
	return time.Unix(resp.LockedUntilUnixSeconds, 0).UTC(), nil
}

// Finish reports the job's terminal result.
func (c *GRPCClient) Finish(ctx context.Context, pool string, requestID int64, result string, detail string, finishedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()
	_, err := c.leaseClient().Finish(ctx, &pb.FinishRequest{
		Pool:                  pool,
		RequestID:             requestID,
		Result:                result,
		Detail:                detail,
		FinishedAtUnixSeconds: finishedAt.Unix(),
	})
	return classify(err)
}

// Get queries whether the server already has a result for requestID
// (§4.D step 1, the "await previous dispatch" check).
func (c *GRPCClient) Get(ctx context.Context, pool string, requestID int64) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()
	resp, err := c.leaseClient().Get(ctx, &pb.GetRequest{Pool: pool, RequestID: requestID})
	if err != nil {
		return "", false, classify(err)
	}
	return resp.Result, resp.HasResult, nil
}

// RefreshConnection forcibly resets the underlying gRPC connection,
// per §4.B's "on every error retry, the renewer forcibly resets the
// underlying HTTP connection".
func (c *GRPCClient) RefreshConnection(ctx context.Context, kind ConnectionKind, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, c.target, append(c.dialOpts, grpc.WithBlock())...)
	if err != nil {
		return fmt.Errorf("orchestration: refreshing connection: %w", err)
	}
	c.conn = conn
	c.client = pb.NewLeaseServiceClient(conn)
	return nil
}

// SetConnectionTimeout adjusts the per-call timeout used by Renew,
// Finish and Get, per §4.B's "lowers its timeout to 30s on retry /
// raises it back to 60s on recovery".
func (c *GRPCClient) SetConnectionTimeout(kind ConnectionKind, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Close releases the underlying connection.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
