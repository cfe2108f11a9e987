package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	coordinator "github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/config"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
)

type CoordinatorClient struct {
	conn    *grpc.ClientConn
	client  rpc.CoordinatorClient
	timeout time.Duration
}

// NewCoordinatorClient dials the coordinator. Extra options are appended to
// the defaults.
func NewCoordinatorClient(cfg config.CoordinatorConnConfig, opts ...grpc.DialOption) (*CoordinatorClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                cfg.GRPC.KeepaliveTime,
				Timeout:             cfg.GRPC.KeepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	}, opts...)
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	return &CoordinatorClient{
		conn:    conn,
		client:  rpc.NewCoordinatorClient(conn),
		timeout: cfg.RequestTimeout,
	}, nil
}

func (c *CoordinatorClient) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.client.Heartbeat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("heartbeat failed: %w", err)
	}
	return resp, nil
}

// ClusterStatus fetches and decodes the coordinator's cluster snapshot.
func (c *CoordinatorClient) ClusterStatus(ctx context.Context) (coordinator.ClusterStatus, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var status coordinator.ClusterStatus
	resp, err := c.client.ClusterStatus(ctx, &rpc.ClusterStatusRequest{})
	if err != nil {
		return status, fmt.Errorf("cluster status failed: %w", err)
	}
	if err := status.UnmarshalBinary(resp.Status); err != nil {
		return status, err
	}
	return status, nil
}

func (c *CoordinatorClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *CoordinatorClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
