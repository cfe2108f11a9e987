package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	coordinator "github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/config"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
)

type fakeCoordinator struct {
	lastRequest *rpc.HeartbeatRequest
	response    *rpc.HeartbeatResponse
	err         error
	status      coordinator.ClusterStatus
	delay       time.Duration
}

func (f *fakeCoordinator) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	f.lastRequest = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeCoordinator) ClusterStatus(ctx context.Context, req *rpc.ClusterStatusRequest) (*rpc.ClusterStatusResponse, error) {
	data, err := f.status.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &rpc.ClusterStatusResponse{Status: data}, nil
}

func newTestClient(t *testing.T, fake *fakeCoordinator, timeout time.Duration) *CoordinatorClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterCoordinatorServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewCoordinatorClient(
		config.CoordinatorConnConfig{Addr: "passthrough:///bufnet", RequestTimeout: timeout},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCoordinatorClient_Heartbeat(t *testing.T) {
	fake := &fakeCoordinator{response: &rpc.HeartbeatResponse{
		KillList: []string{"attempt_x_m_000000_1"},
		Assignments: []rpc.Assignment{{
			AttemptID: "attempt_y_m_000001_1",
			Kind:      "MAP",
			Command:   []string{"cat"},
		}},
		HeartbeatIntervalMs: 3000,
	}}
	client := newTestClient(t, fake, time.Second)

	req := &rpc.HeartbeatRequest{
		Worker:        rpc.WorkerInfo{Host: "host-1", Port: 50060, StartTimeNano: 1},
		TimestampNano: 42,
		Capacity:      rpc.Slots{Map: 2, Reduce: 1},
		FreeSlots:     rpc.Slots{Map: 1, Reduce: 1},
		Completions:   []rpc.Completion{{AttemptID: "attempt_z_r_000000_1", Outcome: "SUCCEEDED"}},
	}
	resp, err := client.Heartbeat(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, fake.response, resp)
	assert.Equal(t, req, fake.lastRequest)
}

func TestCoordinatorClient_HeartbeatError(t *testing.T) {
	fake := &fakeCoordinator{err: status.Error(codes.InvalidArgument, "stale timestamp")}
	client := newTestClient(t, fake, time.Second)

	_, err := client.Heartbeat(context.Background(), &rpc.HeartbeatRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCoordinatorClient_HeartbeatTimeout(t *testing.T) {
	fake := &fakeCoordinator{delay: time.Second, response: &rpc.HeartbeatResponse{}}
	client := newTestClient(t, fake, 20*time.Millisecond)

	_, err := client.Heartbeat(context.Background(), &rpc.HeartbeatRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestCoordinatorClient_ClusterStatus(t *testing.T) {
	fake := &fakeCoordinator{status: coordinator.ClusterStatus{
		Workers:        3,
		MaxMapTasks:    6,
		MaxReduceTasks: 3,
		State:          coordinator.CoordinatorRunning,
	}}
	client := newTestClient(t, fake, time.Second)

	got, err := client.ClusterStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fake.status, got)
}
