package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/metrics"
)

type Config struct {
	Heartbeat     HeartbeatConfig
	CheckInterval time.Duration
	Scheduler     SchedulerConfig
	Recovery      RecoveryConfig
	Speculative   SpeculativeConfig
	Jobs          JobConfig
}

type Option func(*options)

type options struct {
	clock   func() time.Time
	metrics metrics.Recorder
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(o *options) { o.metrics = recorder }
}

// Coordinator is the single handle that owns every coordinator component.
type Coordinator struct {
	Registry    *ClusterRegistry
	Jobs        *JobManager
	Scheduler   *TaskScheduler
	Recovery    *RecoveryManager
	Speculative *SpeculativeMonitor
	Heartbeats  *HeartbeatService
	Health      *HealthChecker

	state   atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics metrics.Recorder
	logger  logging.Logger
}

var (
	_ core.JobService       = (*Coordinator)(nil)
	_ core.WorkerService    = (*Coordinator)(nil)
	_ core.HeartbeatHandler = (*Coordinator)(nil)
)

func NewCoordinator(
	cfg Config,
	storage core.StorageCollaborator,
	archive core.JobArchive,
	logger logging.Logger,
	opts ...Option,
) *Coordinator {
	o := options{
		clock:   func() time.Time { return time.Now().UTC() },
		metrics: metrics.NopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	registry := NewClusterRegistry(storage.RackOf, logger)
	jobs := NewJobManager(cfg.Jobs, storage, archive, o.clock, o.metrics, logger)
	scheduler := NewTaskScheduler(cfg.Scheduler, jobs, registry, storage, o.clock, o.metrics, logger)
	recovery := NewRecoveryManager(cfg.Recovery, jobs, registry, o.clock, o.metrics, logger)
	speculative := NewSpeculativeMonitor(cfg.Speculative, jobs, scheduler, logger)
	heartbeats := NewHeartbeatService(cfg.Heartbeat, registry, jobs, scheduler, recovery, o.clock, o.metrics, logger)
	health := NewHealthChecker(cfg.CheckInterval, heartbeats, speculative, jobs, o.clock, logger)

	c := &Coordinator{
		Registry:    registry,
		Jobs:        jobs,
		Scheduler:   scheduler,
		Recovery:    recovery,
		Speculative: speculative,
		Heartbeats:  heartbeats,
		Health:      health,
		metrics:     o.metrics,
		logger:      logger,
	}
	c.state.Store(int32(core.CoordinatorInitializing))
	health.onTick = c.publishGauges
	return c
}

// Start moves the coordinator to RUNNING and launches housekeeping.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Health.Start(ctx)
	}()
	c.state.Store(int32(core.CoordinatorRunning))
	c.logger.Info("Coordinator running")
}

// Stop moves the coordinator to STOPPING and waits for housekeeping to exit.
func (c *Coordinator) Stop() {
	c.state.Store(int32(core.CoordinatorStopping))
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) State() core.CoordinatorState {
	return core.CoordinatorState(c.state.Load())
}

func (c *Coordinator) Heartbeat(ctx context.Context, req *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	return c.Heartbeats.Heartbeat(ctx, req)
}

func (c *Coordinator) SubmitJob(spec core.JobSpec) (core.JobID, error) {
	return c.Jobs.Submit(spec)
}

func (c *Coordinator) GetJob(id core.JobID) (*core.Job, error) {
	return c.Jobs.GetJob(id)
}

func (c *Coordinator) GetJobs(filter core.JobFilter) ([]*core.Job, int, error) {
	return c.Jobs.GetJobs(filter)
}

func (c *Coordinator) Progress(id core.JobID) (core.JobProgress, error) {
	return c.Jobs.Progress(id)
}

func (c *Coordinator) KillJob(id core.JobID) error {
	return c.Jobs.Kill(id)
}

func (c *Coordinator) ClusterStatus() core.ClusterStatus {
	return c.Registry.Snapshot(c.State())
}

func (c *Coordinator) publishGauges() {
	s := c.ClusterStatus()
	c.metrics.UpdateCluster(metrics.ClusterGauges{
		Workers:            s.Workers,
		BlacklistedWorkers: s.BlacklistedWorkers,
		RunningMapTasks:    s.RunningMapTasks,
		RunningReduceTasks: s.RunningReduceTasks,
		MaxMapTasks:        s.MaxMapTasks,
		MaxReduceTasks:     s.MaxReduceTasks,
	})
}
