package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
	"github.com/nemanja-m/jobtracker/internal/worker/core"
)

type Config struct {
	Host              string
	Port              int
	Slots             rpc.Slots
	HeartbeatInterval time.Duration
}

type runningAttempt struct {
	kind     string
	cancel   context.CancelFunc
	progress float64
	killed   bool
}

type workerService struct {
	client   core.CoordinatorClient
	executor core.TaskExecutor
	cfg      Config
	logger   logging.Logger
	clock    func() time.Time

	startedAt time.Time
	interval  time.Duration
	lastSent  int64

	// wake requests an early heartbeat after an attempt finishes.
	wake chan struct{}

	mu          sync.Mutex
	running     map[string]*runningAttempt
	completions []rpc.Completion
	wg          sync.WaitGroup
}

func NewWorkerService(
	cfg Config,
	client core.CoordinatorClient,
	executor core.TaskExecutor,
	logger logging.Logger,
) core.WorkerService {
	return newWorkerService(cfg, client, executor, time.Now, logger)
}

func newWorkerService(
	cfg Config,
	client core.CoordinatorClient,
	executor core.TaskExecutor,
	clock func() time.Time,
	logger logging.Logger,
) *workerService {
	return &workerService{
		client:    client,
		executor:  executor,
		cfg:       cfg,
		logger:    logger,
		clock:     clock,
		startedAt: clock(),
		interval:  cfg.HeartbeatInterval,
		wake:      make(chan struct{}, 1),
		running:   make(map[string]*runningAttempt),
	}
}

// Run heartbeats until ctx is cancelled, then stops every running attempt.
// A request that fails in transit is resent unchanged so the coordinator
// can recognise the retransmission.
func (w *workerService) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		"host", w.cfg.Host,
		"port", w.cfg.Port,
		"map_slots", w.cfg.Slots.Map,
		"reduce_slots", w.cfg.Slots.Reduce,
	)
	defer w.wg.Wait()

	timer := time.NewTimer(0)
	defer timer.Stop()

	var pending *rpc.HeartbeatRequest
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping", "running_attempts", w.runningCount())
			return nil
		case <-timer.C:
		case <-w.wake:
			if pending != nil {
				continue
			}
			timer.Stop()
		}

		if pending == nil {
			pending = w.buildRequest()
		}

		resp, err := w.client.Heartbeat(ctx, pending)
		switch {
		case err == nil:
			w.acknowledge(len(pending.Completions))
			pending = nil
			w.apply(ctx, resp)
		case ctx.Err() != nil:
			continue
		case status.Code(err) == codes.InvalidArgument:
			w.logger.Error("Heartbeat rejected", "error", err)
			pending = nil
		default:
			w.logger.Warn("Heartbeat failed, will retry", "error", err)
		}
		timer.Reset(w.interval)
	}
}

func (w *workerService) buildRequest() *rpc.HeartbeatRequest {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := max(w.clock().UnixNano(), w.lastSent+1)
	w.lastSent = ts

	used := w.usedSlotsLocked()
	req := &rpc.HeartbeatRequest{
		Worker: rpc.WorkerInfo{
			Host:          w.cfg.Host,
			Port:          w.cfg.Port,
			StartTimeNano: w.startedAt.UnixNano(),
		},
		TimestampNano: ts,
		Capacity:      w.cfg.Slots,
		FreeSlots: rpc.Slots{
			Map:    max(w.cfg.Slots.Map-used.Map, 0),
			Reduce: max(w.cfg.Slots.Reduce-used.Reduce, 0),
		},
		Completions: append([]rpc.Completion(nil), w.completions...),
	}

	for id, ra := range w.running {
		if ra.killed {
			continue
		}
		req.Progress = append(req.Progress, rpc.Progress{AttemptID: id, Fraction: ra.progress})
	}
	sort.Slice(req.Progress, func(i, j int) bool { return req.Progress[i].AttemptID < req.Progress[j].AttemptID })
	return req
}

func (w *workerService) usedSlotsLocked() rpc.Slots {
	var used rpc.Slots
	for _, ra := range w.running {
		if ra.kind == "REDUCE" {
			used.Reduce++
		} else {
			used.Map++
		}
	}
	return used
}

// acknowledge drops the first n pending completions once a heartbeat
// carrying them has been answered.
func (w *workerService) acknowledge(n int) {
	if n == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completions = append([]rpc.Completion(nil), w.completions[n:]...)
}

func (w *workerService) apply(ctx context.Context, resp *rpc.HeartbeatResponse) {
	if resp.HeartbeatIntervalMs > 0 {
		w.interval = time.Duration(resp.HeartbeatIntervalMs) * time.Millisecond
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range resp.KillList {
		ra, ok := w.running[id]
		if !ok || ra.killed {
			continue
		}
		ra.killed = true
		ra.cancel()
		w.logger.Info("Killing attempt", "attempt_id", id)
	}

	for _, a := range resp.Assignments {
		if _, ok := w.running[a.AttemptID]; ok {
			continue
		}
		used := w.usedSlotsLocked()
		free := w.cfg.Slots.Map - used.Map
		if a.Kind == "REDUCE" {
			free = w.cfg.Slots.Reduce - used.Reduce
		}
		if free <= 0 {
			w.logger.Error("No free slot for assignment", "attempt_id", a.AttemptID, "kind", a.Kind)
			w.completions = append(w.completions, rpc.Completion{
				AttemptID:  a.AttemptID,
				Outcome:    "KILLED",
				Diagnostic: "no free slot",
			})
			continue
		}
		w.launchLocked(ctx, a)
	}
}

func (w *workerService) launchLocked(ctx context.Context, a rpc.Assignment) {
	attemptCtx, cancel := context.WithCancel(ctx)
	w.running[a.AttemptID] = &runningAttempt{kind: a.Kind, cancel: cancel}

	w.logger.Info("Launching attempt",
		"attempt_id", a.AttemptID,
		"kind", a.Kind,
		"speculative", a.Speculative,
		"input", a.InputLocationHint,
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		err := w.executor.Execute(attemptCtx, &a, func(fraction float64) {
			w.reportProgress(a.AttemptID, fraction)
		})
		w.finish(ctx, a.AttemptID, err)
	}()
}

func (w *workerService) reportProgress(id string, fraction float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ra, ok := w.running[id]; ok && fraction > ra.progress {
		ra.progress = min(fraction, 1)
	}
}

func (w *workerService) finish(ctx context.Context, id string, err error) {
	w.mu.Lock()
	ra := w.running[id]
	delete(w.running, id)

	c := rpc.Completion{AttemptID: id}
	switch {
	case ra != nil && ra.killed:
		c.Outcome = "KILLED"
		c.Diagnostic = "killed by coordinator"
	case err == nil:
		c.Outcome = "SUCCEEDED"
	case ctx.Err() != nil:
		c.Outcome = "KILLED"
		c.Diagnostic = "worker shutting down"
	default:
		c.Outcome = "FAILED"
		c.Diagnostic = err.Error()
	}
	w.completions = append(w.completions, c)
	w.mu.Unlock()

	if c.Outcome == "FAILED" {
		w.logger.Warn("Attempt failed", "attempt_id", id, "error", err)
	} else {
		w.logger.Info("Attempt finished", "attempt_id", id, "outcome", c.Outcome)
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *workerService) runningCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}
