package service

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/coordinator/storage"
	"github.com/nemanja-m/jobtracker/internal/shared/metrics"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Fatal(string, ...any) {}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStorage makes one split per input path. Placements and racks are keyed
// by path and host.
type fakeStorage struct {
	placements map[string][]string
	racks      map[string]string
	err        error
}

func (s *fakeStorage) Splits(input core.InputSpec, _ int) ([]core.InputSplit, error) {
	if s.err != nil {
		return nil, s.err
	}
	var splits []core.InputSplit
	for _, p := range input.Paths {
		splits = append(splits, core.InputSplit{Path: p, Length: 64 << 20})
	}
	return splits, nil
}

func (s *fakeStorage) PreferredLocations(split core.InputSplit) []string {
	return append([]string(nil), s.placements[split.Path]...)
}

func (s *fakeStorage) RackOf(id string) string {
	if host, _, err := net.SplitHostPort(id); err == nil {
		id = host
	}
	return s.racks[id]
}

type recordingRecorder struct {
	metrics.NopRecorder

	mu          sync.Mutex
	gauges      []metrics.ClusterGauges
	workersLost int
}

func (r *recordingRecorder) UpdateCluster(g metrics.ClusterGauges) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, g)
}

func (r *recordingRecorder) RecordWorkerLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workersLost++
}

func testConfig() Config {
	return Config{
		Heartbeat:     HeartbeatConfig{Interval: 3 * time.Second, Timeout: 30 * time.Second},
		CheckInterval: 5 * time.Millisecond,
		Scheduler:     SchedulerConfig{ReduceSlowstart: 1},
		Recovery:      RecoveryConfig{WorkerFailureLimit: 4},
		Speculative:   SpeculativeConfig{Enabled: true, MinAge: 10 * time.Second, SlowFraction: 0.5},
		Jobs:          JobConfig{MaxTaskAttempts: 3, MaxFailedTasks: 0, Retention: time.Hour},
	}
}

type harness struct {
	t       *testing.T
	clock   *fakeClock
	storage *fakeStorage
	archive *storage.InMemoryJobArchive
	c       *Coordinator
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   newFakeClock(),
		storage: &fakeStorage{placements: map[string][]string{}, racks: map[string]string{}},
		archive: storage.NewInMemoryJobArchive(),
	}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.c = NewCoordinator(cfg, h.storage, h.archive, nopLogger{}, opts...)
	return h
}

func jobSpec(maps, reduces int) core.JobSpec {
	paths := make([]string, maps)
	for i := range paths {
		paths[i] = fmt.Sprintf("/data/part-%05d", i)
	}
	return core.JobSpec{
		Name:           "wordcount",
		Input:          core.InputSpec{Paths: paths},
		NumReduceTasks: reduces,
		MapCommand:     []string{"wc", "-map"},
		ReduceCommand:  []string{"wc", "-reduce"},
	}
}

func (h *harness) submit(spec core.JobSpec) core.JobID {
	h.t.Helper()
	id, err := h.c.SubmitJob(spec)
	require.NoError(h.t, err)
	return id
}

func (h *harness) job(id core.JobID) *core.Job {
	h.t.Helper()
	job, err := h.c.GetJob(id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) worker(host string) core.Worker {
	h.t.Helper()
	w, ok := h.c.Registry.Get(core.WorkerID(host + ":50060"))
	require.True(h.t, ok, "worker %s not registered", host)
	return w
}

// testWorker mirrors what a real worker tracks between heartbeats.
type testWorker struct {
	identity core.WorkerIdentity
	capacity core.SlotCounts
	ts       time.Time
	running  map[core.AttemptID]core.TaskType
}

func newTestWorker(host string, maps, reduces int) *testWorker {
	started := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	return &testWorker{
		identity: core.WorkerIdentity{Host: host, Port: 50060, StartedAt: started},
		capacity: core.SlotCounts{Map: maps, Reduce: reduces},
		ts:       started,
		running:  make(map[core.AttemptID]core.TaskType),
	}
}

func (w *testWorker) id() core.WorkerID {
	return w.identity.ID()
}

func (w *testWorker) free() core.SlotCounts {
	free := w.capacity
	for _, kind := range w.running {
		free.Add(kind, -1)
	}
	return free
}

// request builds the next heartbeat. Reported completions release their slots.
func (w *testWorker) request(completions []core.AttemptCompletion, progress []core.AttemptProgress) *core.HeartbeatRequest {
	for _, c := range completions {
		delete(w.running, c.AttemptID)
	}
	w.ts = w.ts.Add(time.Millisecond)
	return &core.HeartbeatRequest{
		Worker:      w.identity,
		Timestamp:   w.ts,
		Capacity:    w.capacity,
		FreeSlots:   w.free(),
		Completions: completions,
		Progress:    progress,
	}
}

func (w *testWorker) apply(resp *core.HeartbeatResponse) {
	for _, id := range resp.KillList {
		delete(w.running, id)
	}
	for _, a := range resp.Assignments {
		w.running[a.AttemptID] = a.Kind
	}
}

func (h *harness) send(w *testWorker, req *core.HeartbeatRequest) *core.HeartbeatResponse {
	h.t.Helper()
	resp, err := h.c.Heartbeat(context.Background(), req)
	require.NoError(h.t, err)
	w.apply(resp)

	free := w.free()
	require.GreaterOrEqual(h.t, free.Map, 0, "worker %s over map capacity", w.id())
	require.GreaterOrEqual(h.t, free.Reduce, 0, "worker %s over reduce capacity", w.id())
	return resp
}

func (h *harness) beat(w *testWorker, completions ...core.AttemptCompletion) *core.HeartbeatResponse {
	h.t.Helper()
	return h.send(w, w.request(completions, nil))
}

func succeeded(id core.AttemptID) core.AttemptCompletion {
	return core.AttemptCompletion{AttemptID: id, Outcome: core.AttemptStatusSucceeded}
}

func failed(id core.AttemptID, diagnostic string) core.AttemptCompletion {
	return core.AttemptCompletion{AttemptID: id, Outcome: core.AttemptStatusFailed, Diagnostic: diagnostic}
}

func killed(id core.AttemptID) core.AttemptCompletion {
	return core.AttemptCompletion{AttemptID: id, Outcome: core.AttemptStatusKilled, Diagnostic: "killed by coordinator"}
}

func attemptIDs(assignments []core.Assignment) []core.AttemptID {
	ids := make([]core.AttemptID, len(assignments))
	for i, a := range assignments {
		ids[i] = a.AttemptID
	}
	return ids
}
