package service

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
)

// HeartbeatReport is the registry-relevant part of a heartbeat.
type HeartbeatReport struct {
	Worker     core.WorkerIdentity
	Capacity   core.SlotCounts
	FreeSlots  core.SlotCounts
	ReportedAt time.Time
	ReceivedAt time.Time
}

// ClusterRegistry is the authoritative record of every known worker.
//
// Each worker lives behind its own entry. Writers serialize on the entry mutex
// and publish a fresh copy through an atomic pointer, so readers never block
// writers and never observe a half-applied update.
type ClusterRegistry struct {
	entries sync.Map // core.WorkerID -> *workerEntry

	blmu      sync.RWMutex
	blacklist map[core.WorkerID]struct{}

	rackOf func(host string) string
	logger logging.Logger
}

type workerEntry struct {
	mu      sync.Mutex
	current atomic.Pointer[core.Worker]

	// needsRecovery is set when the worker is marked LOST and cleared by
	// whoever runs recovery for it.
	needsRecovery atomic.Bool
}

func NewClusterRegistry(rackOf func(host string) string, logger logging.Logger) *ClusterRegistry {
	if rackOf == nil {
		rackOf = func(string) string { return "" }
	}
	return &ClusterRegistry{
		blacklist: make(map[core.WorkerID]struct{}),
		rackOf:    rackOf,
		logger:    logger,
	}
}

// update applies fn to a copy of the worker and publishes it. The entry must
// already hold a worker.
func (e *workerEntry) update(fn func(w *core.Worker) error) (core.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.current.Load()
	if cur == nil {
		return core.Worker{}, core.ErrUnknownWorker
	}
	next := *cur
	if err := fn(&next); err != nil {
		return *cur, err
	}
	e.current.Store(&next)
	return next, nil
}

func (r *ClusterRegistry) entry(id core.WorkerID) (*workerEntry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	e := v.(*workerEntry)
	if e.current.Load() == nil {
		return nil, false
	}
	return e, true
}

func (r *ClusterRegistry) isBlacklisted(id core.WorkerID) bool {
	r.blmu.RLock()
	defer r.blmu.RUnlock()
	_, ok := r.blacklist[id]
	return ok
}

// RegisterHeartbeat inserts or updates the worker and recomputes its occupied
// slots from the reported free slots. It returns the prior entry, or nil on
// first contact. A LOST worker or one with a new start time is registered
// afresh; only its consecutive failure count carries over.
func (r *ClusterRegistry) RegisterHeartbeat(report HeartbeatReport) (*core.Worker, core.Worker) {
	id := report.Worker.ID()
	v, _ := r.entries.LoadOrStore(id, &workerEntry{})
	e := v.(*workerEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	var prior *core.Worker
	if cur := e.current.Load(); cur != nil {
		c := *cur
		prior = &c
	}

	var next core.Worker
	fresh := prior == nil || prior.Health == core.WorkerHealthLost || !prior.StartedAt.Equal(report.Worker.StartedAt)
	if fresh {
		next = core.Worker{
			ID:           id,
			Host:         report.Worker.Host,
			Port:         report.Worker.Port,
			StartedAt:    report.Worker.StartedAt,
			Rack:         r.rackOf(report.Worker.Host),
			Health:       core.WorkerHealthActive,
			RegisteredAt: report.ReceivedAt,
		}
		if prior != nil {
			next.ConsecutiveFailures = prior.ConsecutiveFailures
		}
	} else {
		next = *prior
	}

	if r.isBlacklisted(id) {
		next.Health = core.WorkerHealthBlacklisted
	}
	next.Capacity = report.Capacity
	next.Occupied = core.SlotCounts{
		Map:    clamp(report.Capacity.Map-report.FreeSlots.Map, 0, report.Capacity.Map),
		Reduce: clamp(report.Capacity.Reduce-report.FreeSlots.Reduce, 0, report.Capacity.Reduce),
	}
	next.LastHeartbeatAt = report.ReceivedAt
	next.ReportedAt = report.ReportedAt

	e.current.Store(&next)
	return prior, next
}

func (r *ClusterRegistry) Get(id core.WorkerID) (core.Worker, bool) {
	e, ok := r.entry(id)
	if !ok {
		return core.Worker{}, false
	}
	return *e.current.Load(), true
}

// Workers returns a copy of every known worker ordered by id.
func (r *ClusterRegistry) Workers() []core.Worker {
	var workers []core.Worker
	r.entries.Range(func(_, v any) bool {
		if w := v.(*workerEntry).current.Load(); w != nil {
			workers = append(workers, *w)
		}
		return true
	})
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers
}

// SchedulableIDs returns the ids of every ACTIVE worker.
func (r *ClusterRegistry) SchedulableIDs() []core.WorkerID {
	var ids []core.WorkerID
	r.entries.Range(func(_, v any) bool {
		if w := v.(*workerEntry).current.Load(); w != nil && w.Schedulable() {
			ids = append(ids, w.ID)
		}
		return true
	})
	return ids
}

// ExpireStale transitions every worker whose last heartbeat predates
// now-timeout to LOST and returns the newly lost ids.
func (r *ClusterRegistry) ExpireStale(now time.Time, timeout time.Duration) []core.WorkerID {
	deadline := now.Add(-timeout)
	var lost []core.WorkerID
	r.entries.Range(func(k, v any) bool {
		e := v.(*workerEntry)
		w := e.current.Load()
		if w == nil || w.Health == core.WorkerHealthLost || !w.LastHeartbeatAt.Before(deadline) {
			return true
		}
		_, err := e.update(func(w *core.Worker) error {
			if w.Health == core.WorkerHealthLost || !w.LastHeartbeatAt.Before(deadline) {
				return errNoChange
			}
			markLost(w)
			return nil
		})
		if err == nil {
			e.needsRecovery.Store(true)
			lost = append(lost, k.(core.WorkerID))
		}
		return true
	})
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	return lost
}

// MarkLost transitions a live worker to LOST. It reports whether the state changed.
func (r *ClusterRegistry) MarkLost(id core.WorkerID) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	_, err := e.update(func(w *core.Worker) error {
		if w.Health == core.WorkerHealthLost {
			return errNoChange
		}
		markLost(w)
		return nil
	})
	if err != nil {
		return false
	}
	e.needsRecovery.Store(true)
	return true
}

// ClaimRecovery returns true exactly once per LOST transition.
func (r *ClusterRegistry) ClaimRecovery(id core.WorkerID) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	return e.needsRecovery.CompareAndSwap(true, false)
}

func (r *ClusterRegistry) Blacklist(id core.WorkerID) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownWorker, id)
	}

	r.blmu.Lock()
	r.blacklist[id] = struct{}{}
	r.blmu.Unlock()

	_, err := e.update(func(w *core.Worker) error {
		if w.Health == core.WorkerHealthActive {
			w.Health = core.WorkerHealthBlacklisted
		}
		return nil
	})
	return err
}

// Unblacklist is the operator action that returns a worker to scheduling.
func (r *ClusterRegistry) Unblacklist(id core.WorkerID) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownWorker, id)
	}

	r.blmu.Lock()
	delete(r.blacklist, id)
	r.blmu.Unlock()

	_, err := e.update(func(w *core.Worker) error {
		if w.Health == core.WorkerHealthBlacklisted {
			w.Health = core.WorkerHealthActive
		}
		w.ConsecutiveFailures = 0
		return nil
	})
	return err
}

// ReserveSlot claims one slot of the given kind for a new assignment.
func (r *ClusterRegistry) ReserveSlot(id core.WorkerID, kind core.TaskType) error {
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownWorker, id)
	}
	_, err := e.update(func(w *core.Worker) error {
		if !w.Schedulable() {
			return fmt.Errorf("worker %s is %s", w.ID, w.Health)
		}
		if w.Occupied.Of(kind)+1 > w.Capacity.Of(kind) {
			return fmt.Errorf("%w: worker %s %s slots %d/%d",
				core.ErrCapacityExceeded, w.ID, kind, w.Occupied.Of(kind), w.Capacity.Of(kind))
		}
		w.Occupied.Add(kind, 1)
		return nil
	})
	return err
}

func (r *ClusterRegistry) ReleaseSlot(id core.WorkerID, kind core.TaskType) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	_, _ = e.update(func(w *core.Worker) error {
		if w.Occupied.Of(kind) > 0 {
			w.Occupied.Add(kind, -1)
		}
		return nil
	})
}

// RecordFailure increments the worker's consecutive failure count and returns it.
func (r *ClusterRegistry) RecordFailure(id core.WorkerID) int {
	e, ok := r.entry(id)
	if !ok {
		return 0
	}
	w, err := e.update(func(w *core.Worker) error {
		w.ConsecutiveFailures++
		return nil
	})
	if err != nil {
		return 0
	}
	return w.ConsecutiveFailures
}

func (r *ClusterRegistry) ResetFailures(id core.WorkerID) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	_, _ = e.update(func(w *core.Worker) error {
		if w.ConsecutiveFailures == 0 {
			return errNoChange
		}
		w.ConsecutiveFailures = 0
		return nil
	})
}

// Snapshot aggregates the registry into a ClusterStatus. It reads published
// worker copies only and never takes a writer lock.
func (r *ClusterRegistry) Snapshot(state core.CoordinatorState) core.ClusterStatus {
	status := core.ClusterStatus{State: state}
	r.entries.Range(func(_, v any) bool {
		w := v.(*workerEntry).current.Load()
		if w == nil {
			return true
		}
		switch w.Health {
		case core.WorkerHealthActive:
			status.Workers++
			status.MaxMapTasks += w.Capacity.Map
			status.MaxReduceTasks += w.Capacity.Reduce
		case core.WorkerHealthBlacklisted:
			status.BlacklistedWorkers++
		case core.WorkerHealthLost:
			return true
		}
		status.RunningMapTasks += w.Occupied.Map
		status.RunningReduceTasks += w.Occupied.Reduce
		return true
	})
	status.UsedMemory, status.MaxMemory = memoryUsage()
	return status
}

func memoryUsage() (used, limit int64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used = int64(ms.HeapAlloc)
	limit = debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		limit = int64(ms.Sys)
	}
	return used, limit
}

func markLost(w *core.Worker) {
	w.Health = core.WorkerHealthLost
	w.Occupied = core.SlotCounts{}
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
