package service

import (
	"time"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
)

type SpeculativeConfig struct {
	Enabled bool
	// MinAge is how long an attempt must run before it can be judged slow.
	MinAge time.Duration
	// SlowFraction flags an attempt whose rate is below this fraction of
	// the mean rate of its siblings.
	SlowFraction float64
}

type SpeculativeMonitor struct {
	jobs      *JobManager
	scheduler *TaskScheduler
	cfg       SpeculativeConfig
	logger    logging.Logger
}

func NewSpeculativeMonitor(cfg SpeculativeConfig, jobs *JobManager, scheduler *TaskScheduler, logger logging.Logger) *SpeculativeMonitor {
	return &SpeculativeMonitor{
		jobs:      jobs,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
	}
}

// Tick flags straggling tasks for a duplicate attempt and returns how many
// were flagged.
func (s *SpeculativeMonitor) Tick(now time.Time) int {
	if !s.cfg.Enabled {
		return 0
	}

	var stragglers []core.TaskID
	for _, e := range s.jobs.liveJobs() {
		e.mu.Lock()
		if e.job.Status == core.JobStatusRunning {
			for _, kind := range []core.TaskType{core.TaskTypeMap, core.TaskTypeReduce} {
				stragglers = append(stragglers, s.stragglers(e.job.Tasks(kind), now)...)
			}
		}
		e.mu.Unlock()
	}

	flagged := 0
	for _, id := range stragglers {
		if err := s.scheduler.RequestSpeculativeAttempt(id); err != nil {
			s.logger.Debug("Skipping speculative attempt", "task_id", id, "error", err)
			continue
		}
		flagged++
		s.logger.Info("Requested speculative attempt", "task_id", id)
	}
	return flagged
}

// stragglers compares each single-attempt running task against the mean
// rate of the other tasks of the same kind.
func (s *SpeculativeMonitor) stragglers(tasks []*core.Task, now time.Time) []core.TaskID {
	rates := make([]float64, len(tasks))
	sampled := make([]bool, len(tasks))
	var sum float64
	var count int
	for i, t := range tasks {
		a := representativeAttempt(t)
		if a == nil {
			continue
		}
		rates[i] = a.Rate(now)
		sampled[i] = true
		sum += rates[i]
		count++
	}

	var out []core.TaskID
	for i, t := range tasks {
		if !sampled[i] || t.Status != core.TaskStatusRunning || t.SpeculationRequested {
			continue
		}
		running := t.RunningAttempts()
		if len(running) != 1 || now.Sub(running[0].StartedAt) < s.cfg.MinAge {
			continue
		}
		siblings := count - 1
		if siblings == 0 {
			continue
		}
		mean := (sum - rates[i]) / float64(siblings)
		if mean > 0 && rates[i] < s.cfg.SlowFraction*mean {
			out = append(out, t.ID)
		}
	}
	return out
}

// representativeAttempt is the winning attempt of a complete task or the
// oldest running attempt of a running one.
func representativeAttempt(t *core.Task) *core.Attempt {
	switch t.Status {
	case core.TaskStatusComplete:
		return t.SuccessfulAttempt()
	case core.TaskStatusRunning:
		if running := t.RunningAttempts(); len(running) > 0 {
			return running[0]
		}
	}
	return nil
}
