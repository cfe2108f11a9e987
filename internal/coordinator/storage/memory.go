package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
)

// InMemoryJobArchive keeps summaries of retired jobs. Attempt histories are
// dropped on archive; task states and job counters are kept.
type InMemoryJobArchive struct {
	mu   sync.RWMutex
	jobs map[core.JobID]*core.Job
}

func NewInMemoryJobArchive() *InMemoryJobArchive {
	return &InMemoryJobArchive{
		jobs: make(map[core.JobID]*core.Job),
	}
}

func (s *InMemoryJobArchive) ArchiveJob(job *core.Job) error {
	if job == nil {
		return fmt.Errorf("cannot archive nil job")
	}
	summary := job.Clone()
	for _, tasks := range [][]*core.Task{summary.MapTasks, summary.ReduceTasks} {
		for _, t := range tasks {
			t.Attempts = nil
			t.ExcludedWorkers = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = summary
	return nil
}

func (s *InMemoryJobArchive) GetJobByID(id core.JobID) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownJob, id)
	}
	return job.Clone(), nil
}

// GetJobs returns archived jobs in submission order. A non-positive limit
// returns every match after offset.
func (s *InMemoryJobArchive) GetJobs(filter core.JobFilter) ([]*core.Job, int, error) {
	s.mu.RLock()
	matched := make([]*core.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	jobs := make([]*core.Job, 0, end-start)
	for _, job := range matched[start:end] {
		jobs = append(jobs, job.Clone())
	}
	return jobs, total, nil
}
