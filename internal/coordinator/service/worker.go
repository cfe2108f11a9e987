package service

import (
	"github.com/nemanja-m/jobtracker/internal/coordinator/core"
)

func (c *Coordinator) ListWorkers() []core.Worker {
	return c.Registry.Workers()
}

func (c *Coordinator) Blacklist(id core.WorkerID) error {
	if err := c.Registry.Blacklist(id); err != nil {
		return err
	}
	c.logger.Info("Worker blacklisted by operator", "worker_id", id)
	c.metrics.RecordWorkerBlacklisted()
	return nil
}

func (c *Coordinator) Unblacklist(id core.WorkerID) error {
	if err := c.Registry.Unblacklist(id); err != nil {
		return err
	}
	c.logger.Info("Worker returned to scheduling", "worker_id", id)
	return nil
}
