package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
	"github.com/nemanja-m/jobtracker/internal/worker/core"
)

// progressPrefix marks a stderr line carrying a progress fraction, e.g.
// "reporter:progress:0.25".
const progressPrefix = "reporter:progress:"

const (
	maxDiagnosticBytes = 4 << 10
	waitDelay          = 2 * time.Second
)

type shellExecutor struct {
	workDir string
	logger  logging.Logger
}

// NewShellExecutor runs an assignment's command as a child process. The
// attempt is described to the process through JOBTRACKER_* environment
// variables.
func NewShellExecutor(workDir string, logger logging.Logger) core.TaskExecutor {
	return &shellExecutor{workDir: workDir, logger: logger}
}

func (e *shellExecutor) Execute(ctx context.Context, task *rpc.Assignment, progress core.ProgressFunc) error {
	if len(task.Command) == 0 {
		return fmt.Errorf("attempt %s has no command", task.AttemptID)
	}

	cmd := exec.CommandContext(ctx, task.Command[0], task.Command[1:]...)
	cmd.Dir = e.workDir
	cmd.Env = append(os.Environ(),
		"JOBTRACKER_JOB_ID="+task.JobID,
		"JOBTRACKER_TASK_ID="+task.TaskID,
		"JOBTRACKER_ATTEMPT_ID="+task.AttemptID,
		"JOBTRACKER_TASK_KIND="+task.Kind,
		"JOBTRACKER_INPUT="+task.InputLocationHint,
		"JOBTRACKER_NUM_MAPS="+strconv.Itoa(task.NumMapTasks),
		"JOBTRACKER_NUM_REDUCES="+strconv.Itoa(task.NumReduceTasks),
	)
	stderr := &stderrScanner{progress: progress}
	cmd.Stderr = stderr
	// Orphaned grandchildren may keep stderr open after a kill.
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}
	e.logger.Debug("Started attempt process", "attempt_id", task.AttemptID, "pid", cmd.Process.Pid)

	err := cmd.Wait()
	stderr.flush()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		progress(1)
		return nil
	}
	if diag := strings.TrimSpace(stderr.tail()); diag != "" {
		return fmt.Errorf("%w: %s", err, diag)
	}
	return err
}

// stderrScanner forwards progress lines and keeps the tail of everything else.
type stderrScanner struct {
	progress core.ProgressFunc
	buf      []byte
	lines    []string
	size     int
}

func (s *stderrScanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.line(string(s.buf[:i]))
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}

func (s *stderrScanner) flush() {
	if len(s.buf) > 0 {
		s.line(string(s.buf))
		s.buf = nil
	}
}

func (s *stderrScanner) line(line string) {
	if v, ok := strings.CutPrefix(line, progressPrefix); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f >= 0 && f <= 1 {
			s.progress(f)
		}
		return
	}
	s.lines = append(s.lines, line)
	s.size += len(line) + 1
	for s.size > maxDiagnosticBytes && len(s.lines) > 1 {
		s.size -= len(s.lines[0]) + 1
		s.lines = s.lines[1:]
	}
}

func (s *stderrScanner) tail() string {
	return strings.Join(s.lines, "\n")
}

type noopExecutor struct {
	delay time.Duration
}

// NewNoopExecutor completes every assignment after delay without running it.
func NewNoopExecutor(delay time.Duration) core.TaskExecutor {
	return &noopExecutor{delay: delay}
}

func (e *noopExecutor) Execute(ctx context.Context, task *rpc.Assignment, progress core.ProgressFunc) error {
	if e.delay > 0 {
		half := time.NewTimer(e.delay / 2)
		defer half.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-half.C:
			progress(0.5)
		}

		rest := time.NewTimer(e.delay - e.delay/2)
		defer rest.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rest.C:
		}
	}
	progress(1)
	return nil
}

// NewExecutor picks an executor by configured type.
func NewExecutor(kind, workDir string, delay time.Duration, logger logging.Logger) (core.TaskExecutor, error) {
	switch kind {
	case "shell":
		return NewShellExecutor(workDir, logger), nil
	case "noop":
		return NewNoopExecutor(delay), nil
	case "builtin":
		if workDir == "" {
			return nil, fmt.Errorf("builtin executor requires a work directory")
		}
		return NewBuiltinExecutor(workDir, logger), nil
	}
	return nil, fmt.Errorf("unsupported executor type: %s", kind)
}
