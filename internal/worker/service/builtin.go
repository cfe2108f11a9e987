package service

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	jobcore "github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/logging"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
	"github.com/nemanja-m/jobtracker/internal/worker/core"
	"github.com/nemanja-m/jobtracker/internal/worker/programs"
)

const defaultShufflePoll = 500 * time.Millisecond

// builtinExecutor runs programs from the programs registry in-process. Map
// outputs are shared with reducers through workDir, so every worker of a job
// must see the same directory.
//
// Layout under <workDir>/<job id>:
//
//	_tmp/<attempt id>/part-NNNNN   map output being written
//	map-NNNNN/part-NNNNN           committed map output, one file per reducer
//	output/part-r-NNNNN.tsv        reduce output
//	output/part-m-NNNNN.tsv        map output of a job without reducers
type builtinExecutor struct {
	workDir string
	poll    time.Duration
	logger  logging.Logger
}

// NewBuiltinExecutor runs assignments whose command names a builtin program,
// e.g. ["grep", "pattern=error"].
func NewBuiltinExecutor(workDir string, logger logging.Logger) core.TaskExecutor {
	return &builtinExecutor{workDir: workDir, poll: defaultShufflePoll, logger: logger}
}

func (e *builtinExecutor) Execute(ctx context.Context, task *rpc.Assignment, progress core.ProgressFunc) error {
	program, err := programs.FromCommand(task.Command)
	if err != nil {
		return err
	}
	taskID, err := jobcore.ParseTaskID(task.TaskID)
	if err != nil {
		return err
	}

	switch jobcore.TaskType(task.Kind) {
	case jobcore.TaskTypeMap:
		err = e.runMap(ctx, program, task, taskID.Index, progress)
	case jobcore.TaskTypeReduce:
		err = e.runReduce(ctx, program, task, taskID.Index, progress)
	default:
		return fmt.Errorf("unsupported task kind: %s", task.Kind)
	}
	if err != nil {
		return err
	}
	progress(1)
	return nil
}

func (e *builtinExecutor) jobDir(task *rpc.Assignment) string {
	return filepath.Join(e.workDir, task.JobID)
}

func (e *builtinExecutor) runMap(ctx context.Context, program programs.Program, task *rpc.Assignment, index int, progress core.ProgressFunc) error {
	path, offset, length, err := parseSplitHint(task.InputLocationHint)
	if err != nil {
		return err
	}

	partitions := max(task.NumReduceTasks, 1)
	partitioned := make([][]programs.KeyValue, partitions)
	err = readSplit(ctx, path, offset, length, func(pos int64, line string) {
		for _, kv := range program.Map(fmt.Sprintf("%s:%d", path, pos), line) {
			p := programs.Partition(kv.Key, task.NumReduceTasks)
			partitioned[p] = append(partitioned[p], kv)
		}
	}, func(f float64) {
		progress(0.9 * f)
	})
	if err != nil {
		return err
	}

	jobDir := e.jobDir(task)
	if task.NumReduceTasks == 0 {
		out := filepath.Join(jobDir, "output", fmt.Sprintf("part-m-%05d.tsv", index))
		return writeFileAtomic(out, formatTSV(partitioned[0]))
	}

	tmp := filepath.Join(jobDir, "_tmp", task.AttemptID)
	defer os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	for p, records := range partitioned {
		slices.SortStableFunc(records, func(left, right programs.KeyValue) int {
			return cmp.Compare(left.Key, right.Key)
		})
		if err := os.WriteFile(filepath.Join(tmp, partName(p)), encodeRecords(records), 0o644); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	committed, err := commitDir(tmp, filepath.Join(jobDir, fmt.Sprintf("map-%05d", index)))
	if err != nil {
		return err
	}
	if !committed {
		e.logger.Info("Map output already committed by another attempt", "attempt_id", task.AttemptID)
	}
	return nil
}

func (e *builtinExecutor) runReduce(ctx context.Context, program programs.Program, task *rpc.Assignment, index int, progress core.ProgressFunc) error {
	jobDir := e.jobDir(task)
	outputs, err := e.awaitMapOutputs(ctx, jobDir, task.NumMapTasks, progress)
	if err != nil {
		return err
	}

	var records []programs.KeyValue
	for _, dir := range outputs {
		part, err := readRecords(filepath.Join(jobDir, dir, partName(index)))
		if err != nil {
			return err
		}
		records = append(records, part...)
	}
	slices.SortStableFunc(records, func(left, right programs.KeyValue) int {
		return cmp.Compare(left.Key, right.Key)
	})
	progress(0.6)

	var results []programs.KeyValue
	for i := 0; i < len(records); {
		key := records[i].Key
		values := []string{}
		for i < len(records) && records[i].Key == key {
			values = append(values, records[i].Value)
			i++
		}
		results = append(results, program.Reduce(key, values))
		if len(results)%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			progress(0.6 + 0.3*float64(i)/float64(len(records)))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := filepath.Join(jobDir, "output", fmt.Sprintf("part-r-%05d.tsv", index))
	return writeFileAtomic(out, formatTSV(results))
}

// awaitMapOutputs blocks until every map task of the job has committed its
// output and returns the committed directory names.
func (e *builtinExecutor) awaitMapOutputs(ctx context.Context, jobDir string, numMaps int, progress core.ProgressFunc) ([]string, error) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	seen := -1
	for {
		matches, err := doublestar.Glob(os.DirFS(jobDir), "map-*")
		if err != nil {
			return nil, err
		}
		if len(matches) >= numMaps {
			slices.Sort(matches)
			return matches, nil
		}
		if len(matches) != seen {
			seen = len(matches)
			if numMaps > 0 {
				progress(0.5 * float64(seen) / float64(numMaps))
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func partName(partition int) string {
	return fmt.Sprintf("part-%05d", partition)
}
