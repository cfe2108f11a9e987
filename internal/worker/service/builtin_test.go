package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobcore "github.com/nemanja-m/jobtracker/internal/coordinator/core"
	"github.com/nemanja-m/jobtracker/internal/shared/rpc"
)

const testJobID = jobcore.JobID("5f0c6c1e-8d3a-4a52-9a39-2d1c4f1b7e10")

func newTestBuiltin(t *testing.T) *builtinExecutor {
	t.Helper()
	return &builtinExecutor{workDir: t.TempDir(), poll: 5 * time.Millisecond, logger: &mockLogger{}}
}

func builtinAssignment(kind jobcore.TaskType, index, attempt int, hint string, maps, reduces int, command ...string) *rpc.Assignment {
	task := jobcore.TaskID{Job: testJobID, Type: kind, Index: index}
	return &rpc.Assignment{
		AttemptID:         jobcore.AttemptID{Task: task, Number: attempt}.String(),
		TaskID:            task.String(),
		JobID:             string(testJobID),
		Kind:              string(kind),
		InputLocationHint: hint,
		Command:           command,
		NumMapTasks:       maps,
		NumReduceTasks:    reduces,
	}
}

// readOutput parses every TSV file under the job's output directory.
func readOutput(t *testing.T, e *builtinExecutor, pattern string) map[string]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(e.workDir, string(testJobID), "output", pattern))
	require.NoError(t, err)

	result := make(map[string]string)
	for _, file := range files {
		data, err := os.ReadFile(file)
		require.NoError(t, err)
		for line := range strings.Lines(string(data)) {
			key, value, ok := strings.Cut(strings.TrimSuffix(line, "\n"), "\t")
			require.True(t, ok, "malformed output line %q", line)
			_, dup := result[key]
			require.False(t, dup, "key %q written twice", key)
			result[key] = value
		}
	}
	return result
}

func TestBuiltinExecutor_WordCount(t *testing.T) {
	e := newTestBuiltin(t)
	path, size := writeInput(t,
		"One morning, when Gregor Samsa woke",
		"from troubled dreams, he found",
		"himself transformed in his bed",
		"into a horrible vermin. Gregor",
	)
	half := size / 2
	splits := []string{
		fmt.Sprintf("%s:0+%d", path, half),
		fmt.Sprintf("%s:%d+%d", path, half, size-half),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for r := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[r] = e.Execute(ctx, builtinAssignment(jobcore.TaskTypeReduce, r, 0, "", 2, 2, "wordcount"), func(float64) {})
		}()
	}

	for m, hint := range splits {
		progress := &progressRecorder{}
		err := e.Execute(ctx, builtinAssignment(jobcore.TaskTypeMap, m, 0, hint, 2, 2, "wordcount"), progress.report)
		require.NoError(t, err)
		values := progress.get()
		require.NotEmpty(t, values)
		assert.Equal(t, 1.0, values[len(values)-1])
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	counts := readOutput(t, e, "part-r-*.tsv")
	assert.Equal(t, "2", counts["gregor"])
	assert.Equal(t, "1", counts["vermin"])
	assert.Equal(t, "1", counts["morning"])
	assert.Len(t, counts, 20)

	tmp, err := os.ReadDir(filepath.Join(e.workDir, string(testJobID), "_tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestBuiltinExecutor_MapOnlyJob(t *testing.T) {
	e := newTestBuiltin(t)
	path, size := writeInput(t, "error: disk full", "ok", "ERROR: retry")
	hint := fmt.Sprintf("%s:0+%d", path, size)

	err := e.Execute(context.Background(),
		builtinAssignment(jobcore.TaskTypeMap, 0, 0, hint, 1, 0, "grep", "pattern=error", "case-sensitive=false"),
		func(float64) {})
	require.NoError(t, err)

	matches := readOutput(t, e, "part-m-*.tsv")
	assert.Equal(t, map[string]string{
		path + ":0":  "error: disk full",
		path + ":20": "ERROR: retry",
	}, matches)
}

func TestBuiltinExecutor_DuplicateMapAttemptDiscarded(t *testing.T) {
	e := newTestBuiltin(t)
	path, size := writeInput(t, "a b a")
	hint := fmt.Sprintf("%s:0+%d", path, size)
	ctx := context.Background()

	require.NoError(t, e.Execute(ctx, builtinAssignment(jobcore.TaskTypeMap, 0, 0, hint, 1, 1, "wordcount"), func(float64) {}))
	require.NoError(t, e.Execute(ctx, builtinAssignment(jobcore.TaskTypeMap, 0, 1, hint, 1, 1, "wordcount"), func(float64) {}))

	tmp, err := os.ReadDir(filepath.Join(e.workDir, string(testJobID), "_tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)

	require.NoError(t, e.Execute(ctx, builtinAssignment(jobcore.TaskTypeReduce, 0, 0, "", 1, 1, "wordcount"), func(float64) {}))
	assert.Equal(t, map[string]string{"a": "2", "b": "1"}, readOutput(t, e, "part-r-*.tsv"))
}

func TestBuiltinExecutor_ReduceWaitsForMaps(t *testing.T) {
	e := newTestBuiltin(t)
	ctx, cancel := context.WithCancel(context.Background())

	progress := &progressRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- e.Execute(ctx, builtinAssignment(jobcore.TaskTypeReduce, 0, 0, "", 3, 1, "wordcount"), progress.report)
	}()

	select {
	case err := <-done:
		t.Fatalf("reduce finished before any map output: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reduce did not stop after cancellation")
	}
	assert.Equal(t, []float64{0}, progress.get())
}

func TestBuiltinExecutor_Errors(t *testing.T) {
	e := newTestBuiltin(t)
	missing := filepath.Join(t.TempDir(), "missing")

	tests := []struct {
		name string
		task *rpc.Assignment
	}{
		{name: "unknown program", task: builtinAssignment(jobcore.TaskTypeMap, 0, 0, missing+":0+1", 1, 1, "sort")},
		{name: "missing input", task: builtinAssignment(jobcore.TaskTypeMap, 0, 0, missing+":0+1", 1, 1, "wordcount")},
		{name: "malformed hint", task: builtinAssignment(jobcore.TaskTypeMap, 0, 0, missing, 1, 1, "wordcount")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Execute(context.Background(), tt.task, func(float64) {})
			assert.Error(t, err)
		})
	}

	t.Run("malformed task id", func(t *testing.T) {
		task := builtinAssignment(jobcore.TaskTypeMap, 0, 0, missing+":0+1", 1, 1, "wordcount")
		task.TaskID = "task_1_m_0"
		assert.Error(t, e.Execute(context.Background(), task, func(float64) {}))
	})
}

func TestBuiltinExecutor_ReduceOutputSorted(t *testing.T) {
	e := newTestBuiltin(t)
	path, size := writeInput(t, "pear apple fig apple", "banana fig")
	hint := fmt.Sprintf("%s:0+%d", path, size)
	ctx := context.Background()

	require.NoError(t, e.Execute(ctx, builtinAssignment(jobcore.TaskTypeMap, 0, 0, hint, 1, 1, "wordcount"), func(float64) {}))
	require.NoError(t, e.Execute(ctx, builtinAssignment(jobcore.TaskTypeReduce, 0, 0, "", 1, 1, "wordcount"), func(float64) {}))

	data, err := os.ReadFile(filepath.Join(e.workDir, string(testJobID), "output", "part-r-00000.tsv"))
	require.NoError(t, err)

	var keys []string
	for line := range strings.Lines(string(data)) {
		key, _, _ := strings.Cut(line, "\t")
		keys = append(keys, key)
	}
	assert.True(t, sort.StringsAreSorted(keys))
	assert.Equal(t, []string{"apple", "banana", "fig", "pear"}, keys)
}
