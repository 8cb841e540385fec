package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

type recordingSaver struct {
	mu        sync.Mutex
	snapshots []*domain.ExecutionRecord
}

func (s *recordingSaver) SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, record)
	return nil
}

func (s *recordingSaver) all() []*domain.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.ExecutionRecord(nil), s.snapshots...)
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(id string) {
	c.mu.Lock()
	c.calls = append(c.calls, id)
	c.mu.Unlock()
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// namedOperation emits one artifact named after the node, taken from the
// "name" config key.
func namedOperation(log *callLog) ports.OperationHandler {
	return ports.OperationFunc(func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
		name, _ := config["name"].(string)
		log.add(name)
		return []domain.ArtifactRef{{ID: name + "-out", Name: name, Metadata: map[string]interface{}{"inputs": len(inputs)}}}, nil
	})
}

func nameNodes(graph *domain.Graph) *domain.Graph {
	for i := range graph.Nodes {
		graph.Nodes[i].Config = map[string]interface{}{"name": graph.Nodes[i].ID}
	}
	return graph
}

type executorFixture struct {
	registry *memory.OperationRegistry
	saver    *recordingSaver
	executor *Executor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()

	registry := memory.NewOperationRegistry(slog.Default())
	saver := &recordingSaver{}
	config := domain.DefaultEngineConfig()
	config.NodeTimeout = 5 * time.Second

	return &executorFixture{
		registry: registry,
		saver:    saver,
		executor: NewExecutor(registry, saver, nil, nil, config, slog.Default()),
	}
}

func (f *executorFixture) newRun(t *testing.T, graph *domain.Graph, inputs []domain.ArtifactRef) *Run {
	t.Helper()

	plan, err := BuildPlan(graph.Nodes, graph.Edges, f.registry.IsParallelSafe, nil)
	require.NoError(t, err)

	record := domain.NewExecutionRecord("exec-"+graph.ID, graph, inputs, nil)
	record.Attempt = 1

	return &Run{
		Record:       record,
		Graph:        graph,
		Plan:         plan,
		Token:        NewCancelToken(),
		FinalAttempt: true,
	}
}

func TestExecutor_LinearChain(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}
	for _, op := range []string{"load", "ocr", "store"} {
		require.NoError(t, f.registry.Register(op, namedOperation(calls), ports.OperationOptions{}))
	}

	graph := nameNodes(linearGraph())
	run := f.newRun(t, graph, []domain.ArtifactRef{{ID: "upload-1"}})

	require.NoError(t, f.executor.Execute(context.Background(), run))

	record := run.Record
	assert.Equal(t, []string{"input", "transform", "output"}, calls.list())
	assert.Equal(t, domain.ExecutionStatusCompleted, record.Status)
	assert.Equal(t, 100, record.Progress)
	assert.NotNil(t, record.CompletedAt)
	require.Len(t, record.OutputArtifacts, 1)
	assert.Equal(t, "output-out", record.OutputArtifacts[0].ID)
	assert.Len(t, record.Plan, 3)

	for _, id := range []string{"input", "transform", "output"} {
		assert.Equal(t, domain.NodeStatusCompleted, record.Nodes[id].Status)
		assert.Equal(t, 100, record.Nodes[id].Progress)
	}

	snapshots := f.saver.all()
	require.NotEmpty(t, snapshots)
	assert.Equal(t, domain.ExecutionStatusCompleted, snapshots[len(snapshots)-1].Status)
}

func TestExecutor_DiamondRunsBranchesConcurrently(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}

	started := make(chan string, 2)
	release := make(chan struct{})
	branch := ports.OperationFunc(func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
		name := config["name"].(string)
		started <- name
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []domain.ArtifactRef{{ID: name + "-out"}}, nil
	})

	require.NoError(t, f.registry.Register("load", namedOperation(calls), ports.OperationOptions{}))
	require.NoError(t, f.registry.Register("branch", branch, ports.OperationOptions{ParallelSafe: true}))
	require.NoError(t, f.registry.Register("merge", namedOperation(calls), ports.OperationOptions{}))

	run := f.newRun(t, nameNodes(diamondGraph()), nil)
	require.Equal(t, [][]string{{"input"}, {"A", "B"}, {"merge"}}, stepNodes(run.Plan))

	done := make(chan error, 1)
	go func() {
		done <- f.executor.Execute(context.Background(), run)
	}()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-started:
			seen[name] = true
		case <-time.After(2 * time.Second):
			t.Fatal("branches did not run concurrently")
		}
	}
	close(release)

	require.NoError(t, <-done)
	assert.True(t, seen["A"] && seen["B"])
	assert.Equal(t, []string{"input", "merge"}, calls.list())
	assert.Equal(t, domain.ExecutionStatusCompleted, run.Record.Status)
}

func TestExecutor_HandlerFailureFailsRun(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}
	boom := errors.New("ocr engine crashed")

	require.NoError(t, f.registry.Register("load", namedOperation(calls), ports.OperationOptions{}))
	require.NoError(t, f.registry.Register("ocr", ports.OperationFunc(func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
		return nil, boom
	}), ports.OperationOptions{}))
	require.NoError(t, f.registry.Register("store", namedOperation(calls), ports.OperationOptions{}))

	run := f.newRun(t, nameNodes(linearGraph()), nil)
	err := f.executor.Execute(context.Background(), run)

	require.Error(t, err)
	assert.True(t, domain.IsHandler(err))
	assert.True(t, errors.Is(err, boom))

	var handlerErr *domain.HandlerError
	require.True(t, errors.As(err, &handlerErr))
	assert.Equal(t, "transform", handlerErr.NodeID)

	record := run.Record
	assert.Equal(t, domain.ExecutionStatusFailed, record.Status)
	assert.Equal(t, "transform", record.FailedNodeID)
	assert.Contains(t, record.Error, "ocr engine crashed")
	assert.Equal(t, domain.NodeStatusCompleted, record.Nodes["input"].Status)
	assert.Equal(t, domain.NodeStatusError, record.Nodes["transform"].Status)
	assert.Equal(t, domain.NodeStatusIdle, record.Nodes["output"].Status)
	assert.Equal(t, []string{"input"}, calls.list())
	assert.Less(t, record.Progress, 100)

	var errorLogs int
	for _, entry := range record.Logs {
		if entry.Level == domain.LogLevelError {
			errorLogs++
		}
	}
	assert.GreaterOrEqual(t, errorLogs, 1)
}

func TestExecutor_NonFinalAttemptReturnsToPending(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.registry.Register("load", ports.OperationFunc(func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
		return nil, errors.New("temporary outage")
	}), ports.OperationOptions{}))
	require.NoError(t, f.registry.Register("ocr", namedOperation(&callLog{}), ports.OperationOptions{}))
	require.NoError(t, f.registry.Register("store", namedOperation(&callLog{}), ports.OperationOptions{}))

	run := f.newRun(t, nameNodes(linearGraph()), nil)
	run.FinalAttempt = false

	err := f.executor.Execute(context.Background(), run)
	require.Error(t, err)
	assert.Equal(t, domain.ExecutionStatusPending, run.Record.Status)
	assert.Nil(t, run.Record.CompletedAt)
	assert.Equal(t, "input", run.Record.FailedNodeID)
}

func TestExecutor_ProgressIsMonotonic(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}
	for _, op := range []string{"load", "branch", "merge"} {
		require.NoError(t, f.registry.Register(op, namedOperation(calls), ports.OperationOptions{ParallelSafe: op == "branch"}))
	}

	run := f.newRun(t, nameNodes(diamondGraph()), nil)
	var reported []int
	run.OnProgress = func(p int) { reported = append(reported, p) }

	require.NoError(t, f.executor.Execute(context.Background(), run))

	last := 0
	for _, snap := range f.saver.all() {
		assert.GreaterOrEqual(t, snap.Progress, last)
		if snap.Progress == 100 {
			assert.Equal(t, domain.ExecutionStatusCompleted, snap.Status)
		}
		last = snap.Progress
	}
	assert.Equal(t, []int{25, 75, 99, 100}, reported)
}

func TestExecutor_CancelBetweenSteps(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}

	var run *Run
	require.NoError(t, f.registry.Register("load", ports.OperationFunc(func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
		calls.add("input")
		run.Token.Cancel()
		return []domain.ArtifactRef{{ID: "late"}}, nil
	}), ports.OperationOptions{}))
	require.NoError(t, f.registry.Register("ocr", namedOperation(calls), ports.OperationOptions{}))
	require.NoError(t, f.registry.Register("store", namedOperation(calls), ports.OperationOptions{}))

	run = f.newRun(t, nameNodes(linearGraph()), nil)
	err := f.executor.Execute(context.Background(), run)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRunCancelled))
	assert.Equal(t, []string{"input"}, calls.list())

	record := run.Record
	assert.Equal(t, domain.ExecutionStatusCancelled, record.Status)
	assert.Equal(t, domain.NodeStatusError, record.Nodes["input"].Status, "result of a node finished after cancellation is discarded")
	assert.Empty(t, record.Nodes["input"].Outputs)
	assert.Equal(t, domain.NodeStatusIdle, record.Nodes["transform"].Status)
	assert.Empty(t, record.OutputArtifacts)
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}
	for _, op := range []string{"load", "ocr", "store"} {
		require.NoError(t, f.registry.Register(op, namedOperation(calls), ports.OperationOptions{}))
	}

	run := f.newRun(t, nameNodes(linearGraph()), nil)
	run.Token.Cancel()

	err := f.executor.Execute(context.Background(), run)
	assert.True(t, errors.Is(err, domain.ErrRunCancelled))
	assert.Empty(t, calls.list())
	assert.Equal(t, domain.ExecutionStatusCancelled, run.Record.Status)
}

func TestExecutor_RejectsRunThatAlreadyStarted(t *testing.T) {
	f := newExecutorFixture(t)
	run := f.newRun(t, linearGraph(), nil)
	run.Record.Status = domain.ExecutionStatusRunning

	err := f.executor.Execute(context.Background(), run)
	assert.True(t, errors.Is(err, domain.ErrAlreadyStarted))
}

func TestExecutor_ConditionSkipsBranch(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}
	for _, op := range []string{"load", "ocr", "store"} {
		require.NoError(t, f.registry.Register(op, namedOperation(calls), ports.OperationOptions{}))
	}

	graph := nameNodes(buildGraph("branching",
		map[string]string{"input": "load", "ocr": "ocr", "after": "store", "archive": "store"},
		[]string{"input", "ocr", "after", "archive"},
		[2]string{"input", "ocr"},
		[2]string{"ocr", "after"},
		[2]string{"input", "archive"},
	))
	graph.Edges[0].Condition = &domain.Condition{Field: "count", Operator: domain.OpGreater, Value: 5}

	run := f.newRun(t, graph, nil)
	require.NoError(t, f.executor.Execute(context.Background(), run))

	record := run.Record
	assert.Equal(t, domain.ExecutionStatusCompleted, record.Status)
	assert.Equal(t, []string{"input", "archive"}, calls.list())
	assert.True(t, record.Nodes["ocr"].Skipped)
	assert.Equal(t, domain.NodeStatusIdle, record.Nodes["ocr"].Status)
	assert.True(t, record.Nodes["after"].Skipped)
	require.Len(t, record.OutputArtifacts, 1)
	assert.Equal(t, "archive-out", record.OutputArtifacts[0].ID)

	var warnings int
	for _, entry := range record.Logs {
		if entry.Level == domain.LogLevelWarn {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestExecutor_ConditionFailureFailsRun(t *testing.T) {
	f := newExecutorFixture(t)
	calls := &callLog{}
	for _, op := range []string{"load", "ocr", "store"} {
		require.NoError(t, f.registry.Register(op, namedOperation(calls), ports.OperationOptions{}))
	}

	graph := nameNodes(linearGraph())
	graph.Edges[0].Condition = &domain.Condition{Field: "node", Operator: domain.OpGreater, Value: 1}

	run := f.newRun(t, graph, nil)
	run.FinalAttempt = false

	err := f.executor.Execute(context.Background(), run)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConditionEvaluation))
	assert.Equal(t, domain.ExecutionStatusFailed, run.Record.Status, "condition failures are not retried")
	assert.Equal(t, "transform", run.Record.FailedNodeID)
	assert.Equal(t, []string{"input"}, calls.list())
}

func TestExecutor_PanickingHandler(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.registry.Register("load", ports.OperationFunc(func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
		panic("corrupt page table")
	}), ports.OperationOptions{}))

	graph := buildGraph("single", map[string]string{"only": "load"}, []string{"only"})
	run := f.newRun(t, graph, nil)

	err := f.executor.Execute(context.Background(), run)
	require.Error(t, err)

	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "only", panicErr.NodeID)
	assert.Equal(t, domain.ExecutionStatusFailed, run.Record.Status)
}

func TestExecutor_RunConfigOverridesNodeConfig(t *testing.T) {
	f := newExecutorFixture(t)

	var seen map[string]interface{}
	require.NoError(t, f.registry.Register("ocr", ports.OperationFunc(func(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
		seen = config
		return inputs, nil
	}), ports.OperationOptions{}))

	graph := buildGraph("cfg", map[string]string{"scan": "ocr"}, []string{"scan"})
	graph.Nodes[0].Config = map[string]interface{}{"lang": "en", "dpi": 300}

	run := f.newRun(t, graph, []domain.ArtifactRef{{ID: "in"}})
	run.Config = map[string]interface{}{"lang": "de"}

	require.NoError(t, f.executor.Execute(context.Background(), run))
	assert.Equal(t, "de", seen["lang"])
	assert.Equal(t, 300, seen["dpi"])
	assert.Equal(t, "en", graph.Nodes[0].Config["lang"])
	require.Len(t, run.Record.OutputArtifacts, 1)
	assert.Equal(t, "in", run.Record.OutputArtifacts[0].ID)
}

func TestExecutor_UnknownOperationAtRuntime(t *testing.T) {
	f := newExecutorFixture(t)
	graph := buildGraph("ghost", map[string]string{"x": "vanished"}, []string{"x"})
	run := f.newRun(t, graph, nil)

	err := f.executor.Execute(context.Background(), run)
	require.Error(t, err)
	assert.True(t, domain.IsHandler(err))
	assert.True(t, domain.IsNotFound(err))
	assert.Equal(t, domain.ExecutionStatusFailed, run.Record.Status)
}

func TestHistoricalCosts(t *testing.T) {
	costs := NewHistoricalCosts(2 * time.Second)
	node := domain.Node{ID: "n", Operation: "ocr"}

	assert.Equal(t, 2*time.Second, costs.Cost(node))

	costs.Observe("ocr", time.Second)
	costs.Observe("ocr", 3*time.Second)
	assert.Equal(t, 2*time.Second, costs.Cost(node))

	avg, ok := costs.Average("ocr")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, avg)

	_, ok = costs.Average("split")
	assert.False(t, ok)
}

func TestCancelToken(t *testing.T) {
	token := NewCancelToken()
	assert.False(t, token.Cancelled())

	token.Cancel()
	token.Cancel()
	assert.True(t, token.Cancelled())

	select {
	case <-token.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}
