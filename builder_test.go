package productionline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/go-productionline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordingSink keeps every notice as "level: text".
type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (rs *recordingSink) add(level string, args []any) {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprint(arg)
	}
	rs.mu.Lock()
	rs.lines = append(rs.lines, level+": "+strings.Join(parts, " "))
	rs.mu.Unlock()
}

func (rs *recordingSink) Info(args ...any)      { rs.add("info", args) }
func (rs *recordingSink) Warn(args ...any)      { rs.add("warn", args) }
func (rs *recordingSink) Failure(args ...any)   { rs.add("failure", args) }
func (rs *recordingSink) Success(args ...any)   { rs.add("success", args) }
func (rs *recordingSink) Log(args ...any)       { rs.add("log", args) }
func (rs *recordingSink) Highlight(args ...any) { rs.add("highlight", args) }

func (rs *recordingSink) withPrefix(prefix string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []string
	for _, line := range rs.lines {
		if strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// newProjectConfig lays out src/ with an assets directory and returns a config rooted there.
func newProjectConfig(t *testing.T) productionline.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "assets"), 0o755))
	return productionline.DefaultConfig().
		WithSource(filepath.Join(dir, "src")).
		WithOutput(filepath.Join(dir, "dist")).
		WithCheckForUpdates(false)
}

func TestBuilderSequentialRun(t *testing.T) {
	t.Parallel()
	lib := newBuildLib(nil)
	sink := &recordingSink{}

	b := productionline.New(newProjectConfig(t), productionline.WithSink(sink), productionline.WithRegistration(func(b *productionline.Builder) {
		b.AddTask("A", lib.step("A"))
		b.AddTask("B", lib.step("B"))
		b.AddTask("C", lib.asyncStep("C", 600*time.Millisecond))
	}))
	events := recordEvents(b, lifecycleEvents...)

	report, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(3), lib.counter.Load())
	assert.Equal(t, 1, events.count(productionline.EventRunCompleted))
	assert.GreaterOrEqual(t, report.Total, 0.6)
	assert.Equal(t, productionline.RunStatusCompleted, report.Status)
	assert.NotEmpty(t, report.RunID)
	assert.Nil(t, report.Failure)

	require.Len(t, report.Tasks, 3)
	var labels []string
	for _, task := range report.Tasks {
		labels = append(labels, task.Label)
		assert.False(t, task.End.Before(task.Start))
	}
	assert.Equal(t, []string{"A", "B", "C"}, labels)
	assert.GreaterOrEqual(t, report.Tasks[2].Duration, 0.6)

	assert.Equal(t, []string{"success: \n  === DONE ===\n"}, sink.withPrefix("success"))
	assert.Contains(t, sink.withPrefix("log"), "log:   3) C completed.")
	assert.Equal(t, productionline.PhaseIdle, b.Phase())
	assert.Equal(t, 0, b.Queue().Len())
}

type wrappingHooks struct {
	productionline.NopHooks
	lib *buildLib
}

func (wh *wrappingHooks) OnBeforeRun(ctx context.Context, b *productionline.Builder) {
	b.AddTask("before", wh.lib.step("before"))
}

func (wh *wrappingHooks) OnAfterRegistration(ctx context.Context, b *productionline.Builder) {
	b.AddTask("after", wh.lib.step("after"))
}

func TestBuilderHooksWrapRegisteredSteps(t *testing.T) {
	t.Parallel()
	lib := newBuildLib(nil)

	b := productionline.New(newProjectConfig(t),
		productionline.WithHooks(&wrappingHooks{lib: lib}),
		productionline.WithRegistration(func(b *productionline.Builder) {
			b.AddTask("first", lib.step("first"))
			b.AddTask("second", lib.step("second"))
		}))
	events := recordEvents(b, productionline.EventStepCompleted)

	report, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "first", "second", "after"}, lib.executed())
	assert.Equal(t, 4, events.count(productionline.EventStepCompleted))
	require.Len(t, report.Tasks, 4)
	assert.Equal(t, "before", report.Tasks[0].Label)
	assert.Equal(t, "after", report.Tasks[3].Label)
}

func TestBuilderHookFuncsInsertInOrder(t *testing.T) {
	t.Parallel()
	lib := newBuildLib(nil)

	b := productionline.New(newProjectConfig(t),
		productionline.WithHooks(productionline.HookFuncs{
			BeforeRun: func(ctx context.Context, b *productionline.Builder) {
				b.AddTask("b1", lib.step("b1"))
				b.AddTask("b2", lib.step("b2"))
			},
		}),
		productionline.WithRegistration(func(b *productionline.Builder) {
			b.AddTask("main", lib.step("main"))
		}))

	_, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "main"}, lib.executed())
}

func TestBuilderFailureProducesPartialReport(t *testing.T) {
	t.Parallel()
	lib := newBuildLib(map[string]func() error{"compile": getErrorFunc(errors.New("syntax error"), 1)})
	sink := &recordingSink{}

	b := productionline.New(newProjectConfig(t), productionline.WithSink(sink), productionline.WithRegistration(func(b *productionline.Builder) {
		b.AddTask("lint", lib.step("lint"))
		b.AddTask("compile", lib.step("compile"))
		b.AddTask("package", lib.step("package"))
	}))

	report, err := b.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, productionline.ErrStepFailed)

	require.NotNil(t, report)
	assert.Equal(t, productionline.RunStatusFailed, report.Status)
	require.NotNil(t, report.Failure)
	assert.Equal(t, "compile", report.Failure.Step)
	assert.Equal(t, 2, report.Failure.Sequence)
	assert.Contains(t, report.Failure.Message, "syntax error")
	assert.Len(t, report.Tasks, 2)

	assert.NotEmpty(t, sink.withPrefix("failure"))
	assert.Empty(t, sink.withPrefix("success"))
	assert.Equal(t, productionline.PhaseIdle, b.Phase())
}

func TestBuilderReportIsFreshSnapshot(t *testing.T) {
	t.Parallel()
	lib := newBuildLib(nil)
	b := productionline.New(newProjectConfig(t), productionline.WithRegistration(func(b *productionline.Builder) {
		b.AddTask("A", lib.step("A"))
	}))

	assert.Equal(t, productionline.RunStatusIdle, b.Report().Status)

	first, err := b.Run(context.Background())
	require.NoError(t, err)
	first.Tasks[0].Label = "mutated"
	assert.Equal(t, "A", b.Report().Tasks[0].Label)
	assert.NotSame(t, b.Report(), b.Report())

	b.ResetAndRebuild()
	second, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, second.Tasks, 1)

	b.ResetAndRebuild()
	third, err := b.Run(context.Background(), productionline.WithRunId("nightly-42"))
	require.NoError(t, err)
	assert.Equal(t, "nightly-42", third.RunID)
}

func TestBuilderResetAndRebuild(t *testing.T) {
	t.Parallel()
	lib := newBuildLib(nil)
	var lengthsBeforeRegistration []int

	var b *productionline.Builder
	b = productionline.New(newProjectConfig(t), productionline.WithRegistration(func(reg *productionline.Builder) {
		if b != nil {
			lengthsBeforeRegistration = append(lengthsBeforeRegistration, b.Queue().Len())
		}
		reg.AddTask("A", lib.step("A"))
		reg.AddTask("B", lib.step("B"))
	}))
	resets := recordEvents(b, productionline.EventReset)

	assert.Equal(t, 2, b.Queue().Len())
	b.ResetAndRebuild()
	b.ResetAndRebuild()

	assert.Equal(t, []int{0, 0}, lengthsBeforeRegistration)
	assert.Equal(t, 2, b.Queue().Len())
	assert.Equal(t, 2, resets.count(productionline.EventReset))

	var sequences []int
	for _, info := range b.Queue().Steps() {
		sequences = append(sequences, info.Sequence)
	}
	assert.Equal(t, []int{1, 2}, sequences)
}

func TestBuilderConfigurationWarnings(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	dir := t.TempDir()
	cfg := productionline.DefaultConfig().
		WithSource(filepath.Join(dir, "missing")).
		WithOutput(filepath.Join(dir, "dist")).
		WithAssets("./img")

	b := productionline.New(cfg, productionline.WithSink(sink))
	_, err := b.Run(context.Background())
	require.NoError(t, err)

	warnings := sink.withPrefix("warn")
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "Configuration: source directory")
	assert.Contains(t, warnings[1], "Configuration: asset path")
}

func TestBuilderUpdateChecker(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	calls := 0
	checker := productionline.UpdateCheckerFunc(func(ctx context.Context) (string, error) {
		calls++
		return "version 2.0.0 is available", nil
	})

	cfg := newProjectConfig(t)
	_, err := productionline.New(cfg.WithCheckForUpdates(true), productionline.WithSink(sink), productionline.WithUpdateChecker(checker)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"highlight: version 2.0.0 is available"}, sink.withPrefix("highlight"))

	_, err = productionline.New(cfg, productionline.WithUpdateChecker(checker)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBuilderPathHelpers(t *testing.T) {
	t.Parallel()
	cfg := productionline.DefaultConfig().WithSource("/work/src").WithOutput("/work/dist")
	b := productionline.New(cfg)

	local := filepath.FromSlash("/work/src/js/app.js")
	out := filepath.FromSlash("/work/dist/js/app.js")

	assert.Equal(t, out, b.OutputDirectory(local))
	assert.Equal(t, local, b.LocalDirectory(out))
	assert.Equal(t, local, b.LocalDirectory(b.OutputDirectory(local)))
	assert.Equal(t, out, b.OutputDirectory(b.LocalDirectory(out)))

	assert.Equal(t, filepath.FromSlash("js/app.js"), b.RelativePath(local))
	assert.Equal(t, filepath.FromSlash("js/app.js"), b.RelativePath(out))

	// prefixes only match on path boundaries
	sibling := filepath.FromSlash("/work/srcfiles/app.js")
	assert.Equal(t, sibling, b.OutputDirectory(sibling))
	assert.Equal(t, sibling, b.RelativePath(sibling))
}

func TestBuilderExec(t *testing.T) {
	t.Parallel()
	var got []string
	record := func(name string) productionline.Command {
		return func(ctx context.Context, b *productionline.Builder, args []string) error {
			got = append(got, name+":"+strings.Join(args, ","))
			return nil
		}
	}

	sink := &recordingSink{}
	cfg := productionline.DefaultConfig().WithCommand("dev", record("dev"))
	b := productionline.New(cfg, productionline.WithSink(sink))

	require.NoError(t, b.Exec(context.Background(), []string{"dev", "--fast"}))
	require.NoError(t, b.Exec(context.Background(), []string{"deploy"}))
	assert.Equal(t, []string{"dev:--fast"}, got)
	assert.Equal(t, []string{`failure: UnknownCommand: command "deploy" is not registered`}, sink.withPrefix("failure"))

	b = productionline.New(cfg.WithCommand(productionline.DefaultCommand, record("default")), productionline.WithSink(sink))
	require.NoError(t, b.Exec(context.Background(), []string{"deploy", "now"}))
	require.NoError(t, b.Exec(context.Background(), nil))
	assert.Equal(t, []string{"dev:--fast", "default:deploy,now", "default:"}, got)

	failing := productionline.DefaultConfig().WithCommand("boom", func(context.Context, *productionline.Builder, []string) error {
		return errors.New("boom")
	})
	assert.EqualError(t, productionline.New(failing).Exec(context.Background(), []string{"boom"}), "boom")
}

func TestBuilderConcurrentRunRejected(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})

	b := productionline.New(newProjectConfig(t), productionline.WithRegistration(func(b *productionline.Builder) {
		b.AddTask("blocking", productionline.Sync(func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}))
	}))

	result := make(chan error, 1)
	go func() {
		_, err := b.Run(context.Background())
		result <- err
	}()
	<-started

	assert.Equal(t, productionline.PhaseExecuting, b.Phase())
	report, err := b.Run(context.Background())
	assert.Nil(t, report)
	assert.ErrorIs(t, err, productionline.ErrQueueRunning)

	live := b.Report()
	assert.Equal(t, productionline.RunStatusRunning, live.Status)
	assert.Greater(t, live.Total, 0.0)

	close(release)
	assert.NoError(t, <-result)
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("productionline-test"), recorder
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func TestBuilderTracing(t *testing.T) {
	t.Parallel()
	tracer, recorder := newTestTracer()
	lib := newBuildLib(map[string]func() error{"broken": getErrorFunc(errors.New("broken"), 1)})

	b := productionline.New(newProjectConfig(t), productionline.WithTracer(tracer), productionline.WithRegistration(func(b *productionline.Builder) {
		b.AddTask("ok", lib.step("ok"))
		b.AddTask("broken", lib.step("broken"))
	}))
	_, err := b.Run(context.Background())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	run := findSpanByName(spans, productionline.RunSpanName)
	require.NotNil(t, run)
	assert.Equal(t, "Error", run.Status().Code.String())

	ok := findSpanByName(spans, "ok")
	require.NotNil(t, ok)
	assert.Equal(t, run.SpanContext().SpanID(), ok.Parent().SpanID())
	assert.Equal(t, "Unset", ok.Status().Code.String())

	broken := findSpanByName(spans, "broken")
	require.NotNil(t, broken)
	assert.Equal(t, "Error", broken.Status().Code.String())
}

func TestBuilderParallelStepsSharingALabel(t *testing.T) {
	t.Parallel()
	slow := productionline.Sync(func(ctx context.Context) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	fast := productionline.Sync(func(ctx context.Context) error { return nil })

	b := productionline.New(newProjectConfig(t), productionline.WithRegistration(func(b *productionline.Builder) {
		b.AddTask("copy", slow)
		b.AddTask("copy", fast)
	}))

	var mu sync.Mutex
	executions := map[int]productionline.StepExecutionData{}
	b.Subscribe(productionline.EventStepCompleted, func(e productionline.Event) {
		mu.Lock()
		executions[e.Step.Sequence] = e.Step.ExecutionData
		mu.Unlock()
	})

	report, err := b.Run(context.Background(), productionline.WithParallelExecution())
	require.NoError(t, err)
	require.Len(t, report.Tasks, 2)

	mu.Lock()
	defer mu.Unlock()
	for _, record := range report.Tasks {
		data, ok := executions[record.Sequence]
		require.True(t, ok)
		assert.True(t, data.StartTime.Equal(record.Start), "step %d start", record.Sequence)
		assert.Equal(t, data.Duration.Seconds(), record.Duration, "step %d duration", record.Sequence)
	}

	bySequence := map[int]productionline.StepRecord{}
	for _, record := range report.Tasks {
		bySequence[record.Sequence] = record
	}
	assert.GreaterOrEqual(t, bySequence[1].Duration, 0.15)
	assert.Less(t, bySequence[2].Duration, 0.15)
}

func TestBuilderWatchSettleDelay(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	delayed := productionline.New(newProjectConfig(t))
	m, err := delayed.Watch(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, m)

	immediate := productionline.New(newProjectConfig(t), productionline.WithSettleDelay(0))
	m, err = immediate.Watch(ctx, nil)
	require.NoError(t, err)
	defer m.Stop()
	assert.Equal(t, productionline.MonitorActive, m.State())
}
