package productionline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Azure/go-productionline/ctxlog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Phase is the position of a Builder in its run state machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePreparing Phase = "preparing"
	PhaseExecuting Phase = "executing"
	PhaseReporting Phase = "reporting"
)

type builderOptions struct {
	sink        Sink
	logger      *slog.Logger
	hooks       Hooks
	registrar   Registrar
	tracer      trace.Tracer
	updates     UpdateChecker
	settleDelay time.Duration
}

type BuilderOption func(*builderOptions)

func WithSink(sink Sink) BuilderOption {
	return func(options *builderOptions) {
		options.sink = sink
	}
}

func WithLogger(logger *slog.Logger) BuilderOption {
	return func(options *builderOptions) {
		options.logger = logger
	}
}

func WithHooks(hooks Hooks) BuilderOption {
	return func(options *builderOptions) {
		options.hooks = hooks
	}
}

// WithRegistration sets the task-registration phase, invoked by New and by every ResetAndRebuild.
func WithRegistration(registrar Registrar) BuilderOption {
	return func(options *builderOptions) {
		options.registrar = registrar
	}
}

func WithTracer(tracer trace.Tracer) BuilderOption {
	return func(options *builderOptions) {
		options.tracer = tracer
	}
}

func WithUpdateChecker(checker UpdateChecker) BuilderOption {
	return func(options *builderOptions) {
		options.updates = checker
	}
}

// DefaultSettleDelay is how long Watch waits before creating the monitor.
const DefaultSettleDelay = 100 * time.Millisecond

// WithSettleDelay postpones monitor creation in Watch. Zero disables the wait.
func WithSettleDelay(delay time.Duration) BuilderOption {
	return func(options *builderOptions) {
		options.settleDelay = delay
	}
}

// Builder composes a TaskQueue, a Timer and at most one Monitor around an
// immutable Config.
type Builder struct {
	cfg         Config
	sink        Sink
	logger      *slog.Logger
	hooks       Hooks
	registrar   Registrar
	tracer      trace.Tracer
	updates     UpdateChecker
	settleDelay time.Duration

	queue *TaskQueue
	timer *Timer

	mu       sync.Mutex
	phase    Phase
	inBefore bool
	cursor   int
	recorder runRecorder
	monitor  *Monitor

	// labels carried by more than one step of the current run
	sharedLabels map[string]bool
}

// New resolves the source and output roots to absolute paths and runs the
// registration phase once.
func New(cfg Config, optionDecorators ...BuilderOption) *Builder {
	options := &builderOptions{
		sink:        DiscardSink,
		logger:      slog.Default(),
		hooks:       NopHooks{},
		settleDelay: DefaultSettleDelay,
	}
	for _, decorator := range optionDecorators {
		decorator(options)
	}
	if options.tracer == nil {
		options.tracer = defaultTracer()
	}

	b := &Builder{
		cfg:         cfg.WithSource(absPath(cfg.Source())).WithOutput(absPath(cfg.Output())),
		sink:        options.sink,
		logger:      options.logger,
		hooks:       options.hooks,
		registrar:   options.registrar,
		tracer:      options.tracer,
		updates:     options.updates,
		settleDelay: options.settleDelay,
		queue:       NewTaskQueue(),
		timer:       NewTimer(),
		phase:       PhaseIdle,
		recorder:    runRecorder{status: RunStatusIdle},
	}

	if b.registrar != nil {
		b.registrar(b)
	}
	return b
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (b *Builder) Config() Config { return b.cfg }

func (b *Builder) Sink() Sink { return b.sink }

func (b *Builder) Logger() *slog.Logger { return b.logger }

func (b *Builder) Timer() *Timer { return b.timer }

// Queue exposes the task queue, mostly for inspection.
func (b *Builder) Queue() *TaskQueue { return b.queue }

func (b *Builder) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// AddTask registers a step. While OnBeforeRun is executing, steps are placed
// ahead of every previously registered step, in the order they are added.
func (b *Builder) AddTask(name string, step Step, optionDecorators ...StepOptionPreparer) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inBefore {
		seq := b.queue.Insert(b.cursor, name, step, optionDecorators...)
		b.cursor++
		return seq
	}
	return b.queue.Add(name, step, optionDecorators...)
}

func (b *Builder) Subscribe(kind EventKind, handler EventHandler) SubscriptionID {
	return b.queue.Subscribe(kind, handler)
}

func (b *Builder) Unsubscribe(id SubscriptionID) bool {
	return b.queue.Unsubscribe(id)
}

// ResetAndRebuild discards every registered step and runs the registration
// phase again. A run in flight is not interrupted.
func (b *Builder) ResetAndRebuild() {
	b.queue.Clear()
	b.queue.events.emit(Event{Kind: EventReset})
	b.logger.Debug("pipeline reset")
	if b.registrar != nil {
		b.registrar(b)
	}
}

// Run drives Idle, Preparing, Executing, Reporting and back to Idle. A failed
// step yields a partial report with Failure set, together with the
// *StepExecutionError.
func (b *Builder) Run(ctx context.Context, optionDecorators ...RunOptionPreparer) (*Report, error) {
	runID := newRunOptions(optionDecorators...).Id
	if runID == "" {
		runID = uuid.NewString()
	}

	b.mu.Lock()
	if b.phase != PhaseIdle {
		b.mu.Unlock()
		return nil, ErrQueueRunning.WithMessage(MsgQueueRunning)
	}
	b.phase = PhasePreparing
	b.recorder.reset(runID)
	b.mu.Unlock()
	defer b.setPhase(PhaseIdle)

	ctx, span := startRunSpan(ctx, b.tracer, runID, b.cfg)
	logger := b.logger.With("run_id", runID)
	ctx = ctxlog.WithLogger(ctx, logger)

	if err := b.timer.StartTime(RunMarker); err != nil {
		endSpan(span, err)
		return nil, err
	}

	if err := b.prepare(ctx); err != nil {
		endSpan(span, err)
		return nil, err
	}

	b.mu.Lock()
	b.inBefore, b.cursor = true, 0
	b.mu.Unlock()
	b.hooks.OnBeforeRun(ctx, b)
	b.mu.Lock()
	b.inBefore = false
	b.mu.Unlock()

	b.hooks.OnAfterRegistration(ctx, b)

	labels := make(map[string]int)
	for _, step := range b.queue.Steps() {
		labels[step.Label]++
	}
	b.mu.Lock()
	b.phase = PhaseExecuting
	b.sharedLabels = make(map[string]bool)
	for label, count := range labels {
		if count > 1 {
			b.sharedLabels[label] = true
		}
	}
	b.mu.Unlock()
	logger.Info("executing pipeline", "steps", b.queue.Len())

	spans := newStepSpans(ctx, b.tracer)
	subscriptions := []SubscriptionID{
		b.queue.Subscribe(EventStepStarted, func(e Event) { b.stepStarted(ctx, spans, e) }),
		b.queue.Subscribe(EventStepCompleted, func(e Event) { b.stepFinished(ctx, spans, e) }),
		b.queue.Subscribe(EventStepFailed, func(e Event) { b.stepFinished(ctx, spans, e) }),
	}
	runErr := b.queue.Run(ctx, optionDecorators...)
	for _, id := range subscriptions {
		b.queue.Unsubscribe(id)
	}

	b.setPhase(PhaseReporting)
	total, err := b.timer.TimeSince(RunMarker)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	b.mu.Lock()
	b.recorder.total = &total
	if runErr != nil {
		b.recorder.status = RunStatusFailed
		if b.recorder.failure == nil {
			b.recorder.failure = &RunFailure{Message: runErr.Error()}
		}
	} else {
		b.recorder.status = RunStatusCompleted
	}
	b.mu.Unlock()

	report := b.Report()
	endSpan(span, runErr)

	if runErr != nil {
		logger.Error("pipeline failed", "error", runErr)
		b.sink.Failure(fmt.Sprintf("\n  === FAILED: %s ===\n", runErr))
		return report, runErr
	}

	logger.Info("pipeline completed", "duration", total)
	b.sink.Success("\n  === DONE ===\n")
	return report, nil
}

func (b *Builder) setPhase(phase Phase) {
	b.mu.Lock()
	b.phase = phase
	b.mu.Unlock()
}

// prepare validates the configured paths, reports them and checks for updates.
// Configuration problems are warnings, never errors.
func (b *Builder) prepare(ctx context.Context) error {
	if err := b.timer.StartTime(PrepareMarker); err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx)

	for _, problem := range b.validate() {
		logger.Warn("configuration problem", "error", problem)
		b.sink.Warn(problem.Error())
	}

	b.sink.Info("Source:", b.cfg.Source())
	b.sink.Info("Output:", b.cfg.Output())
	if assets := b.cfg.Assets(); len(assets) > 0 {
		b.sink.Info("Assets:", strings.Join(assets, ", "))
	}
	if ignore := b.cfg.Ignore(); len(ignore) > 0 {
		b.sink.Info("Ignore:", strings.Join(ignore, ", "))
	}

	if b.cfg.CheckForUpdates() && b.updates != nil {
		notice, err := b.updates.CheckForUpdates(ctx)
		if err != nil {
			logger.Debug("update check failed", "error", err)
		} else if notice != "" {
			b.sink.Highlight(notice)
		}
	}

	elapsed, err := b.timer.TimeSince(PrepareMarker)
	if err != nil {
		return err
	}
	logger.Debug("prepared", "duration", elapsed)
	return nil
}

func (b *Builder) validate() []error {
	var problems []error

	info, err := os.Stat(b.cfg.Source())
	switch {
	case err != nil:
		problems = append(problems, ErrConfiguration.WithMessage(fmt.Sprintf(MsgSourceNotExist, b.cfg.Source())))
	case !info.IsDir():
		problems = append(problems, ErrConfiguration.WithMessage(fmt.Sprintf(MsgSourceNotDirectory, b.cfg.Source())))
	}

	for _, asset := range b.cfg.Assets() {
		if _, err := os.Stat(b.assetPath(asset)); err != nil {
			problems = append(problems, ErrConfiguration.WithMessage(fmt.Sprintf(MsgAssetNotExist, b.assetPath(asset))))
		}
	}
	return problems
}

func (b *Builder) assetPath(asset string) string {
	if filepath.IsAbs(asset) {
		return filepath.Clean(asset)
	}
	return filepath.Join(b.cfg.Source(), asset)
}

func (b *Builder) stepStarted(ctx context.Context, spans *stepSpans, e Event) {
	label := e.Step.Label
	if err := b.timer.StartTime(label); err != nil {
		ctxlog.FromContext(ctx).Error("start step timer", "step", label, "error", err)
	}
	spans.start(e.Step)
	b.sink.Info(fmt.Sprintf("  %d) %s started.", e.Step.Sequence, label))
}

func (b *Builder) stepFinished(ctx context.Context, spans *stepSpans, e Event) {
	spans.end(e.Step, e.Err)

	label := e.Step.Label
	record := StepRecord{
		Label:    label,
		Sequence: e.Step.Sequence,
		Start:    e.Step.ExecutionData.StartTime.Round(0),
		Duration: e.Step.ExecutionData.Duration.Seconds(),
	}
	// a marker shared by several steps only belongs to the last one started
	b.mu.Lock()
	shared := b.sharedLabels[label]
	b.mu.Unlock()
	if !shared {
		if marker, ok := b.timer.Marker(label); ok {
			record.Start = marker.Start
		}
		if seconds, err := b.timer.TimeSince(label); err == nil {
			record.Duration = seconds
		}
	}
	record.End = record.Start.Add(time.Duration(record.Duration * float64(time.Second)))

	b.mu.Lock()
	b.recorder.tasks = append(b.recorder.tasks, record)
	if e.Kind == EventStepFailed && b.recorder.failure == nil {
		failure := &RunFailure{Step: label, Sequence: e.Step.Sequence}
		if e.Err != nil {
			failure.Message = e.Err.Error()
		}
		b.recorder.failure = failure
	}
	b.mu.Unlock()

	if e.Kind == EventStepFailed {
		ctxlog.FromContext(ctx).Error("step failed", "step", label, "sequence", e.Step.Sequence, "error", e.Err)
		b.sink.Failure(fmt.Sprintf("  %d) %s failed: %v", e.Step.Sequence, label, e.Err))
		return
	}
	ctxlog.FromContext(ctx).Debug("step completed", "step", label, "sequence", e.Step.Sequence, "duration", record.Duration)
	b.sink.Log(fmt.Sprintf("  %d) %s completed.", e.Step.Sequence, label))
}

// Report assembles a fresh snapshot of the current or most recent run. The
// total keeps running until the run reaches its reporting phase.
func (b *Builder) Report() *Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := &Report{
		RunID:  b.recorder.runID,
		Status: b.recorder.status,
		Tasks:  append([]StepRecord{}, b.recorder.tasks...),
		Source: b.cfg.Source(),
		Output: b.cfg.Output(),
		Assets: b.cfg.Assets(),
		Ignore: b.cfg.Ignore(),
	}
	if b.recorder.total != nil {
		report.Total = *b.recorder.total
	} else if total, err := b.timer.TimeSince(RunMarker); err == nil {
		report.Total = total
	}
	if b.recorder.failure != nil {
		failure := *b.recorder.failure
		report.Failure = &failure
	}
	return report
}

// Watch starts the builder's monitor on the source root. Every change resets
// the pipeline, calls callback and runs the pipeline again. While the monitor
// is active further calls return it unchanged.
func (b *Builder) Watch(ctx context.Context, callback MonitorCallback, optionDecorators ...RunOptionPreparer) (*Monitor, error) {
	b.mu.Lock()
	if b.monitor != nil && b.monitor.State() == MonitorActive {
		m := b.monitor
		b.mu.Unlock()
		b.logger.Warn("monitor already running", "error", ErrMonitorExists.WithMessage(fmt.Sprintf(MsgMonitorExists, m.Root())))
		return m, nil
	}
	b.mu.Unlock()

	if b.settleDelay > 0 {
		select {
		case <-time.After(b.settleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	rebuild := func(action Action, path string) error {
		if callback != nil {
			if err := callback(action, path); err != nil {
				return err
			}
		}
		_, err := b.Run(ctx, optionDecorators...)
		return err
	}

	m, err := NewMonitor(b.cfg.Source(), b.cfg.Ignore(), b, rebuild,
		WithMonitorLogger(b.logger),
		WithMonitorHandler(EventChange, func(e Event) {
			b.sink.Highlight(fmt.Sprintf("%s %s", e.Action, b.RelativePath(e.Path)))
		}),
		WithMonitorHandler(EventError, func(e Event) {
			b.sink.Failure(e.Err.Error())
		}),
	)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.monitor != nil && b.monitor.State() == MonitorActive {
		existing := b.monitor
		b.mu.Unlock()
		_ = m.Stop()
		return existing, nil
	}
	b.monitor = m
	b.mu.Unlock()

	b.sink.Info("Watching", b.cfg.Source())
	return m, nil
}

// Exec dispatches args to the command named by args[0], falling back to the
// default command with the full argument list. An unknown command is reported
// through the sink and is not an error.
func (b *Builder) Exec(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if cmd, ok := b.cfg.Command(args[0]); ok {
			return cmd(ctx, b, args[1:])
		}
	}
	if cmd, ok := b.cfg.Command(DefaultCommand); ok {
		return cmd(ctx, b, args)
	}

	name := DefaultCommand
	if len(args) > 0 {
		name = args[0]
	}
	b.sink.Failure(ErrUnknownCommand.WithMessage(fmt.Sprintf(MsgUnknownCommand, name)).Error())
	return nil
}

// OutputDirectory maps a path under the source root to the same path under
// the output root. Other paths are returned unchanged.
func (b *Builder) OutputDirectory(p string) string {
	if rest, ok := underRoot(b.cfg.Source(), p); ok {
		return filepath.Join(b.cfg.Output(), rest)
	}
	return p
}

// LocalDirectory is the inverse of OutputDirectory: it maps a path under the
// output root back under the source root.
func (b *Builder) LocalDirectory(p string) string {
	if rest, ok := underRoot(b.cfg.Output(), p); ok {
		return filepath.Join(b.cfg.Source(), rest)
	}
	return p
}

// RelativePath strips the source or output root from p.
func (b *Builder) RelativePath(p string) string {
	if rest, ok := underRoot(b.cfg.Source(), p); ok {
		return rest
	}
	if rest, ok := underRoot(b.cfg.Output(), p); ok {
		return rest
	}
	return p
}

// underRoot returns p relative to root when p is root or lies beneath it.
func underRoot(root, p string) (string, bool) {
	root, p = filepath.Clean(root), filepath.Clean(p)
	if p == root {
		return ".", true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p[len(prefix):], true
}
