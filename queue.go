package productionline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/go-asynctask"
	"github.com/Azure/go-productionline/graph"
)

const queueRootName = "$queue"

type RunOptions struct {
	Id              string
	RunSequentially bool
}

type RunOptionPreparer func(*RunOptions) *RunOptions

func WithRunId(runId string) RunOptionPreparer {
	return func(options *RunOptions) *RunOptions {
		options.Id = runId
		return options
	}
}

func WithSequentialExecution() RunOptionPreparer {
	return func(options *RunOptions) *RunOptions {
		options.RunSequentially = true
		return options
	}
}

// WithParallelExecution launches every step at once. Steps that clear an
// output location can race with steps that populate it; ordering such steps
// is the caller's responsibility.
func WithParallelExecution() RunOptionPreparer {
	return func(options *RunOptions) *RunOptions {
		options.RunSequentially = false
		return options
	}
}

func newRunOptions(optionDecorators ...RunOptionPreparer) *RunOptions {
	options := &RunOptions{RunSequentially: true}
	for _, decorator := range optionDecorators {
		options = decorator(options)
	}
	return options
}

// TaskQueue is an ordered list of steps plus the engine that runs them.
type TaskQueue struct {
	mu           sync.Mutex
	steps        []*queuedStep
	nextSequence int
	running      bool
	events       *eventBus
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{events: newEventBus()}
}

// Add appends a step and returns its sequence number.
func (q *TaskQueue) Add(name string, step Step, optionDecorators ...StepOptionPreparer) int {
	return q.Insert(-1, name, step, optionDecorators...)
}

// Insert places a step at index (appending when index is out of range). The
// sequence number is still the next registration number, so numbers never
// shift once assigned.
func (q *TaskQueue) Insert(index int, name string, step Step, optionDecorators ...StepOptionPreparer) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextSequence++
	qs := newQueuedStep(name, q.nextSequence, step, optionDecorators...)

	if index < 0 || index >= len(q.steps) {
		q.steps = append(q.steps, qs)
	} else {
		q.steps = append(q.steps[:index], append([]*queuedStep{qs}, q.steps[index:]...)...)
	}
	return qs.sequence
}

// Clear discards every registered step and restarts sequence numbering.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.steps = nil
	q.nextSequence = 0
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steps)
}

// Running reports whether a Run is in flight.
func (q *TaskQueue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Steps returns snapshots of the registered steps in execution order.
func (q *TaskQueue) Steps() []StepInfo {
	q.mu.Lock()
	steps := append([]*queuedStep(nil), q.steps...)
	q.mu.Unlock()

	infos := make([]StepInfo, 0, len(steps))
	for _, step := range steps {
		infos = append(infos, step.info())
	}
	return infos
}

func (q *TaskQueue) Subscribe(kind EventKind, handler EventHandler) SubscriptionID {
	return q.events.subscribe(kind, handler)
}

func (q *TaskQueue) Unsubscribe(id SubscriptionID) bool {
	return q.events.unsubscribe(id)
}

// Run executes the registered steps and blocks until the queue completes or a
// step fails. Completion emits exactly one EventRunCompleted; a failure emits
// EventRunFailed instead and returns a *StepExecutionError. Either way the
// steps taking part in the run are discarded afterwards.
func (q *TaskQueue) Run(ctx context.Context, optionDecorators ...RunOptionPreparer) error {
	options := newRunOptions(optionDecorators...)

	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrQueueRunning.WithMessage(MsgQueueRunning)
	}
	q.running = true
	steps := append([]*queuedStep(nil), q.steps...)
	q.mu.Unlock()

	defer q.release(steps)

	var err error
	if options.RunSequentially {
		err = q.runSequentially(ctx, steps)
	} else {
		err = q.runInParallel(ctx, steps)
	}

	if err != nil {
		q.events.emit(Event{Kind: EventRunFailed, Err: err})
		return err
	}

	q.events.emit(Event{Kind: EventRunCompleted})
	return nil
}

func (q *TaskQueue) runSequentially(ctx context.Context, steps []*queuedStep) error {
	for _, step := range steps {
		task := asynctask.Start(ctx, asynctask.ActionToFunc(q.instrument(step)))
		if err := task.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *TaskQueue) runInParallel(ctx context.Context, steps []*queuedStep) error {
	tasks := make([]asynctask.Waitable, 0, len(steps))
	for _, step := range steps {
		tasks = append(tasks, asynctask.Start(ctx, asynctask.ActionToFunc(q.instrument(step))))
	}

	waitErr := asynctask.WaitAll(ctx, &asynctask.WaitAllOptions{}, tasks...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	// every task is terminal here, report the first failure in queue order
	for _, task := range tasks {
		if err := task.Wait(ctx); err != nil {
			stepErr := &StepExecutionError{}
			if errors.As(err, &stepErr) {
				return stepErr
			}
			return err
		}
	}
	return waitErr
}

// instrument wraps a step with state tracking, timing and lifecycle events.
func (q *TaskQueue) instrument(step *queuedStep) func(context.Context) error {
	return func(ctx context.Context) error {
		step.mu.Lock()
		step.state = StepStateRunning
		step.executionData.StartTime = time.Now()
		step.mu.Unlock()

		started := step.info()
		q.events.emit(Event{Kind: EventStepStarted, Step: &started})

		err := step.run(ctx)

		step.mu.Lock()
		step.executionData.EndTime = time.Now()
		step.executionData.Duration = step.executionData.EndTime.Sub(step.executionData.StartTime)
		if err != nil {
			step.state = StepStateFailed
		} else {
			step.state = StepStateCompleted
		}
		step.mu.Unlock()

		finished := step.info()
		if err != nil {
			stepErr := newStepExecutionError(step, err)
			q.events.emit(Event{Kind: EventStepFailed, Step: &finished, Err: stepErr})
			return stepErr
		}

		q.events.emit(Event{Kind: EventStepCompleted, Step: &finished})
		return nil
	}
}

// release ends a run, dropping the steps that took part in it. Steps
// registered meanwhile (for example by a reset) are kept.
func (q *TaskQueue) release(ran []*queuedStep) {
	q.mu.Lock()
	defer q.mu.Unlock()

	done := make(map[*queuedStep]bool, len(ran))
	for _, step := range ran {
		done[step] = true
	}

	kept := q.steps[:0:0]
	for _, step := range q.steps {
		if !done[step] {
			kept = append(kept, step)
		}
	}
	q.steps = kept
	if len(q.steps) == 0 {
		q.nextSequence = 0
	}
	q.running = false
}

// Visualize renders the queue as a graphviz DOT graph: a chain when
// sequential, a fan-out from the queue root when parallel.
func (q *TaskQueue) Visualize(optionDecorators ...RunOptionPreparer) (string, error) {
	options := newRunOptions(optionDecorators...)
	g := graph.NewGraph[*stepNode](connectStepNodes)

	root := &stepNode{root: true, StepInfo: StepInfo{Name: queueRootName, Label: queueRootName, State: StepStateCompleted}}
	if err := g.AddNode(root); err != nil {
		return "", err
	}

	previous := root
	for _, info := range q.Steps() {
		node := &stepNode{StepInfo: info}
		if err := g.AddNode(node); err != nil {
			return "", fmt.Errorf("add step %q to graph: %w", info.Label, err)
		}
		if err := g.Connect(previous.DotSpec().ID, node.DotSpec().ID); err != nil {
			return "", err
		}
		if options.RunSequentially {
			previous = node
		}
	}

	return g.ToDotGraph()
}

type stepNode struct {
	StepInfo
	root bool
}

func (sn *stepNode) DotSpec() *graph.DotNodeSpec {
	id := sn.Label
	if !sn.root {
		id = fmt.Sprintf("%d_%s", sn.Sequence, sn.Label)
	}

	shape := "box"
	if sn.root {
		shape = "triangle"
	}

	color := "gray"
	switch sn.State {
	case StepStateRunning:
		color = "yellow"
	case StepStateCompleted:
		color = "green"
	case StepStateFailed:
		color = "red"
	}

	tooltip := ""
	if sn.State != StepStatePending && !sn.ExecutionData.StartTime.IsZero() {
		tooltip = fmt.Sprintf("State: %s\\nStartAt: %s\\nDuration: %s", sn.State, sn.ExecutionData.StartTime.Format(time.RFC3339Nano), sn.ExecutionData.Duration)
	}

	return &graph.DotNodeSpec{
		ID:        id,
		Name:      sn.Label,
		Shape:     shape,
		Style:     "filled",
		FillColor: color,
		Tooltip:   tooltip,
	}
}

func connectStepNodes(from, to *stepNode) *graph.DotEdgeSpec {
	edgeSpec := &graph.DotEdgeSpec{
		FromNodeID: from.DotSpec().ID,
		ToNodeID:   to.DotSpec().ID,
		Color:      "black",
		Style:      "bold",
	}

	if from.State == StepStateCompleted {
		edgeSpec.Color = "green"
	} else if from.State == StepStateFailed {
		edgeSpec.Color = "red"
	}

	return edgeSpec
}
