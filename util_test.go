package productionline_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/go-productionline"
)

// buildLib is a fake pipeline whose steps record the order they ran in.
type buildLib struct {
	ErrorInjection map[string]func() error

	counter atomic.Int32
	mu      sync.Mutex
	order   []string
}

func newBuildLib(errorInjection map[string]func() error) *buildLib {
	return &buildLib{ErrorInjection: errorInjection}
}

func (bl *buildLib) record(name string) error {
	bl.mu.Lock()
	bl.order = append(bl.order, name)
	bl.mu.Unlock()

	if errFunc, ok := bl.ErrorInjection[name]; ok {
		if err := errFunc(); err != nil {
			return err
		}
	}
	bl.counter.Add(1)
	return nil
}

func (bl *buildLib) step(name string) productionline.Step {
	return productionline.Sync(func(ctx context.Context) error {
		return bl.record(name)
	})
}

func (bl *buildLib) asyncStep(name string, delay time.Duration) productionline.Step {
	return productionline.Async(func(ctx context.Context, done productionline.Done) {
		go func() {
			time.Sleep(delay)
			done(bl.record(name))
		}()
	})
}

func (bl *buildLib) panicStep(name string) productionline.Step {
	return productionline.Sync(func(ctx context.Context) error {
		bl.mu.Lock()
		bl.order = append(bl.order, name)
		bl.mu.Unlock()
		panic(fmt.Sprintf("%s exploded", name))
	})
}

func (bl *buildLib) executed() []string {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return append([]string(nil), bl.order...)
}

// getErrorFunc fails the first count invocations with err.
func getErrorFunc(err error, count int) func() error {
	var calls atomic.Int32
	return func() error {
		if int(calls.Add(1)) <= count {
			return err
		}
		return nil
	}
}

type subscriber interface {
	Subscribe(kind productionline.EventKind, handler productionline.EventHandler) productionline.SubscriptionID
}

// eventRecorder keeps every event of the subscribed kinds in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []productionline.Event
}

func recordEvents(s subscriber, kinds ...productionline.EventKind) *eventRecorder {
	er := &eventRecorder{}
	for _, kind := range kinds {
		s.Subscribe(kind, func(e productionline.Event) {
			er.mu.Lock()
			er.events = append(er.events, e)
			er.mu.Unlock()
		})
	}
	return er
}

var lifecycleEvents = []productionline.EventKind{
	productionline.EventStepStarted,
	productionline.EventStepCompleted,
	productionline.EventStepFailed,
	productionline.EventRunCompleted,
	productionline.EventRunFailed,
}

func (er *eventRecorder) all() []productionline.Event {
	er.mu.Lock()
	defer er.mu.Unlock()
	return append([]productionline.Event(nil), er.events...)
}

func (er *eventRecorder) count(kind productionline.EventKind) int {
	n := 0
	for _, e := range er.all() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// trace renders step events as "kind:label" and run events as their kind.
func (er *eventRecorder) trace() []string {
	var out []string
	for _, e := range er.all() {
		if e.Step != nil {
			out = append(out, fmt.Sprintf("%s:%s", e.Kind, e.Step.Label))
			continue
		}
		out = append(out, string(e.Kind))
	}
	return out
}
