package productionline

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Action classifies a detected filesystem change.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type MonitorState string

const (
	MonitorActive  MonitorState = "active"
	MonitorStopped MonitorState = "stopped"
)

// Resetter discards the registered steps and re-runs task registration.
type Resetter interface {
	ResetAndRebuild()
}

// MonitorCallback is invoked with the absolute path of every change, after the reset.
type MonitorCallback func(action Action, path string) error

type monitorOptions struct {
	logger   *slog.Logger
	handlers map[EventKind][]EventHandler
}

type MonitorOption func(*monitorOptions)

func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(options *monitorOptions) {
		options.logger = logger
	}
}

// WithMonitorHandler subscribes handler before watching starts, so it also observes EventReady.
func WithMonitorHandler(kind EventKind, handler EventHandler) MonitorOption {
	return func(options *monitorOptions) {
		options.handlers[kind] = append(options.handlers[kind], handler)
	}
}

// Monitor watches a directory tree and funnels every change through a reset
// followed by the callback. Changes are dispatched one at a time, in arrival
// order, and are never coalesced.
type Monitor struct {
	root     string
	ignore   *ignoreMatcher
	resetter Resetter
	callback MonitorCallback
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	events   *eventBus

	mu      sync.Mutex
	state   MonitorState
	watched map[string]bool
	closeCh chan struct{}
	done    chan struct{}
}

// NewMonitor starts watching root recursively. Files that exist already do not produce events.
func NewMonitor(root string, ignore []string, resetter Resetter, callback MonitorCallback, optionDecorators ...MonitorOption) (*Monitor, error) {
	options := &monitorOptions{logger: slog.Default(), handlers: make(map[EventKind][]EventHandler)}
	for _, decorator := range optionDecorators {
		decorator(options)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve monitor root %q: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, ErrConfiguration.WithMessage(fmt.Sprintf(MsgSourceNotExist, absRoot))
	}
	if !info.IsDir() {
		return nil, ErrConfiguration.WithMessage(fmt.Sprintf(MsgSourceNotDirectory, absRoot))
	}

	matcher, err := newIgnoreMatcher(absRoot, ignore)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	m := &Monitor{
		root:     absRoot,
		ignore:   matcher,
		resetter: resetter,
		callback: callback,
		logger:   options.logger.With("root", absRoot),
		watcher:  watcher,
		events:   newEventBus(),
		state:    MonitorActive,
		watched:  make(map[string]bool),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for kind, handlers := range options.handlers {
		for _, handler := range handlers {
			m.events.subscribe(kind, handler)
		}
	}

	if _, err := m.watchTree(absRoot); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", absRoot, err)
	}

	// processLoop writes m.watched once it runs
	m.logger.Debug("monitor ready", "directories", len(m.watched))
	go m.processLoop()

	m.events.emit(Event{Kind: EventReady, Path: absRoot})
	return m, nil
}

func (m *Monitor) Root() string {
	return m.root
}

func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Subscribe(kind EventKind, handler EventHandler) SubscriptionID {
	return m.events.subscribe(kind, handler)
}

func (m *Monitor) Unsubscribe(id SubscriptionID) bool {
	return m.events.unsubscribe(id)
}

// Done is closed once the monitor has stopped dispatching.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Stop closes the subscription and emits EventClose. Calling it again is a
// no-op. It does not wait for a dispatch in flight, so a callback may call it.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.state == MonitorStopped {
		m.mu.Unlock()
		return nil
	}
	m.state = MonitorStopped
	close(m.closeCh)
	m.mu.Unlock()

	err := m.watcher.Close()
	m.logger.Debug("monitor stopped")
	m.events.emit(Event{Kind: EventClose, Path: m.root})
	return err
}

func (m *Monitor) processLoop() {
	defer close(m.done)

	for {
		select {
		case <-m.closeCh:
			return

		case fsEvent, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleFSEvent(fsEvent)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("file watcher error", "error", err)
			m.events.emit(Event{Kind: EventError, Err: err})
		}
	}
}

func (m *Monitor) handleFSEvent(fsEvent fsnotify.Event) {
	if m.ignore.Match(fsEvent.Name) {
		return
	}

	action, ok := classify(fsEvent.Op)
	if !ok {
		return
	}

	if action == ActionDelete {
		m.mu.Lock()
		delete(m.watched, fsEvent.Name)
		m.mu.Unlock()
	}

	m.dispatch(action, fsEvent.Name)

	if action == ActionCreate {
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			// files written before the watch on the new directory was in place
			files, err := m.watchTree(fsEvent.Name)
			if err != nil {
				m.events.emit(Event{Kind: EventError, Path: fsEvent.Name, Err: err})
			}
			for _, file := range files {
				m.dispatch(ActionCreate, file)
			}
		}
	}
}

func classify(op fsnotify.Op) (Action, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return ActionDelete, true
	case op.Has(fsnotify.Create):
		return ActionCreate, true
	case op.Has(fsnotify.Write):
		return ActionUpdate, true
	default:
		return "", false
	}
}

// watchTree adds every directory under dir to the watcher and returns the
// files found below dir, excluding dir itself.
func (m *Monitor) watchTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p != m.root && m.ignore.Match(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if p != dir {
				files = append(files, p)
			}
			return nil
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == MonitorStopped {
			return filepath.SkipAll
		}
		if m.watched[p] {
			return nil
		}
		if err := m.watcher.Add(p); err != nil {
			return err
		}
		m.watched[p] = true
		return nil
	})
	return files, err
}

// dispatch runs the reset protocol for a single change. Panics and errors
// from the reset or the callback become EventError and watching continues.
func (m *Monitor) dispatch(action Action, path string) {
	if m.State() == MonitorStopped {
		return
	}

	m.logger.Debug("change detected", "action", action, "path", path)

	if err := m.safely(func() error {
		if m.resetter != nil {
			m.resetter.ResetAndRebuild()
		}
		return nil
	}); err != nil {
		m.reportCallbackError(action, path, err)
		return
	}

	m.events.emit(Event{Kind: EventChange, Action: action, Path: path})

	if m.callback == nil {
		return
	}
	if err := m.safely(func() error { return m.callback(action, path) }); err != nil {
		m.reportCallbackError(action, path, err)
	}
}

func (m *Monitor) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic caught: %v", r)
		}
	}()
	return fn()
}

func (m *Monitor) reportCallbackError(action Action, path string, cause error) {
	callbackErr := &MonitorCallbackError{Action: action, Path: path, Cause: cause}
	m.logger.Warn("change handler failed", "action", action, "path", path, "error", cause)
	m.events.emit(Event{Kind: EventError, Action: action, Path: path, Err: callbackErr})
}
