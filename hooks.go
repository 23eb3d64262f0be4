package productionline

import "context"

// Hooks are the extension points of a run. OnBeforeRun is invoked once
// preparation has finished; steps it adds run before every registered step.
// OnAfterRegistration is invoked just before the queue runs; steps it adds
// run after every registered step.
type Hooks interface {
	OnBeforeRun(ctx context.Context, b *Builder)
	OnAfterRegistration(ctx context.Context, b *Builder)
}

// NopHooks implements Hooks with no-ops. Embed it to override a single hook.
type NopHooks struct{}

func (NopHooks) OnBeforeRun(context.Context, *Builder) {}

func (NopHooks) OnAfterRegistration(context.Context, *Builder) {}

// HookFuncs adapts plain functions to Hooks. Nil fields are skipped.
type HookFuncs struct {
	BeforeRun         func(ctx context.Context, b *Builder)
	AfterRegistration func(ctx context.Context, b *Builder)
}

func (hf HookFuncs) OnBeforeRun(ctx context.Context, b *Builder) {
	if hf.BeforeRun != nil {
		hf.BeforeRun(ctx, b)
	}
}

func (hf HookFuncs) OnAfterRegistration(ctx context.Context, b *Builder) {
	if hf.AfterRegistration != nil {
		hf.AfterRegistration(ctx, b)
	}
}

// Registrar is the task-registration phase of a pipeline. The builder invokes
// it on construction and again on every ResetAndRebuild.
type Registrar func(b *Builder)

// UpdateChecker looks for a newer release during preparation. A non-empty
// notice is shown to the user.
type UpdateChecker interface {
	CheckForUpdates(ctx context.Context) (notice string, err error)
}

type UpdateCheckerFunc func(ctx context.Context) (string, error)

func (fn UpdateCheckerFunc) CheckForUpdates(ctx context.Context) (string, error) {
	return fn(ctx)
}
