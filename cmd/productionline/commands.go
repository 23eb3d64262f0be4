package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/go-productionline"
)

const (
	commandBuild = "build"
	commandWatch = "watch"
	commandGraph = "graph"
)

func newCommands(stdout io.Writer, runOptions func() []productionline.RunOptionPreparer) map[string]productionline.Command {
	build := func(ctx context.Context, b *productionline.Builder, _ []string) error {
		return buildOnce(ctx, b, stdout, runOptions())
	}

	return map[string]productionline.Command{
		commandBuild:                  build,
		productionline.DefaultCommand: build,

		commandWatch: func(ctx context.Context, b *productionline.Builder, _ []string) error {
			if err := buildOnce(ctx, b, stdout, runOptions()); err != nil {
				b.Sink().Warn("initial build failed, watching anyway")
			}
			b.ResetAndRebuild()

			m, err := b.Watch(ctx, nil, runOptions()...)
			if err != nil {
				return err
			}

			<-ctx.Done()
			return m.Stop()
		},

		commandGraph: func(ctx context.Context, b *productionline.Builder, _ []string) error {
			dot, err := b.Queue().Visualize(runOptions()...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout, dot)
			return err
		},
	}
}

func buildOnce(ctx context.Context, b *productionline.Builder, stdout io.Writer, opts []productionline.RunOptionPreparer) error {
	report, err := b.Run(ctx, opts...)
	if report != nil {
		if renderErr := productionline.RenderReport(stdout, report); renderErr != nil && err == nil {
			err = renderErr
		}
	}
	return err
}
