package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/go-productionline"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks failures caused by the invocation rather than the pipeline.
type usageError struct {
	err error
}

func (ue *usageError) Error() string { return ue.err.Error() }

func (ue *usageError) Unwrap() error { return ue.err }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFailure
}

type cliFlags struct {
	configPath string
	source     string
	output     string
	assets     []string
	ignore     []string
	header     string
	footer     string
	parallel   bool
	logLevel   string
	logFormat  string
	noColor    bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags cliFlags

	root := &cobra.Command{
		Use:   "productionline [command] [args...]",
		Short: "Run a build pipeline once, or again on every source change",
		Long: `Run a build pipeline once, or again on every source change.

Commands:
  build   clean the output, copy assets and HTML, print the report (default)
  watch   build, then rebuild on every change below the source root
  graph   print the registered pipeline as a graphviz DOT graph`,
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.noColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
			logger, err := newLogger(flags.logLevel, flags.logFormat, stderr)
			if err != nil {
				return &usageError{err: err}
			}
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config(cmd, stdout)
			if err != nil {
				return &usageError{err: err}
			}

			b := productionline.New(cfg,
				productionline.WithSink(productionline.NewConsoleSink(stdout)),
				productionline.WithLogger(slog.Default()),
				productionline.WithRegistration(func(b *productionline.Builder) { b.Make() }),
			)
			return b.Exec(cmd.Context(), args)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	f := root.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "Config file (.yaml, .toml or .hcl)")
	f.StringVar(&flags.source, "source", productionline.DefaultSource, "Source root")
	f.StringVar(&flags.output, "output", productionline.DefaultOutput, "Output root")
	f.StringSliceVar(&flags.assets, "assets", []string{productionline.DefaultAsset}, "Asset paths relative to the source root")
	f.StringSliceVar(&flags.ignore, "ignore", nil, "Glob patterns excluded from watching")
	f.StringVar(&flags.header, "header", "", "Comment prepended to js, css and html output")
	f.StringVar(&flags.footer, "footer", "", "Comment appended to js, css and html output")
	f.BoolVar(&flags.parallel, "parallel", false, "Run all steps concurrently")
	f.StringVar(&flags.logLevel, "log-level", levelWarn, "Log level (debug, info, warn, error)")
	f.StringVar(&flags.logFormat, "log-format", formatText, "Log format (text, json)")
	f.BoolVar(&flags.noColor, "no-color", false, "Disable coloured output")

	return root
}

// config layers explicitly set flags over the config file, or over the
// defaults when there is none, and registers the commands.
func (cf *cliFlags) config(cmd *cobra.Command, stdout io.Writer) (productionline.Config, error) {
	cfg := productionline.DefaultConfig()
	if cf.configPath != "" {
		loaded, err := productionline.LoadConfigFile(cf.configPath)
		if err != nil {
			return productionline.Config{}, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("source") || cf.configPath == "" {
		cfg = cfg.WithSource(cf.source)
	}
	if changed("output") || cf.configPath == "" {
		cfg = cfg.WithOutput(cf.output)
	}
	if changed("assets") {
		cfg = cfg.WithAssets(cf.assets...)
	}
	if changed("ignore") {
		cfg = cfg.WithIgnore(cf.ignore...)
	}
	if changed("header") {
		cfg = cfg.WithHeader(cf.header)
	}
	if changed("footer") {
		cfg = cfg.WithFooter(cf.footer)
	}

	commands := newCommands(stdout, cf.runOptions)
	for name, command := range commands {
		cfg = cfg.WithCommand(name, command)
	}
	return cfg, nil
}

func (cf *cliFlags) runOptions() []productionline.RunOptionPreparer {
	if cf.parallel {
		return []productionline.RunOptionPreparer{productionline.WithParallelExecution()}
	}
	return []productionline.RunOptionPreparer{productionline.WithSequentialExecution()}
}
