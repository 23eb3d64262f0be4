package productionline

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSource = "./src"
	DefaultOutput = "./dist"
	DefaultAsset  = "./assets"

	// DefaultCommand is dispatched by Exec when no command name matches.
	DefaultCommand = "default"
)

// Command is a named entry point dispatched by Builder.Exec.
type Command func(ctx context.Context, b *Builder, args []string) error

// Config is the immutable build configuration. The With methods return an
// updated copy and never modify the receiver.
type Config struct {
	source          string
	output          string
	assets          []string
	ignore          []string
	header          string
	footer          string
	checkForUpdates bool
	commands        map[string]Command
}

func DefaultConfig() Config {
	return Config{
		source:          DefaultSource,
		output:          DefaultOutput,
		assets:          []string{DefaultAsset},
		checkForUpdates: true,
	}
}

func (c Config) Source() string { return c.source }

func (c Config) Output() string { return c.output }

// Assets are paths relative to the source root, unless absolute.
func (c Config) Assets() []string { return slices.Clone(c.assets) }

// Ignore are doublestar patterns matched against paths relative to the source root.
func (c Config) Ignore() []string { return slices.Clone(c.ignore) }

func (c Config) Header() string { return c.header }

func (c Config) Footer() string { return c.footer }

func (c Config) CheckForUpdates() bool { return c.checkForUpdates }

func (c Config) Command(name string) (Command, bool) {
	cmd, ok := c.commands[name]
	return cmd, ok
}

// CommandNames returns the registered command names in sorted order.
func (c Config) CommandNames() []string {
	return slices.Sorted(maps.Keys(c.commands))
}

func (c Config) WithSource(source string) Config {
	c = c.clone()
	c.source = source
	return c
}

func (c Config) WithOutput(output string) Config {
	c = c.clone()
	c.output = output
	return c
}

func (c Config) WithAssets(assets ...string) Config {
	c = c.clone()
	c.assets = slices.Clone(assets)
	return c
}

func (c Config) WithIgnore(patterns ...string) Config {
	c = c.clone()
	c.ignore = slices.Clone(patterns)
	return c
}

func (c Config) WithHeader(header string) Config {
	c = c.clone()
	c.header = header
	return c
}

func (c Config) WithFooter(footer string) Config {
	c = c.clone()
	c.footer = footer
	return c
}

func (c Config) WithCheckForUpdates(enabled bool) Config {
	c = c.clone()
	c.checkForUpdates = enabled
	return c
}

// WithCommand registers cmd under name, replacing any previous command of that name.
func (c Config) WithCommand(name string, cmd Command) Config {
	c = c.clone()
	if c.commands == nil {
		c.commands = make(map[string]Command)
	}
	c.commands[name] = cmd
	return c
}

func (c Config) clone() Config {
	c.assets = slices.Clone(c.assets)
	c.ignore = slices.Clone(c.ignore)
	c.commands = maps.Clone(c.commands)
	return c
}

// fileConfig is the on-disk shape of a Config. Absent fields keep their defaults.
type fileConfig struct {
	Source          *string  `yaml:"source" toml:"source" hcl:"source,optional"`
	Output          *string  `yaml:"output" toml:"output" hcl:"output,optional"`
	Assets          []string `yaml:"assets" toml:"assets" hcl:"assets,optional"`
	Ignore          []string `yaml:"ignore" toml:"ignore" hcl:"ignore,optional"`
	Header          *string  `yaml:"header" toml:"header" hcl:"header,optional"`
	Footer          *string  `yaml:"footer" toml:"footer" hcl:"footer,optional"`
	CheckForUpdates *bool    `yaml:"check_for_updates" toml:"check_for_updates" hcl:"check_for_updates,optional"`
}

// LoadConfigFile reads a .yaml, .yml, .toml or .hcl file on top of
// DefaultConfig. Relative source and output paths are resolved against the
// directory holding the file. Commands can only be registered in code.
func LoadConfigFile(path string) (Config, error) {
	var fc fileConfig

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".hcl":
		if err := hclsimple.DecodeFile(path, nil, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return Config{}, ErrConfiguration.WithMessage(fmt.Sprintf("unsupported config file extension %q", ext))
	}

	return fc.apply(DefaultConfig(), filepath.Dir(path)), nil
}

func (fc fileConfig) apply(cfg Config, base string) Config {
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg = cfg.WithSource(resolve(cfg.source)).WithOutput(resolve(cfg.output))
	if fc.Source != nil {
		cfg = cfg.WithSource(resolve(*fc.Source))
	}
	if fc.Output != nil {
		cfg = cfg.WithOutput(resolve(*fc.Output))
	}
	if fc.Assets != nil {
		cfg = cfg.WithAssets(fc.Assets...)
	}
	if fc.Ignore != nil {
		cfg = cfg.WithIgnore(fc.Ignore...)
	}
	if fc.Header != nil {
		cfg = cfg.WithHeader(*fc.Header)
	}
	if fc.Footer != nil {
		cfg = cfg.WithFooter(*fc.Footer)
	}
	if fc.CheckForUpdates != nil {
		cfg = cfg.WithCheckForUpdates(*fc.CheckForUpdates)
	}
	return cfg
}
