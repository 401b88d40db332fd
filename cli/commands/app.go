// Package commands implements the CLI command structure using Cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/relay/cli/config"
	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/gateway"
	"github.com/petal-labs/relay/template"
)

// Exit codes.
const (
	ExitSuccess    = 0
	ExitValidation = 1
	ExitProvider   = 2
	ExitNetwork    = 3
)

// ConfigLoader loads CLI config from a path.
type ConfigLoader func(path string) (*config.Config, error)

// AppOption customizes App dependencies.
type AppOption func(*App)

// App holds CLI state and runtime dependencies.
type App struct {
	root *cobra.Command

	loadConfig ConfigLoader
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer

	cfgFile    string
	provider   string
	jsonOutput bool
	verbose    bool

	cfg   *config.Config
	store *template.Store
	gw    *gateway.Gateway

	chatPrompt    string
	chatSystem    string
	chatForceJSON bool
	chatStream    bool

	keyEmbedding bool
}

// WithConfigLoader injects a config loader dependency.
func WithConfigLoader(loader ConfigLoader) AppOption {
	return func(a *App) {
		if loader != nil {
			a.loadConfig = loader
		}
	}
}

// WithIO injects process I/O streams.
func WithIO(stdin io.Reader, stdout, stderr io.Writer) AppOption {
	return func(a *App) {
		if stdin != nil {
			a.stdin = stdin
		}
		if stdout != nil {
			a.stdout = stdout
		}
		if stderr != nil {
			a.stderr = stderr
		}
	}
}

// NewApp creates a new CLI app with default dependencies.
func NewApp(opts ...AppOption) *App {
	a := &App{
		loadConfig: config.LoadConfig,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.root = a.newRootCommand()
	return a
}

func (a *App) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Relay - template-driven LLM gateway",
		Long: `Relay routes uniform chat and embedding requests to any LLM provider
described by a JSON template. No per-provider code: add a template, set a
key, and call.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ~/.relay/config.yaml)")
	root.PersistentFlags().StringVar(&a.provider, "provider", "", "provider id (as named by its template)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "emit JSON output")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(a.newChatCommand())
	root.AddCommand(a.newEmbedCommand())
	root.AddCommand(a.newProvidersCommand())
	root.AddCommand(a.newKeyCommand())
	root.AddCommand(a.newVersionCommand())

	return root
}

// Execute runs the root command.
func (a *App) Execute() error {
	return a.root.Execute()
}

// SetArgs overrides command-line arguments. Intended for tests.
func (a *App) SetArgs(args []string) {
	a.root.SetArgs(args)
	a.root.SetOut(a.stdout)
	a.root.SetErr(a.stderr)
}

func (a *App) initConfig() error {
	path := a.cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := a.loadConfig(path)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.provider == "" && cfg.DefaultProvider != "" {
		a.provider = cfg.DefaultProvider
	}
	return nil
}

// ensureGateway builds the template store and gateway on first use.
func (a *App) ensureGateway() error {
	if a.gw != nil {
		return nil
	}

	logger := a.newLogger()
	store, err := template.NewStore(a.cfg.ResolvedTemplatesDir(), template.WithStoreLogger(logger))
	if err != nil {
		return exitWithCode(ExitValidation, fmt.Errorf("loading provider templates: %w", err))
	}
	a.store = store

	opts := append(gateway.FromSettings(a.cfg), gateway.WithLogger(logger))
	a.gw = gateway.New(store, opts...)
	return nil
}

func (a *App) newLogger() core.Logger {
	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level})
	return core.NewSlogLogger(slog.New(h))
}

// requireProvider resolves the provider id from flag or config default.
func (a *App) requireProvider() (string, error) {
	if a.provider == "" {
		return "", exitWithCode(ExitValidation,
			fmt.Errorf("provider required: use --provider or set default_provider in config"))
	}
	return a.provider, nil
}

// exitError wraps an error with an exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

// ExitCode reports the process exit code for this error.
func (e *exitError) ExitCode() int { return e.code }

func (e *exitError) Unwrap() error { return e.err }

func exitWithCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

var defaultApp *App

// Execute runs the default app root command.
func Execute() error {
	if defaultApp == nil {
		defaultApp = NewApp()
	}
	return defaultApp.Execute()
}
