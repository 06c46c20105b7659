package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/dag"
	"github.com/vk/stagegrid/internal/executor"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	cfg    *Config
	model  *config.Model
	graph  *dag.Graph
	runner executor.Runner
}

// Option configures an App.
type Option func(*App)

// WithRunner replaces the shell runner steps are executed with.
func WithRunner(r executor.Runner) Option {
	return func(a *App) { a.runner = r }
}

// New loads and validates the pipeline. A configuration that fails to load
// or validate is a startup error.
func New(outW io.Writer, cfg *Config, loader config.Loader, opts ...Option) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, cfg.Paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	graph, err := dag.Build(model.Stages)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Debug("Configuration loaded and translated into unified model.",
		"stages", len(model.Stages), "agents", len(model.Agents), "sources", len(model.Sources))

	a := &App{
		outW:   outW,
		logger: logger,
		cfg:    cfg,
		model:  model,
		graph:  graph,
		runner: &executor.ShellRunner{Withhold: []string{cfg.SecretPrefix}},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Model returns the validated pipeline model.
func (a *App) Model() *config.Model {
	return a.model
}

// Validate prints the stages in execution order with their producers.
func (a *App) Validate(w io.Writer) error {
	order, err := a.graph.Order()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Pipeline is valid: %d stages, %d agents, %d sources.\n",
		len(a.model.Stages), len(a.model.Agents), len(a.model.Sources))
	for i, id := range order {
		deps, err := a.graph.Dependencies(id)
		if err != nil {
			return err
		}
		if len(deps) == 0 {
			fmt.Fprintf(w, "%3d. %s\n", i+1, id)
			continue
		}
		fmt.Fprintf(w, "%3d. %s <- %v\n", i+1, id, deps)
	}
	return nil
}
