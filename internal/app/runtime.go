package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/vk/stagegrid/internal/agent"
	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/executor"
	"github.com/vk/stagegrid/internal/runstore"
	"github.com/vk/stagegrid/internal/scheduler"
	"github.com/vk/stagegrid/internal/secrets"
	"github.com/vk/stagegrid/internal/trigger"
)

// LocalAgent is the agent registered by RunOnce when the pipeline declares
// none.
const LocalAgent = "local"

// runtime is the engine assembled from Config.
type runtime struct {
	store  runstore.Store
	agents *agent.Registry
	sched  *scheduler.Scheduler
	engine *trigger.Engine
}

func (a *App) newRuntime(ctx context.Context, opts ...scheduler.Option) (*runtime, error) {
	logger := ctxlog.FromContext(ctx)

	store, err := openStore(ctx, a.cfg.Store)
	if err != nil {
		return nil, err
	}
	backend, err := openArtifacts(ctx, a.cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	agents := agent.NewRegistry(a.cfg.HeartbeatTimeout)
	resolver := secrets.NewResolver(secrets.NewEnv(a.cfg.SecretPrefix))

	sources := make(map[string]string, len(a.model.Sources))
	for _, src := range a.model.Sources {
		sources[src.Name] = src.URL
	}

	sched, err := scheduler.New(scheduler.Config{
		WorkRoot:       a.cfg.WorkRoot,
		Tick:           a.cfg.Tick,
		Retention:      a.cfg.Retention,
		PruneEvery:     a.cfg.PruneEvery,
		KeepWorkspaces: a.cfg.KeepWorkspaces,
	}, a.model.Stages, scheduler.Deps{
		Store:     store,
		Artifacts: artifact.NewStore(backend),
		Agents:    agents,
		Executor:  executor.New(a.runner, resolver),
		Sources:   sources,
	}, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.Debug("Runtime assembled.", "store", a.cfg.Store, "artifacts", a.cfg.Artifacts)
	return &runtime{
		store:  store,
		agents: agents,
		sched:  sched,
		engine: trigger.NewEngine(a.model.Stages, sched),
	}, nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// registerAgents registers the declared agents, or a single local agent that
// satisfies every stage in stageIDs when none are declared, all attached to
// the local runner. It returns the registered IDs.
func (a *App) registerAgents(rt *runtime, stageIDs []string) ([]string, error) {
	infos := slices.Clone(a.model.Agents)
	if len(infos) == 0 {
		caps := map[string]struct{}{}
		for _, id := range stageIDs {
			for _, d := range a.model.Stages {
				if d.ID != id {
					continue
				}
				for _, r := range d.Requires {
					caps[r] = struct{}{}
				}
			}
		}
		info := agent.Info{ID: LocalAgent}
		for c := range caps {
			info.Capabilities = append(info.Capabilities, c)
		}
		sort.Strings(info.Capabilities)
		infos = []agent.Info{info}
	}

	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		// Declared agents execute their steps in this process.
		info.Attached = true
		if _, err := rt.agents.Register(info); err != nil {
			return nil, err
		}
		ids = append(ids, info.ID)
	}
	return ids, nil
}

func openStore(ctx context.Context, spec string) (runstore.Store, error) {
	driver, dsn, err := storeDriver(spec)
	if err != nil {
		return nil, err
	}
	if driver == "" {
		return runstore.NewMemory(), nil
	}
	return runstore.OpenSQL(ctx, driver, dsn)
}

func openArtifacts(ctx context.Context, cfg *Config) (artifact.Backend, error) {
	switch {
	case cfg.Artifacts == "memory":
		return artifact.NewMemoryBackend(), nil
	case strings.HasPrefix(cfg.Artifacts, "s3://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(cfg.Artifacts, "s3://"), "/")
		if bucket == "" {
			return nil, errors.New("s3 artifacts need a bucket, e.g. s3://artifacts")
		}
		s3 := cfg.S3
		s3.Bucket = bucket
		if prefix != "" {
			s3.Prefix = prefix
		}
		b, err := artifact.NewMinIOBackend(ctx, s3)
		if err != nil {
			return nil, fmt.Errorf("open artifact bucket: %w", err)
		}
		return b, nil
	}
	b, err := artifact.NewLocalBackend(cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("open artifact directory: %w", err)
	}
	return b, nil
}

// keepAlive heartbeats for a local agent. An agent removed through the API
// stops heartbeating without taking the process down.
func (a *App) keepAlive(ctx context.Context, rt *runtime, id string) error {
	if err := rt.agents.KeepAlive(ctx, id, a.cfg.HeartbeatTimeout/3); err != nil {
		ctxlog.FromContext(ctx).Warn("Local agent stopped heartbeating.", "agent", id, "error", err)
	}
	return nil
}
