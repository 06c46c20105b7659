package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/stagegrid/internal/api"
	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/notify"
	"github.com/vk/stagegrid/internal/scheduler"
	"github.com/vk/stagegrid/internal/source"
	"github.com/vk/stagegrid/internal/telemetry"
)

const serviceName = "stagegrid"

// Serve runs the engine as a daemon until ctx is done: the dispatcher,
// heartbeats of the declared agents, source watchers and the HTTP API.
func (a *App) Serve(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	logger := a.logger

	shutdownTelemetry, err := telemetry.Init(ctx, a.cfg.OTLPEndpoint, serviceName, a.cfg.Version, a.cfg.OTLPInsecure)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed.", "error", err)
		}
	}()

	recorder, err := telemetry.NewRecorder(telemetry.Meter(serviceName))
	if err != nil {
		return err
	}

	rt, err := a.newRuntime(ctx, scheduler.WithRecorder(recorder))
	if err != nil {
		return err
	}
	defer rt.Close()

	publisher := notify.Multi{notify.Log{}}
	if a.cfg.NotifyURL != "" {
		sio, err := notify.DialSocketIO(ctx, notify.SocketIOConfig{URL: a.cfg.NotifyURL})
		if err != nil {
			return err
		}
		publisher = append(publisher, sio)
	}
	defer publisher.Close()

	rt.sched.Subscribe(rt.engine.HandleRunEvent)
	rt.sched.Subscribe(notify.Listener(publisher))

	var ids []string
	if len(a.model.Agents) > 0 {
		if ids, err = a.registerAgents(rt, nil); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.sched.Run(gctx) })
	for _, id := range ids {
		g.Go(func() error { return a.keepAlive(gctx, rt, id) })
	}
	for _, src := range a.model.Sources {
		w := source.NewWatcher(src.Name, source.NewGitLister(src.URL), src.Interval)
		g.Go(func() error {
			return w.Run(gctx, func(ctx context.Context, c source.Change) {
				rt.engine.HandleSourceChange(ctx, c)
			})
		})
	}

	if a.cfg.Addr != "" {
		srv := &http.Server{
			Addr:              a.cfg.Addr,
			Handler:           api.New(rt.sched, rt.agents, rt.engine, logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("🌐 API server starting.", "address", a.cfg.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			logger.Info("Shutting down API server...")
			return srv.Shutdown(sctx)
		})
	}

	logger.Info("✅ Stagegrid is serving.", "stages", len(a.model.Stages), "agents", len(ids), "sources", len(a.model.Sources))
	return g.Wait()
}
