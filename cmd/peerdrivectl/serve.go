package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"peerdrivectl/internal/config"
	"peerdrivectl/internal/httpapi"
	"peerdrivectl/internal/metrics"
	"peerdrivectl/internal/runtime/supervisor"
	logx "peerdrivectl/pkg/logx"
)

type serveFlags struct {
	Addr string
}

func createServeCommand(gf *GlobalFlags) *cobra.Command {
	var sf serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API with periodic status refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd.Context(), gf, envOptions{Refresh: true}, func(ctx context.Context, e *env) error {
				return runServe(ctx, e, gf, sf)
			})
		},
	}
	cmd.Flags().StringVar(&sf.Addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func runServe(ctx context.Context, e *env, gf *GlobalFlags, sf serveFlags) error {
	addr := e.cfg.HTTP.Addr
	if sf.Addr != "" {
		addr = sf.Addr
	}
	readHeader, err := config.ParseDurationOrDefault("http.read_header_timeout", e.cfg.HTTP.ReadHeaderTimeout, 5*time.Second)
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if e.cfg.HTTP.MetricsEnabled() {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		metricsHandler = metrics.Handler()
	}

	srv := httpapi.New(httpapi.Options{
		Controller: e.ctl,
		Flags:      e.flags,
		UserConfig: e.user,
		Metrics:    metricsHandler,
		Pprof:      e.cfg.HTTP.Pprof,
		Log:        e.log,
	})

	sup := supervisor.New(ctx, supervisor.WithLogger(e.log))
	e.cfgs.SetLogger(e.log)
	updates := e.cfgs.Subscribe(1)
	defer e.cfgs.Unsubscribe(updates)

	sup.Go("http", func(ctx context.Context) error {
		err := srv.ListenAndServe(ctx, addr, readHeader)
		if err != nil {
			sup.Cancel()
		}
		return err
	})
	sup.GoRestart("config-watch", e.cfgs.Watch, time.Second, 30*time.Second)
	sup.Go0("config-apply", func(ctx context.Context) {
		applyConfigUpdates(ctx, e, gf, updates)
	})

	e.log.Info("supervising service",
		logx.String("service", e.ctl.Service()),
		logx.String("scope", e.cfg.Scope),
		logx.String("backend", e.cfg.Backend),
	)
	<-sup.Context().Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		return err
	}
	return sup.Err()
}

// applyConfigUpdates applies logging changes in place. Changes to the
// target unit or timings only take effect on the next start.
func applyConfigUpdates(ctx context.Context, e *env, gf *GlobalFlags, updates <-chan *config.Config) {
	current := e.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			cfg := *next
			applyOverrides(&cfg, gf)
			ch := config.SummarizeChange(current, &cfg)
			if ch.Empty() {
				continue
			}
			if ch.Has("logging") {
				e.logSvc.Apply(cfg.Logging.LogxConfig())
			}
			attrs := append([]logx.Field{logx.Any("sections", ch.Sections)}, ch.Attrs...)
			if ch.Rebuild {
				e.log.Warn("config changed; restart serve to apply", attrs...)
			} else {
				e.log.Info("config applied", attrs...)
			}
			current = &cfg
		}
	}
}
