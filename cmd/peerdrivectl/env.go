package main

import (
	"context"
	"fmt"
	"time"

	"peerdrivectl/internal/config"
	"peerdrivectl/internal/daemon"
	"peerdrivectl/internal/eventbus"
	"peerdrivectl/internal/journal"
	"peerdrivectl/internal/unitfile"
	"peerdrivectl/internal/userconf"
	logx "peerdrivectl/pkg/logx"
	"peerdrivectl/pkg/systemd"
	sm "peerdrivectl/pkg/systemdmanager"
)

// backend is what either manager implementation offers.
type backend interface {
	daemon.Manager
	daemon.Reloader
	Close() error
}

// env is everything a command needs, built from config plus flags.
type env struct {
	cfgs   *config.Manager
	cfg    *config.Config
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus
	mgr    backend

	ctl   *daemon.Controller
	flags *daemon.Editor
	user  *userconf.Store
}

type envOptions struct {
	// Refresh enables the periodic background refresh (serve only).
	Refresh bool
}

func loadConfig(gf *GlobalFlags) (*config.Manager, *config.Config, error) {
	cm := config.NewManager(gf.ConfigPath)
	cfg, err := cm.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, gf)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	cm.Commit(cfg)
	return cm, cfg, nil
}

func applyOverrides(cfg *config.Config, gf *GlobalFlags) {
	if gf.Service != "" {
		cfg.Service = gf.Service
	}
	if gf.Scope != "" {
		cfg.Scope = gf.Scope
	}
	if gf.Backend != "" {
		cfg.Backend = gf.Backend
	}
	if gf.LogLevel != "" {
		cfg.Logging.Level = gf.LogLevel
	}
	cfg.ApplyDefaults()
}

func openEnv(ctx context.Context, gf *GlobalFlags, opts envOptions) (*env, error) {
	cm, cfg, err := loadConfig(gf)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(cfg.Logging.LogxConfig())

	e := &env{cfgs: cm, cfg: cfg, logSvc: logSvc, log: log, bus: eventbus.New()}
	scope := sm.Scope(cfg.Scope)

	e.mgr, err = openBackend(ctx, cfg.Backend, scope, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	pd, err := cfg.PollDurations()
	if err != nil {
		e.close(ctx)
		return nil, err
	}
	refresh := pd.RefreshInterval
	if !opts.Refresh {
		refresh = -1
	}

	streamer := journal.New(journal.Options{
		Scope:   scope,
		Binary:  cfg.Journal.Binary,
		Backlog: cfg.Journal.Backlog,
		Output:  cfg.Journal.Output,
		Bus:     e.bus,
		Log:     log,
	})
	e.ctl, err = daemon.New(daemon.Options{
		Service:         cfg.Service,
		Manager:         e.mgr,
		Bus:             e.bus,
		Streamer:        streamer,
		RefreshInterval: refresh,
		SettleTimeout:   pd.SettleTimeout,
		SettleInterval:  pd.SettleInterval,
		ActionTimeout:   pd.ActionTimeout,
		Log:             log,
	})
	if err != nil {
		e.close(ctx)
		return nil, err
	}

	units, err := unitfile.New(cfg.Flags.UnitDir, cfg.Flags.ExecPrefix)
	if err != nil {
		e.close(ctx)
		return nil, err
	}
	edOpts := daemon.EditorOptions{Service: cfg.Service, Store: units, Log: log}
	if cfg.Flags.ReloadAfterSave {
		edOpts.Reloader = e.mgr
	}
	e.flags = daemon.NewEditor(edOpts)

	if e.user, err = userconf.New(cfg.UserConfig.Path); err != nil {
		e.close(ctx)
		return nil, err
	}
	return e, nil
}

// openBackend prefers D-Bus and falls back to systemctl when the bus is
// unreachable.
func openBackend(ctx context.Context, kind string, scope sm.Scope, log logx.Logger) (backend, error) {
	if kind == config.BackendSystemctl {
		return systemd.New(scope), nil
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	m, err := sm.NewServiceManagerContext(dctx, scope)
	if err != nil {
		log.Warn("systemd D-Bus unavailable; falling back to systemctl", logx.Err(err))
		return systemd.New(scope), nil
	}
	return m, nil
}

func (e *env) close(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if e.ctl != nil {
		_ = e.ctl.Close(cctx)
	}
	if e.mgr != nil {
		_ = e.mgr.Close()
	}
	if e.logSvc != nil {
		_ = e.logSvc.Close()
	}
}

// withEnv opens an env for the duration of fn.
func withEnv(ctx context.Context, gf *GlobalFlags, opts envOptions, fn func(ctx context.Context, e *env) error) error {
	e, err := openEnv(ctx, gf, opts)
	if err != nil {
		return err
	}
	defer e.close(ctx)
	return fn(ctx, e)
}
