// Package main implements the coordinator CLI: a standalone binary that
// stands up the full background coordination core outside an extension host,
// driving a real Chrome instance via rodhost, and runs orchestrator replays
// against it from the command line.
package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pharrisenterprises/sammy-sub004/internal/bus"
	"github.com/pharrisenterprises/sammy-sub004/internal/config"
	"github.com/pharrisenterprises/sammy-sub004/internal/coordinator"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi/rodhost"
	"github.com/pharrisenterprises/sammy-sub004/internal/keepalive"
	"github.com/pharrisenterprises/sammy-sub004/internal/lifecycle"
	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
	"github.com/pharrisenterprises/sammy-sub004/internal/navigation"
	"github.com/pharrisenterprises/sammy-sub004/internal/orchestrator"
	"github.com/pharrisenterprises/sammy-sub004/internal/session"
	"github.com/pharrisenterprises/sammy-sub004/internal/statecache"
	"github.com/pharrisenterprises/sammy-sub004/internal/storage"
)

// stack bundles every live handle a running coordinator process owns, so
// serve/run/inspect can share one assembly routine and tear it down symmetrically.
type stack struct {
	cfg      *config.Config
	host     *rodhost.Host
	kv       *statecache.SQLiteKV
	store    *storage.Store
	coord    *coordinator.Coordinator
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	bus      *bus.Bus
	logger   *logging.Logger
}

func newZapLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// buildStack wires the coordination core against a real Chrome instance via
// rodhost, plus a sqlite-backed state cache and project/test-run store.
func buildStack(ctx context.Context, cfgPath, dbPath, presetName string, headless bool, chromeBin string) (*stack, error) {
	preset := config.Preset(presetName)
	cfg, err := config.Load(cfgPath, preset)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(nil, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSONFormat, cfg.Logging.DebugMode)

	host, err := rodhost.Connect(ctx, rodhost.Config{Headless: headless, Bin: chromeBin})
	if err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	kv, err := statecache.OpenSQLiteKV(dbPath)
	if err != nil {
		host.Disconnect()
		return nil, fmt.Errorf("open state db: %w", err)
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		kv.Close()
		host.Disconnect()
		return nil, fmt.Errorf("open project/run db: %w", err)
	}

	cache := statecache.New(statecache.Options{
		KeyPrefix:    cfg.State.KeyPrefix,
		SaveDebounce: cfg.State.SaveDebounce,
		AutoRestore:  cfg.State.AutoRestore,
		StorageType:  cfg.State.StorageType,
		Local:        kv,
		Logger:       log,
	})

	// rodhost.Host does not model browser-extension lifecycle signals
	// (install/startup/suspend) or a storage-persistence grant; those are
	// extension-host concepts with no CDP equivalent, so the standalone
	// binary uses in-memory fakes for those two collaborators only.
	lifecycleEvents := hostapi.NewFakeLifecycle()
	persistence := hostapi.NewFakePersistence()
	sup := lifecycle.New(lifecycleEvents, host, persistence, lifecycle.Options{}, log)

	injector := func(ctx context.Context, tabID int, allFrames bool, world config.InjectionWorld) bool {
		err := host.Execute(ctx, hostapi.ExecuteParams{TabID: tabID, AllFrames: allFrames, World: string(world)})
		return err == nil
	}
	navSup := navigation.New(host, host, injector, cfg.Injection, log)

	alarms := hostapi.NewTickerAlarms()
	b := bus.New(log)

	coord := coordinator.New(coordinator.Options{
		Config:     cfg,
		Logger:     log,
		Cache:      cache,
		Bus:        b,
		Lifecycle:  sup,
		Navigation: navSup,
	})
	coord.Keepalive = keepalive.New(alarms, cfg.Keepalive.AlarmName, cfg.Keepalive.Interval(), func() keepalive.Status { return coord.AlarmHealthStatus() }, log)

	sessions := session.NewManager()
	orch := orchestrator.New(orchestrator.Options{
		Projects: store,
		Rows:     storage.CSVRowSource{},
		Runs:     store,
		Tabs:     host,
		Injector: host,
		Nav:      navSup,
		Sessions: sessions,
		Bus:      b,
		Logger:   log,
	})

	s := &stack{cfg: cfg, host: host, kv: kv, store: store, coord: coord, orch: orch, sessions: sessions, bus: b, logger: log}
	registerHandlers(s)
	return s, nil
}

func (s *stack) Close() {
	if s.store != nil {
		s.store.Close()
	}
	if s.kv != nil {
		s.kv.Close()
	}
	if s.host != nil {
		s.host.Disconnect()
	}
}
