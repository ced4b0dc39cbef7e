package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"protodesk/internal/binding"
	"protodesk/internal/catalog"
	"protodesk/internal/config"
	"protodesk/internal/metrics"
	"protodesk/internal/persist"
	"protodesk/internal/request"
	"protodesk/internal/state"
	"protodesk/internal/streaming"
	"protodesk/internal/transport/grpcx"
	"protodesk/internal/transport/wsstream"
	"protodesk/internal/workspace"
)

const shutdownTimeout = 5 * time.Second

// App struct
type App struct {
	initialErr error
	ctx        context.Context
	logger     *slog.Logger
	cfg        config.Config

	catalog    *catalog.Catalog
	snapshots  *persist.Store
	saver      *persist.Saver
	grpc       *grpcx.Client
	stream     *wsstream.Backend
	sessions   *streaming.Controller
	emitter    *binding.WailsEmitter
	forwarder  *binding.Forwarder
	metricsSrv *http.Server

	ProjectBinding *binding.ProjectBinding
	RequestBinding *binding.RequestBinding
	StreamBinding  *binding.StreamBinding
}

// NewApp wires the application. Initialization errors are collected and
// shown once the window is up; bindings are always non-nil so the frontend
// can still be bound.
func NewApp() (app *App) {
	app = &App{
		logger:         slog.Default(),
		emitter:        &binding.WailsEmitter{},
		ProjectBinding: &binding.ProjectBinding{},
		RequestBinding: &binding.RequestBinding{},
		StreamBinding:  &binding.StreamBinding{},
	}

	defer func() {
		if r := recover(); r != nil {
			app.initialErr = errors.Join(
				app.initialErr,
				fmt.Errorf("recovered a panic: %v, stacktrace:\n%s", r, string(debug.Stack())),
			)
		}
	}()

	cfg, err := loadConfig()
	if err != nil {
		app.initialErr = errors.Join(app.initialErr, err)
	}
	app.cfg = cfg

	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	app.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		app.initialErr = errors.Join(app.initialErr, fmt.Errorf("failed to create data directory: %w", err))
		return app
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		app.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	app.catalog, err = catalog.Open(filepath.Join(cfg.DataDir, "workspace.db"), catalog.Defaults{
		GRPCAddress:   cfg.Defaults.GRPCAddress,
		ThriftAddress: cfg.Defaults.ThriftAddress,
		KafkaAddress:  cfg.Defaults.KafkaAddress,
	})
	if err != nil {
		app.initialErr = errors.Join(app.initialErr, fmt.Errorf("failed to init the catalog: %w", err))
		return app
	}

	snapCfg := persist.DefaultConfig(filepath.Join(cfg.DataDir, "snapshots"))
	snapCfg.Logger = app.logger.With("component", "badger")
	app.snapshots, err = persist.Open(snapCfg)
	if err != nil {
		app.initialErr = errors.Join(app.initialErr, fmt.Errorf("failed to init snapshot storage: %w", err))
		return app
	}

	store := state.NewStore()
	rec := state.NewReconciler(store, app.logger.With("component", "reconciler"), state.WithRecorder(m))

	if err := persist.Restore(app.snapshots, rec, app.logger.With("component", "persist")); err != nil {
		app.initialErr = errors.Join(app.initialErr, fmt.Errorf("failed to restore the workspace: %w", err))
	}

	app.grpc = grpcx.NewClient(app.logger.With("component", "grpc"), 0)
	invokers := request.NewMux()
	invokers.Handle(state.KindGRPC, app.grpc)
	requests := request.NewController(rec, invokers, request.Options{
		Recorder: app.catalog,
		Logger:   app.logger.With("component", "request"),
		Metrics:  m,
		Timeout:  cfg.RequestTimeout,
	})

	hub := streaming.NewHub()
	app.stream = wsstream.NewBackend(hub, wsstream.StoreAddresses(store), cfg.Stream.DialTimeout, app.logger.With("component", "stream"))
	app.sessions = streaming.NewController(rec, app.stream, app.logger.With("component", "session"), m)

	svc := workspace.NewService(rec, app.catalog, app.grpc, app.sessions, app.logger.With("component", "workspace"))
	if err := svc.Load(context.Background()); err != nil {
		app.initialErr = errors.Join(app.initialErr, fmt.Errorf("failed to load the workspace: %w", err))
	}

	app.saver = persist.NewSaver(app.snapshots, store, cfg.PersistDebounce, app.logger.With("component", "saver"))
	app.saver.Start()
	app.forwarder = binding.NewForwarder(store, app.emitter)

	app.ProjectBinding = binding.NewProjectBinding(svc, store)
	app.RequestBinding = binding.NewRequestBinding(requests, store)
	app.StreamBinding = binding.NewStreamBinding(app.sessions, store)
	return app
}

func loadConfig() (config.Config, error) {
	path, err := config.Path()
	if err != nil {
		return config.Default(), err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Default(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	if a.initialErr != nil {
		_, _ = runtime.MessageDialog(ctx, runtime.MessageDialogOptions{
			Type:    runtime.ErrorDialog,
			Title:   "Protodesk failed to start correctly",
			Message: fmt.Sprintf("%+v", a.initialErr),
		})
		runtime.Quit(ctx)
		return
	}

	a.ctx = ctx
	a.emitter.SetContext(ctx)
	a.ProjectBinding.SetContext(ctx)
	a.RequestBinding.SetContext(ctx)
	a.StreamBinding.SetContext(ctx)

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics listener stopped", "addr", a.metricsSrv.Addr, "error", err)
			}
		}()
	}
}

func (a *App) domReady(_ context.Context) {
	if a.forwarder != nil {
		a.forwarder.Start()
	}
}

// shutdown is called when the app is closing
func (a *App) shutdown(_ context.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.forwarder != nil {
		a.forwarder.Stop()
	}
	if a.sessions != nil {
		a.logError("failed to stop sessions", a.sessions.Close(ctx))
	}
	if a.stream != nil {
		a.logError("failed to close stream connections", a.stream.Close())
	}
	if a.grpc != nil {
		a.logError("failed to close grpc connections", a.grpc.Close())
	}
	if a.saver != nil {
		a.logError("failed to save the workspace", a.saver.Close())
	}
	if a.snapshots != nil {
		a.logError("failed to close snapshot storage", a.snapshots.Close())
	}
	if a.catalog != nil {
		a.logError("failed to close the catalog", a.catalog.Close())
	}
	if a.metricsSrv != nil {
		a.logError("failed to stop the metrics listener", a.metricsSrv.Shutdown(ctx))
	}
}

func (a *App) logError(msg string, err error) {
	if err != nil {
		a.logger.Error(msg, "error", err)
	}
}
