package commands

import (
	"context"
	"log/slog"
	"path/filepath"

	"classreports/internal/archive"
	"classreports/internal/components/chrono"
	"classreports/internal/components/telemetry"
	"classreports/internal/config"
	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/internal/history"
	"classreports/internal/normalize"
	"classreports/internal/notify"
	"classreports/internal/pipeline"
	"classreports/internal/portal"
	"classreports/internal/runlock"
	"classreports/internal/runreport"
	"classreports/pkg/serviceutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// app is everything a command may need, built from the configuration file.
type app struct {
	config   config.Config
	clock    chrono.StandardImpl
	tel      telemetry.API
	registry *prometheus.Registry

	normalizer *normalize.Normalizer
	history    history.Store

	closers []func()
}

// newApp loads the configuration and sets up telemetry, the normalizer and
// the history store. Anything that fails here is fatal.
func newApp(ctx context.Context, service string) *app {
	telemetry.InitSlog(verbose)
	if verbose {
		slog.DebugContext(ctx, "verbose logging enabled")
	}

	err := telemetry.SetupFromEnv(ctx, service)
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	clock, err := cfg.Clock()
	if err != nil {
		serviceutil.Fatal("read config", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tel, err := telemetry.NewPrometheusAPI("classreports", registry, telemetry.SlogAPI{})
	if err != nil {
		serviceutil.Fatal("setup metrics", err)
	}

	a := &app{
		config:   cfg,
		clock:    clock,
		tel:      tel,
		registry: registry,
	}
	a.onClose(func() {
		err := telemetry.Shutdown(context.Background())
		if err != nil {
			slog.Warn("flush telemetry", "err", err)
		}
	})

	a.normalizer, err = normalize.NewNormalizer(cfg.ReportsDir, cfg.OverwritePolicy(), clock, tel)
	if err != nil {
		serviceutil.Fatal("init normalizer", err)
	}

	store, database, err := history.Open(ctx, cfg.History)
	if err != nil {
		serviceutil.Fatal("open history", err)
	}
	a.history = store
	a.onClose(func() { database.Close() })

	return a
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) filterStore() *filter.Store {
	store, err := a.config.FilterStore()
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	return store
}

func (a *app) loadAccounts() ([]credentials.Account, error) {
	return credentials.Load(a.config.UsersFile)
}

func (a *app) lastRunPath() string {
	return filepath.Join(a.config.ReportsDir, runreport.LastRunFile)
}

// lock is the in-process lock chained with the lock file, so a run started
// by "run" and one started by "serve" exclude each other, and with the redis
// lock when one is configured.
func (a *app) lock() runlock.Lock {
	chain := runlock.Chain{
		runlock.NewLocal(),
		runlock.NewFile(a.config.LockPath()),
	}
	if a.config.Lock.RedisAddr == "" {
		return chain
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.config.Lock.RedisAddr,
		Password: a.config.Lock.RedisPassword,
		DB:       a.config.Lock.RedisDB,
	})
	a.onClose(func() { client.Close() })
	return append(chain, runlock.NewRedis(client, a.config.Lock.Key, a.config.Lock.TTL.Std(), a.tel))
}

// listeners are notified of every finished run: the run report file, the
// history and, when configured, email and object storage.
func (a *app) listeners(ctx context.Context) []pipeline.Listener {
	listeners := []pipeline.Listener{
		runreport.FileSink{Dir: a.config.ReportsDir},
		a.history,
	}

	if a.config.Notify != nil {
		listeners = append(listeners, notify.NewMailer(notify.Options{
			Smtp:         a.config.Notify.Smtp,
			To:           a.config.Notify.To,
			OnlyProblems: a.config.Notify.OnlyProblems,
		}, a.tel))
	}

	if a.config.Archive != nil {
		uploader, err := archive.NewUploader(*a.config.Archive, a.tel)
		if err != nil {
			serviceutil.Fatal("init archive", err)
		}
		err = uploader.EnsureBucket(ctx)
		if err != nil {
			// uploads will report their own failures
			slog.WarnContext(ctx, "archive bucket is not ready", "err", err)
		}
		listeners = append(listeners, uploader)
	}

	return listeners
}

func (a *app) coordinator(ctx context.Context) *pipeline.Coordinator {
	driver, err := portal.NewChromeDriver(a.config.ChromeConfig(), a.clock, a.tel)
	if err != nil {
		serviceutil.Fatal("init browser", err)
	}
	return pipeline.NewCoordinator(
		driver,
		a.normalizer,
		a.lock(),
		a.clock,
		a.tel,
		a.config.PipelineConfig(),
		a.listeners(ctx)...,
	)
}
