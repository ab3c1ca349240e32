package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/tcpping/internal/api"
	"github.com/pingsantohq/tcpping/internal/backfill"
	"github.com/pingsantohq/tcpping/internal/config"
	"github.com/pingsantohq/tcpping/internal/export"
	"github.com/pingsantohq/tcpping/internal/health"
	"github.com/pingsantohq/tcpping/internal/logging"
	"github.com/pingsantohq/tcpping/internal/metrics"
	"github.com/pingsantohq/tcpping/internal/options"
	"github.com/pingsantohq/tcpping/internal/probe"
	"github.com/pingsantohq/tcpping/internal/queue/persist"
	"github.com/pingsantohq/tcpping/internal/runtime"
	"github.com/pingsantohq/tcpping/internal/scheduler"
	"github.com/pingsantohq/tcpping/internal/sink"
	"github.com/pingsantohq/tcpping/internal/sink/broadcast"
	"github.com/pingsantohq/tcpping/internal/sink/datafile"
	"github.com/pingsantohq/tcpping/internal/sink/postgres"
	"github.com/pingsantohq/tcpping/internal/transmit"
	"github.com/pingsantohq/tcpping/internal/uplink"
	"github.com/pingsantohq/tcpping/internal/worker"
	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	defaultSpillThreshold = 0.8
	spillSegmentBytes     = 64 << 20
	shutdownTimeout       = 3 * time.Second
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "dump":
		err = export.Run(ctx, os.Args[2:], export.Dependencies{})
	case "init":
		err = initConfig(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("tcpping: TCP handshake latency worker")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tcpping run [--config /etc/tcpping/tcpping.yaml]")
	fmt.Println("  tcpping dump [--config path | --data-dir dir] [--start \"YYYY-MM-DD [HH:MM[:SS]]\"] [--end ...] [-o file.csv]")
	fmt.Println("  tcpping init [--output /etc/tcpping/tcpping.yaml] [--force]")
}

func initConfig(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	output := fs.String("output", config.Path(), "Where to write the default configuration")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*output); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *output)
	}
	return config.Write(*output, config.Default())
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.Path(), "Path to tcpping configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Agent.LogLevel)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o700); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	state, err := config.EnsureState(ctx, cfg.Agent.DataDir, cfg.Agent.Kind, time.Now())
	if err != nil {
		return fmt.Errorf("load worker state: %w", err)
	}
	workerID, err := state.ID()
	if err != nil {
		return err
	}
	logger = logger.With("worker", state.WorkerID)
	logger.Info("tcpping starting", "kind", cfg.Agent.Kind, "data_dir", cfg.Agent.DataDir, "listen", cfg.Agent.Listen)

	store, err := loadOptions(cfg, logger)
	if err != nil {
		return err
	}

	metricsStore := metrics.NewStore()
	healthChecker := health.NewChecker(metricsStore, nil, store.Snapshot)

	proberOpts := []probe.Option{}
	if cfg.Run.AttemptsPerSec > 0 {
		burst := max(int(cfg.Run.AttemptsPerSec), 1)
		proberOpts = append(proberOpts, probe.WithAttemptLimiter(rate.NewLimiter(rate.Limit(cfg.Run.AttemptsPerSec), burst)))
	}

	opts := []runtime.Option{
		runtime.WithQueueCapacity(cfg.Queue.MemItemsCap),
		runtime.WithMetricsStore(metricsStore),
		runtime.WithHealthChecker(healthChecker),
		runtime.WithLogger(logger.With("component", "queue")),
		runtime.WithSchedulerOptions(
			scheduler.WithKind(cfg.Agent.Kind),
			scheduler.WithLogger(logger.With("component", "scheduler")),
			scheduler.WithProber(probe.New(proberOpts...)),
			scheduler.WithPool(worker.NewPool(worker.WithMaxInFlight(cfg.Run.MaxInFlight))),
		),
	}

	if cfg.Queue.SpillToDisk {
		diskCap, err := cfg.Queue.DiskBytes()
		if err != nil {
			return fmt.Errorf("parse disk_bytes_cap: %w", err)
		}
		spill, err := persist.Open(filepath.Join(cfg.Agent.DataDir, "spill"), diskCap, spillSegmentBytes)
		if err != nil {
			return fmt.Errorf("open spill store: %w", err)
		}
		defer spill.Close()
		opts = append(opts,
			runtime.WithSpill(spill, defaultSpillThreshold),
			runtime.WithBackfillController(backfill.New(spill, func() time.Duration {
				return store.Snapshot().Interval()
			})),
		)
	}

	rt := runtime.New(store, opts...)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks, hub, closeSinks, err := openSinks(runCtx, cfg, workerID, metricsStore, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	transmitter := rt.NewTransmitter(sinks, transmit.WithLogger(logger.With("component", "transmit")))

	deps := api.Dependencies{
		Logger:  logger.With("component", "api"),
		Options: store,
		Metrics: metricsStore,
		Health:  healthChecker,
	}
	if hub != nil {
		deps.Stream = hub
	}
	server := api.New(api.Config{Addr: cfg.Agent.Listen, ReadTimeout: 10 * time.Second, IdleTimeout: time.Minute}, deps)

	grp, groupCtx := errgroup.WithContext(runCtx)
	wait := rt.Start(groupCtx)

	grp.Go(func() error {
		if err := transmitter.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-groupCtx.Done()
		wait()
		return nil
	})

	grp.Go(func() error {
		return serve(groupCtx, server, logger)
	})

	grp.Go(func() error {
		watchReload(groupCtx, *configPath, store, logger)
		return nil
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Info("tcpping stopped")
	return nil
}

// loadOptions prefers the options file in the data directory, which holds
// mutations made at runtime, over the targets section of the config.
func loadOptions(cfg config.Config, logger *log.Logger) (*options.Store, error) {
	path := options.FilePath(cfg.Agent.DataDir)
	persister := options.NewPersister(path, func(err error) {
		logger.Error("persist options failed", "path", path, "err", err)
	})

	saved, ok, err := options.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if ok {
		logger.Info("restored options", "path", path, "version", saved.Version, "targets", len(saved.Addrs))
		return options.NewStore(saved.TargetOptions, options.WithVersion(saved.Version), options.WithOnChange(persister.Save))
	}
	return options.NewStore(cfg.Targets, options.WithOnChange(persister.Save))
}

func openSinks(ctx context.Context, cfg config.Config, workerID uuid.UUID, rec metrics.SinkRecorder, logger *log.Logger) (*sink.Multi, *broadcast.Hub, func(), error) {
	var (
		named   []sink.Named
		closers []func()
		hub     *broadcast.Hub
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Sinks.Datafile {
		w, err := datafile.Open(cfg.Agent.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		named = append(named, w)
		closers = append(closers, func() {
			if err := w.Close(); err != nil {
				logger.Warn("close datafile", "err", err)
			}
		})
	}
	if cfg.Sinks.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.Sinks.PostgresDSN, workerID)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		named = append(named, pg)
		closers = append(closers, pg.Close)
	}
	if cfg.Sinks.UplinkURL != "" {
		files := uplink.TLSFiles{CertPath: cfg.Sinks.UplinkCert, KeyPath: cfg.Sinks.UplinkKey, CAPath: cfg.Sinks.UplinkCA}
		tlsConfig, err := uplink.LoadTLSConfig(files, cfg.Sinks.UplinkURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("uplink tls: %w", err)
		}
		up, err := uplink.NewClient(
			uplink.Config{ServerURL: cfg.Sinks.UplinkURL, WorkerID: workerID.String(), Kind: cfg.Agent.Kind, Labels: cfg.Sinks.UplinkLabels},
			uplink.Dependencies{HTTPClient: uplink.NewHTTPClient(tlsConfig), Logger: logger.With("component", "uplink")},
		)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		named = append(named, up)
	}
	if cfg.Sinks.Broadcast {
		hub = broadcast.NewHub(broadcast.WithLogger(logger.With("component", "broadcast")))
		named = append(named, hub)
		closers = append(closers, func() { _ = hub.Close() })
	}
	if len(named) == 0 {
		logger.Warn("no sinks configured, rounds are only exported as metrics")
	}
	multi := sink.NewMulti(named, sink.WithMetrics(rec), sink.WithBacklog(max(cfg.Queue.MemItemsCap/4, 1)))
	return multi, hub, closeAll, nil
}

func serve(ctx context.Context, server *api.Server, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// watchReload re-reads the targets section on SIGHUP.
func watchReload(ctx context.Context, path string, store *options.Store, logger *log.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := reloadTargets(ctx, path, store)
			if err != nil {
				logger.Error("reload failed", "path", path, "err", err)
				continue
			}
			logger.Info("config reloaded", "changed", changed, "version", store.Version())
		}
	}
}

// reloadTargets replaces the options with the config file's targets section
// when it differs from the current snapshot.
func reloadTargets(ctx context.Context, path string, store *options.Store) (bool, error) {
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return false, err
	}
	next, err := options.Normalize(cfg.Targets)
	if err != nil {
		return false, err
	}
	if sameOptions(next, store.Snapshot().TargetOptions) {
		return false, nil
	}
	if _, err := store.Replace(next); err != nil {
		return false, err
	}
	return true, nil
}

func sameOptions(a, b types.TargetOptions) bool {
	return a.IntervalMillis == b.IntervalMillis &&
		a.AvgAcross == b.AvgAcross &&
		a.PauseMillis == b.PauseMillis &&
		slices.Equal(a.Addrs, b.Addrs)
}
