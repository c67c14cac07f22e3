package commands

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/batchpub/config"
	"github.com/teranos/batchpub/db"
	"github.com/teranos/batchpub/engine"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/loop"
	"github.com/teranos/batchpub/metrics"
	"github.com/teranos/batchpub/server"
	"github.com/teranos/batchpub/store"
	"github.com/teranos/batchpub/version"
)

// shutdownTimeout bounds the graceful part of a shutdown.
const shutdownTimeout = 15 * time.Second

// ServeCmd starts the publication server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the publication server",
	Long: `Load the configuration, open the document store, declare the configured
publications and serve them over WebSocket until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logOpts := logger.Options{JSON: cfg.Log.JSON, Level: cfg.Log.Level}
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity > 0 {
		logOpts.Level = logger.VerbosityToLevel(verbosity).String()
	}
	if err := logger.Initialize(logOpts); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Cleanup()
	log := logger.Logger

	a, err := newApp(cfg, log, verbosity)
	if err != nil {
		return err
	}
	log.Infow("Starting batchpub",
		"version", version.Get().Version,
		"driver", cfg.Database.Driver,
		"publications", len(cfg.Publications),
		"level_name", logger.LevelName(verbosity))

	addr := net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.ListenPort()))
	errChan := make(chan error, 1)
	go func() {
		errChan <- a.server.ListenAndServe(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case serveErr = <-errChan:
		if serveErr != nil {
			log.Errorw("Server stopped unexpectedly", logger.FieldError, serveErr.Error())
		}
	case sig := <-sigChan:
		log.Infow("Shutting down gracefully", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		log.Warnw("Shutdown incomplete", logger.FieldError, err.Error())
	}
	return serveErr
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// app is one wired server process.
type app struct {
	log    *zap.SugaredLogger
	loop   *loop.Loop
	cancel context.CancelFunc
	store  store.Store
	engine *engine.Engine
	server *server.Server
}

// newApp wires the loop, store, engine and server described by cfg. The
// loop is running when it returns. verbosity is the -v count.
func newApp(cfg *config.Config, log *zap.SugaredLogger, verbosity int) (*app, error) {
	ctx, cancel := context.WithCancel(context.Background())
	lp := loop.New(log)
	go lp.Run(ctx)
	a := &app{log: log, loop: lp, cancel: cancel}

	var (
		collector metrics.Collector
		gatherer  prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewPrometheus(reg, cfg.Metrics.Namespace)
		gatherer = reg
	}

	st, err := openStore(cfg, store.Options{
		Scheduler:    lp,
		Logger:       log,
		Metrics:      collector,
		PollInterval: cfg.Feed.PollInterval(),
		PollThrottle: cfg.Feed.PollThrottle(),
	})
	if err != nil {
		a.closeLoop()
		return nil, err
	}
	a.store = st

	a.engine = engine.New(
		engine.WithExecutor(lp),
		engine.WithStore(st),
		engine.WithLogger(log),
		engine.WithMetrics(collector),
		engine.WithVerbosity(verbosity),
	)
	if err := a.engine.Declare(cfg.Publications); err != nil {
		st.Close()
		a.closeLoop()
		return nil, err
	}

	a.server, err = server.New(server.Options{
		Engine:         a.engine,
		Store:          st,
		Logger:         log,
		Metrics:        collector,
		Gatherer:       gatherer,
		MetricsPath:    cfg.Metrics.Path,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxSessions:    cfg.Server.MaxSessions,
		SendBuffer:     cfg.Server.SendBuffer,
	})
	if err != nil {
		st.Close()
		a.closeLoop()
		return nil, err
	}
	return a, nil
}

func openStore(cfg *config.Config, opts store.Options) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		conn, err := db.OpenWithMigrations(cfg.Database.Path, opts.Logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open database")
		}
		return store.NewSQLStore(conn, opts), nil
	default:
		return store.NewMemoryStore(opts), nil
	}
}

// shutdown stops accepting sessions, detaches every subscription and
// releases the store. Every step runs even when an earlier one fails.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "stop server"))
	}
	if err := a.engine.Stop(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "stop engine"))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close store"))
	}
	a.closeLoop()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.log.Infow("Shutdown complete")
	return nil
}

func (a *app) closeLoop() {
	a.cancel()
	a.loop.Close()
}
