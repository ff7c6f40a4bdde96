package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/basket/taskgraph/internal/assist"
	"github.com/basket/taskgraph/internal/audit"
	"github.com/basket/taskgraph/internal/bus"
	"github.com/basket/taskgraph/internal/config"
	"github.com/basket/taskgraph/internal/gateway"
	"github.com/basket/taskgraph/internal/graph"
	"github.com/basket/taskgraph/internal/otel"
	"github.com/basket/taskgraph/internal/precedent"
	"github.com/basket/taskgraph/internal/telemetry"
	"github.com/basket/taskgraph/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  %[1]s [-daemon]              run the daemon
  %[1]s status                 query the running daemon's health
  %[1]s node <id>              show a node
  %[1]s history <id>           show a node or edge ledger
  %[1]s replay <id> [as-of]    rebuild a node from its ledger
  %[1]s precedents <text>      rank precedents for a task description
  %[1]s doctor [-json]         check config, store and ledger health

Query commands read the store directly and print JSON, or a table when
stdout is a terminal. Set TASKGRAPH_HOME to use another home directory.
`, os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run in daemon mode (logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "node":
			os.Exit(runNodeCommand(ctx, args[1:]))
		case "history":
			os.Exit(runHistoryCommand(ctx, args[1:]))
		case "replay":
			os.Exit(runReplayCommand(ctx, args[1:]))
		case "precedents":
			os.Exit(runPrecedentsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			*daemon = true
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Interactive runs keep stdout clean and log to file only.
	quietLogs := !*daemon && isatty.IsTerminal(os.Stdout.Fd())
	if err := runDaemon(ctx, quietLogs); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, quietLogs bool) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := config.WriteDefaults(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("wrote default config", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		if ip := net.ParseIP(host); (ip == nil || !ip.IsLoopback()) && cfg.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without an auth token", "bind_addr", cfg.BindAddr)
		}
	}

	prov, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = prov.Shutdown(sctx)
	}()
	inst := prov.Instruments

	eventBus := bus.New()
	store, err := graph.Open(ctx, graph.Config{
		Path:            cfg.DBPath,
		Bus:             eventBus,
		Logger:          logger,
		Instruments:     inst,
		ConflictRetries: cfg.Store.ConflictRetries,
		BusyRetries:     cfg.Store.BusyRetries,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath, "schema_version", version, "schema_checksum", checksum)

	var sessions workflow.SessionStore
	switch cfg.Workflow.SessionStore {
	case config.SessionStoreMemory:
		sessions = workflow.NewMemorySessionStore()
	default:
		sqlSessions, err := workflow.NewSQLSessionStore(ctx, store.DB())
		if err != nil {
			fatalStartup(logger, "E_SESSION_STORE", err)
		}
		sessions = sqlSessions
	}

	index := precedent.New(store, precedent.Options{
		Limit:    cfg.Precedents.Limit,
		MinScore: cfg.Precedents.MinScore,
		Logger:   logger,
	})
	engine, err := workflow.New(workflow.Config{
		Store:            store,
		Sessions:         sessions,
		Precedents:       index,
		Generator:        assist.New(),
		Bus:              eventBus,
		Logger:           logger,
		Instruments:      inst,
		MaxClarifyRounds: cfg.Workflow.MaxClarifyRounds,
		GeneratorTimeout: cfg.GeneratorTimeout(),
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}
	sweeper, err := workflow.NewSweeper(workflow.SweeperConfig{
		Engine:    engine,
		Schedule:  cfg.Workflow.RetentionSchedule,
		Retention: cfg.Retention(),
		Logger:    logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Engine:            engine,
		Precedents:        index,
		Bus:               eventBus,
		Logger:            logger,
		Instruments:       inst,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})
	g.Go(func() error {
		gw.Limiter().StartEviction(gctx, time.Minute, 10*time.Minute)
		watchConfig(gctx, confWatcher, gw, logger)
		return nil
	})
	logger.Info("startup phase", "phase", "ready")

	err = g.Wait()
	if err != nil {
		logger.Error("daemon stopped with error", "error", err)
	} else {
		logger.Info("daemon stopped")
	}
	return err
}

// watchConfig applies config.yaml edits that can change without a
// restart: log level, rate limits and the auth token. Anything else is
// logged as needing a restart.
func watchConfig(ctx context.Context, w *config.Watcher, gw *gateway.Server, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload rejected; keeping previous settings", "path", ev.Path, "error", err)
				continue
			}
			telemetry.SetLevel(next.LogLevel)
			gw.Limiter().SetLimits(next.RateLimit)
			gw.Auth().SetToken(next.AuthToken)
			logger.Info("config hot-reloaded", "path", ev.Path, "op", ev.Op.String(), "fingerprint", next.Fingerprint(),
				"note", "bind_addr, db_path and workflow settings apply after restart")
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
