package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/basket/devbridge/internal/audit"
	"github.com/basket/devbridge/internal/bus"
	"github.com/basket/devbridge/internal/config"
	"github.com/basket/devbridge/internal/cron"
	"github.com/basket/devbridge/internal/dispatcher"
	"github.com/basket/devbridge/internal/gateway"
	"github.com/basket/devbridge/internal/jsvm"
	otelPkg "github.com/basket/devbridge/internal/otel"
	"github.com/basket/devbridge/internal/persistence"
	"github.com/basket/devbridge/internal/storage"
	"github.com/basket/devbridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON (default):
  %[1]s                          Start the debugger bridge on bind_addr

SUBCOMMANDS:
  %[1]s attach [-url U] [-token T]   Interactive console against a running daemon
  %[1]s status                       Show daemon health (/healthz)
  %[1]s doctor [-json]               Run diagnostic checks
  %[1]s version                      Print the version

FLAGS:
`, name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DEVBRIDGE_HOME          Data directory (default: ~/.devbridge)
  DEVBRIDGE_BIND_ADDR     Overrides bind_addr
  DEVBRIDGE_AUTH_TOKEN    Token expected on /ws, /api and /storage
`)
}

func main() {
	bind := flag.String("bind", "", "listen address (overrides bind_addr)")
	quiet := flag.Bool("quiet", false, "log to <home>/logs only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "attach":
			os.Exit(runAttachCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	otelPkg.Version = Version
	if err := runDaemon(ctx, *bind, *quiet); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, bindOverride string, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if bindOverride != "" {
		cfg.BindAddr = bindOverride
	}

	// Audit comes up before the logger so logger failures are recorded too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.Fresh {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(logger.Logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	warnOpenBind(logger.Logger, cfg)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath(), eventBus)
	if err != nil {
		fatalStartup(logger.Logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "path", cfg.DBPath())

	recorder := persistence.NewRecorder(store, eventBus, logger.Logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	vm, err := jsvm.New(jsvm.Config{
		Logger:           logger.Logger,
		EvalTimeout:      cfg.EvalTimeout(),
		MaxCallStackSize: cfg.Runtime.MaxCallStackSize,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_RUNTIME_INIT", err)
	}
	defer vm.Close()
	if script := cfg.StartupScriptPath(); script != "" {
		if err := vm.LoadScript(ctx, script); err != nil {
			fatalStartup(logger.Logger, "E_STARTUP_SCRIPT", err)
		}
		logger.Info("startup phase", "phase", "startup_script_loaded", "path", script)
	}

	disp, err := dispatcher.New(dispatcher.Config{
		Host:                vm,
		Logger:              logger.Logger,
		Tracer:              otelProvider.Tracer,
		Metrics:             metrics,
		Bus:                 eventBus,
		ContextName:         cfg.ContextName,
		ReplyUnknownMethods: cfg.Dispatcher.ReplyUnknownMethods,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_DISPATCHER_INIT", err)
	}

	files, err := storage.New(storage.Config{
		Root:           cfg.Storage.Root,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Logger:         logger.Logger,
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_STORAGE_INIT", err)
	}

	janitor := storage.NewJanitor(files.Root(), cfg.TempMaxAge(), logger.Logger)
	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger.Logger,
		Jobs: []cron.Job{
			{
				Name:     "storage.janitor",
				Schedule: cfg.Storage.JanitorSchedule,
				Run: func(ctx context.Context) error {
					_, err := janitor.Sweep(ctx)
					return err
				},
			},
			{
				Name:     "history.retention",
				Schedule: "@hourly",
				Run: func(ctx context.Context) error {
					_, err := store.RunRetention(ctx, cfg.RetentionSessionsDays)
					return err
				},
			},
		},
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	var authToken string
	if cfg.AuthTokenRequired {
		authToken, err = config.LoadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger.Logger, "E_AUTH_TOKEN", err)
		}
		logger.Info("auth token required", "path", config.TokenPath(cfg.HomeDir))
	}

	var fingerprint atomic.Value
	fingerprint.Store(cfg.Fingerprint())

	gw, err := gateway.New(gateway.Config{
		Dispatcher:        disp,
		Console:           vm,
		Store:             store,
		Bus:               eventBus,
		Logger:            logger.Logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		Storage:           files,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		WriteTimeout:      cfg.WriteTimeout(),
		MaxMessageBytes:   cfg.Session.MaxMessageBytes,
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS(),
		ConfigFingerprint: func() string { return fingerprint.Load().(string) },
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_GATEWAY_INIT", err)
	}
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	watcher := config.NewWatcher(cfg, logger.Logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg.HomeDir, logger, eventBus, &fingerprint)
	}

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger.Logger, "E_LISTENER_BIND", fmt.Errorf("%w (is another devbridge running? try `devbridge status`)", err))
		}
		fatalStartup(logger.Logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Close the debugger session first so the client sees GoingAway, then
	// stop intake and drain HTTP handlers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("session close timed out", "error", err)
	}
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return runErr
}

// watchConfig re-reads config.yaml on change. Only log_level applies live;
// everything else is reported as needing a restart.
func watchConfig(ctx context.Context, w *config.Watcher, home string, logger *telemetry.Logger, b *bus.Bus, fingerprint *atomic.Value) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if !ev.IsConfigFile() {
				logger.Warn("startup script changed; restart devbridge to apply", "path", ev.Path)
				continue
			}
			next, err := config.LoadFrom(home)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.SetLevel(next.LogLevel)
			fp := next.Fingerprint()
			fingerprint.Store(fp)
			b.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Fingerprint: fp, Path: ev.Path})
			logger.Info("config reloaded", "fingerprint", fp, "log_level", next.LogLevel)
		}
	}
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if !cfg.AuthTokenRequired {
		logger.Warn("non-loopback bind without auth_token_required; anyone who can reach it may run code", "bind_addr", cfg.BindAddr)
	}
	if len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; browser connections are same-origin only", "bind_addr", cfg.BindAddr)
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
		writeFatalJSON(os.Stderr, reasonCode, message)
	}
	os.Exit(1)
}

func writeFatalJSON(w io.Writer, reasonCode, message string) {
	fmt.Fprintf(w,
		`{"timestamp":"%s","level":"ERROR","component":"devbridge","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}
