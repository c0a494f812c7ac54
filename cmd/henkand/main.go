// henkand is the modeless conversion daemon.
//
// It hosts one conversion controller per registered document behind a
// local control socket, so editor integrations only relay trigger and
// cancel keys plus a mirror of the current line. Committed conversions
// are appended to the history store and counted in metrics; henkanctl
// inspects both over the same socket.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"henkand/internal/config"
	"henkand/internal/engine"
	"henkand/internal/health"
	"henkand/internal/history"
	"henkand/internal/ipc"
	"henkand/internal/logging"
	"henkand/internal/metrics"
)

const version = "1.0.0"

var (
	configPath = flag.String("config", "", "path to config file (default: platform config dir)")
	socketPath = flag.String("socket", "", "control socket path (overrides config)")
	logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	foreground = flag.Bool("foreground", false, "run in the foreground instead of daemonizing")
	showVer    = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVer {
		fmt.Printf("henkand %s\n", version)
		return
	}

	if !*foreground {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "Error daemonizing: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "henkand: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `henkand - modeless conversion daemon

Usage: henkand [options]

Options:
  -config <path>     Path to config file (TOML, JSON, or YAML)
  -socket <path>     Control socket path (overrides config)
  -log-level <lvl>   Log level: debug, info, warn, error
  -foreground        Run in the foreground instead of daemonizing
  -version           Print version and exit

The daemon listens on a unix socket for editor clients. Use henkanctl
to inspect status, metrics, and conversion history, or to shut the
daemon down.`)
}

func run() error {
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.ConfigPath()
	}

	cfg, created, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	migration, err := config.MigrateConfig(cfg, cfgPath)
	if err != nil {
		return fmt.Errorf("migrate config: %w", err)
	}

	if *socketPath != "" {
		cfg.Daemon.SocketPath = *socketPath
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(logger)
	defer logger.Close()
	defer logging.RecoverPanic(logging.DefaultCrashDir(), version, "henkand")

	log := logger.WithComponent("daemon")
	log.Info("starting", "version", version, "config", cfgPath)
	if created {
		log.Info("wrote default config", "path", cfgPath)
	}
	if migration != nil {
		log.Info("config migrated",
			"from", migration.FromVersion, "to", migration.ToVersion,
			"backup", migration.Backup)
		for _, w := range migration.Warnings {
			log.Warn("config migration", "warning", w)
		}
	}

	pidPath := filepath.Join(config.HenkandDir(), "henkand.pid")
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	met := metrics.InitMetrics(metrics.NewRegistry("henkand", ""))

	// History store.
	var hist *history.Store
	if cfg.History.Enabled {
		key := history.InsecureKey()
		if cfg.History.Secure {
			key, err = history.KeyFromSecretFile(cfg.History.SecretPath)
			if err != nil {
				return fmt.Errorf("history key: %w", err)
			}
		}
		hist, err = history.Open(cfg.History.Path, key)
		if err != nil && hist == nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer hist.Close()

		// A store that failed chain verification comes back open so the
		// damage can be inspected over the control socket; the daemon
		// runs degraded rather than refusing to start.
		if err != nil {
			log.Warn("history integrity check failed; records may have been tampered with",
				"path", cfg.History.Path, "error", err)
		}
	}

	// Dictionary engine.
	if wrote, err := engine.EnsureDictionary(cfg.Engine.DictionaryPath); err != nil {
		return err
	} else if wrote {
		log.Info("wrote starter dictionary", "path", cfg.Engine.DictionaryPath)
	}

	eng, err := engine.NewDictionary(cfg.Engine.DictionaryPath, engine.DictionaryOptions{
		MaxCandidates: cfg.Engine.MaxCandidates,
		AutoReload:    cfg.Engine.AutoReload,
		Logger:        logger.WithComponent("engine").Logger,
	})
	if err != nil {
		return fmt.Errorf("load dictionary: %w", err)
	}
	defer eng.Close()
	met.SetDictionaryEntries(int64(eng.Len()))
	log.Info("dictionary loaded", "path", cfg.Engine.DictionaryPath, "entries", eng.Len())

	// Health checks.
	checker := health.NewChecker()
	checker.RegisterFunc("dictionary", true, health.CustomCheck(func() error {
		if eng.Len() == 0 {
			return errors.New("dictionary has no entries")
		}
		return nil
	}))
	if hist != nil {
		checker.RegisterFunc("history", false, health.DatabaseCheck(hist.Ping))
	}

	// Control socket.
	stop := make(chan struct{})
	var once sync.Once
	stopOnce := func() { once.Do(func() { close(stop) }) }

	handler, err := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:    version,
		ConfigPath: cfgPath,
		Config:     cfg,
		Engine:     eng,
		History:    hist,
		Metrics:    met,
		Health:     checker,
		Logger:     logger.WithComponent("ipc"),
		Shutdown:   stopOnce,
	})
	if err != nil {
		return err
	}

	serverCfg := ipc.DefaultServerConfig(config.HenkandDir())
	serverCfg.Version = version
	if cfg.Daemon.SocketPath != "" {
		serverCfg.SocketPath = cfg.Daemon.SocketPath
	}
	if cfg.Daemon.MaxConnections > 0 {
		serverCfg.MaxConnections = cfg.Daemon.MaxConnections
	}
	if cfg.Daemon.TimeoutSec > 0 {
		serverCfg.ReadTimeout = time.Duration(cfg.Daemon.TimeoutSec) * time.Second
	}
	if cfg.Daemon.ShutdownTimeoutSec > 0 {
		serverCfg.ShutdownTimeout = time.Duration(cfg.Daemon.ShutdownTimeoutSec) * time.Second
	}

	server, err := ipc.NewServer(serverCfg, handler)
	if err != nil {
		return err
	}
	handler.SetBroadcaster(server.Broadcast)

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	checker.RegisterFunc("socket", true, health.CustomCheck(func() error {
		if _, err := os.Stat(server.SocketPath()); err != nil {
			return fmt.Errorf("socket missing: %w", err)
		}
		return nil
	}))
	checker.SetReady(true)
	log.Info("listening", "socket", server.SocketPath())

	// Config hot-reload. Controller settings (token pattern, disable
	// policy) and the log level apply live; the rest needs a restart.
	loader := config.NewLoader(cfgPath)
	if _, err := loader.Load(); err != nil {
		log.Warn("config watch disabled", "error", err)
	} else {
		loader.OnChange(func(newCfg *config.Config) {
			if err := newCfg.Validate(); err != nil {
				log.Error("reloaded config rejected", "error", err)
				return
			}
			if err := handler.ApplyConfig(newCfg); err != nil {
				log.Error("apply reloaded config", "error", err)
				return
			}
			log.Info("config reloaded", "path", cfgPath)
		})
		if err := loader.Watch(); err != nil {
			log.Warn("config watch disabled", "error", err)
		} else {
			defer loader.Close()
			go func() {
				for err := range loader.Errors() {
					log.Warn("config watcher", "error", err)
				}
			}()
		}
	}

	// History retention.
	if hist != nil && cfg.History.RetentionDays > 0 {
		retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		pruneHistory(hist, retention, log)
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					pruneHistory(hist, retention, log)
				case <-stop:
					return
				}
			}
		}()
	}

	// Run until signaled or told to shut down over the socket.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("received signal", "signal", sig.String())
	case <-stop:
		log.Info("shutdown requested over control socket")
	}

	checker.SetReady(false)
	if err := handler.Shutdown(); err != nil {
		log.Warn("settle pending conversions", "error", err)
	}
	if err := server.Stop(); err != nil {
		log.Warn("stop server", "error", err)
	}
	log.Info("stopped")
	return nil
}

// newLogger builds the process logger from the logging config section.
func newLogger(lc *config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Component = "henkand"
	if lc.Output != "" {
		cfg.Output = lc.Output
	}
	if lc.FilePath != "" {
		cfg.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		cfg.MaxSize = int64(lc.MaxSizeMB)
	}
	if lc.MaxBackups > 0 {
		cfg.MaxBackups = lc.MaxBackups
	}
	if lc.MaxAgeDays > 0 {
		cfg.MaxAge = lc.MaxAgeDays
	}
	cfg.Compress = lc.Compress

	return logging.New(cfg)
}

func pruneHistory(hist *history.Store, retention time.Duration, log *logging.Logger) {
	pruned, err := hist.PruneBefore(time.Now().Add(-retention))
	if err != nil {
		log.Warn("prune history", "error", err)
		return
	}
	if pruned > 0 {
		log.Info("pruned history", "records", pruned)
	}
}

// writePIDFile refuses to start when another instance already holds the
// PID file; a stale file from a dead process is replaced.
func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if pid != os.Getpid() && processAlive(pid) {
				return fmt.Errorf("already running (pid %d)", pid)
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
