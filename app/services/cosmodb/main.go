package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/cosmoweb3/cosmodb/app/services/cosmodb/handlers"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/replica"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/vault"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/worker"
	"github.com/cosmoweb3/cosmodb/foundation/events"
	"github.com/cosmoweb3/cosmodb/foundation/logger"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("COSMODB")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
			CorsOrigin      string        `conf:"default:*"`
		}
		DB struct {
			DataDir     string `conf:"default:zdata/shards"`
			Secret      string `conf:"default:change-me-in-production,mask"`
			Salt        string `conf:"default:cosmodb-shard-salt"`
			CacheSize   int    `conf:"default:256"`
			ScanWorkers int    `conf:"default:8"`
		}
		Replica struct {
			Self           string        `conf:"default:0.0.0.0:9080"`
			DiscoveryHost  string
			KnownHosts     []string      `conf:"default:0.0.0.0:9180;0.0.0.0:9280"`
			PoolSize       int           `conf:"default:2"`
			RetryCount     int           `conf:"default:3"`
			RetryDelay     time.Duration `conf:"default:1s"`
			CallTimeout    time.Duration `conf:"default:5s"`
			PushInterval   time.Duration `conf:"default:2s"`
			RotateInterval time.Duration `conf:"default:1m"`
			RotateCooldown time.Duration `conf:"default:10s"`
		}
		Vault struct {
			Path string `conf:"default:zdata/vault/snapshots.db"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "sharded encrypted document store",
		},
	}

	const prefix = "COSMODB"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Store Support

	// The store packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	// Endpoints come from a discovery node when one is configured, otherwise
	// from the static list of known hosts.
	var discoverer replica.Discoverer = replica.NewStaticDiscoverer(cfg.Replica.KnownHosts)
	if cfg.Replica.DiscoveryHost != "" {
		discoverer = replica.NewHTTPDiscoverer(cfg.Replica.DiscoveryHost, cfg.Replica.Self)
	}

	db, err := cosmodb.New(cosmodb.Config{
		DataDir:        cfg.DB.DataDir,
		Secret:         cfg.DB.Secret,
		Salt:           cfg.DB.Salt,
		CacheSize:      cfg.DB.CacheSize,
		ScanWorkers:    cfg.DB.ScanWorkers,
		Client:         replica.NewHTTPClient(),
		Discoverer:     discoverer,
		PoolSize:       cfg.Replica.PoolSize,
		RetryCount:     cfg.Replica.RetryCount,
		RetryDelay:     cfg.Replica.RetryDelay,
		CallTimeout:    cfg.Replica.CallTimeout,
		PushInterval:   cfg.Replica.PushInterval,
		RotateInterval: cfg.Replica.RotateInterval,
		RotateCooldown: cfg.Replica.RotateCooldown,
		EvHandler:      ev,
	})
	if err != nil {
		return err
	}
	defer db.Shutdown()

	// The vault keeps the snapshots other nodes push to this one.
	vlt, err := vault.Open(cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer vlt.Close()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	debugMux, err := handlers.DebugMux(build, log, db)
	if err != nil {
		return fmt.Errorf("constructing debug mux: %w", err)
	}

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	muxCfg := handlers.MuxConfig{
		Shutdown:   shutdown,
		Log:        log,
		DB:         db,
		Vault:      vlt,
		Evts:       evts,
		Self:       cfg.Replica.Self,
		KnownHosts: cfg.Replica.KnownHosts,
		CorsOrigin: cfg.Web.CorsOrigin,
	}

	// =========================================================================
	// Start Private Service

	// The private API starts before the worker so nodes probing each other
	// at startup find this one answering.
	log.Infow("startup", "status", "initializing V1 private API support")

	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      handlers.PrivateMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// The worker pushes snapshots and rotates replicas. It will register
	// itself with the store.
	worker.Run(db, ev)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      handlers.PublicMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}

		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}
	}

	return nil
}
