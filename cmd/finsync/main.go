// Package main implements the finsync daemon that keeps the local record store
// in sync with the server and queues the conflicts it cannot settle alone.
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

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cybertec-postgresql/finsync/internal/api"
	"github.com/cybertec-postgresql/finsync/internal/conflict"
	"github.com/cybertec-postgresql/finsync/internal/db"
	"github.com/cybertec-postgresql/finsync/internal/etcd"
	"github.com/cybertec-postgresql/finsync/internal/log"
	"github.com/cybertec-postgresql/finsync/internal/policy"
	"github.com/cybertec-postgresql/finsync/internal/sync"
)

// Config holds the application configuration
type Config struct {
	PostgresDSN         string   `short:"p" env:"FINSYNC_POSTGRES_DSN" long:"postgres-dsn" description:"PostgreSQL connection string of the local store"`
	EtcdDSN             string   `short:"e" env:"FINSYNC_ETCD_DSN" long:"etcd-dsn" description:"etcd connection string of the server store"`
	LogLevel            string   `short:"l" env:"FINSYNC_LOG_LEVEL" long:"log-level" description:"Log level: debug|info|warn|error" default:"info"`
	PollingInterval     string   `env:"FINSYNC_POLLING_INTERVAL" long:"polling-interval" description:"How often pending local changes are published" default:"1s"`
	AutoResolveInterval string   `env:"FINSYNC_AUTO_RESOLVE_INTERVAL" long:"auto-resolve-interval" description:"How often queued conflicts are auto-resolved, 0 disables" default:"30s"`
	ListenAddress       string   `env:"FINSYNC_LISTEN_ADDRESS" long:"listen-address" description:"Address of the conflict review API" default:":8080"`
	FinancialFields     []string `env:"FINSYNC_FINANCIAL_FIELDS" env-delim:"," long:"financial-field" description:"Extra monetary field never resolved automatically (repeatable)"`
	Version             bool     `short:"v" long:"version" description:"Show version information"`
	Help                bool
}

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ParseCLI parses command-line arguments and returns the configuration
func ParseCLI(args []string) (cmdOpts *Config, err error) {
	cmdOpts = new(Config)
	parser := flags.NewParser(cmdOpts, flags.HelpFlag)
	nonParsedArgs, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			cmdOpts.Help = true
		}
		if !flags.WroteHelp(err) {
			parser.WriteHelp(os.Stdout)
		}
		return cmdOpts, err
	}
	if len(nonParsedArgs) > 0 { // we don't expect any non-parsed arguments
		return cmdOpts, fmt.Errorf("unknown argument(s): %v", nonParsedArgs)
	}
	return
}

// SyncConfig turns the interval flags into a sync.Config
func (c *Config) SyncConfig() (sync.Config, error) {
	cfg := sync.DefaultConfig()
	var err error
	if cfg.PollingInterval, err = time.ParseDuration(c.PollingInterval); err != nil {
		return cfg, fmt.Errorf("invalid polling interval: %w", err)
	}
	if cfg.PollingInterval <= 0 {
		return cfg, fmt.Errorf("polling interval must be positive, got %s", c.PollingInterval)
	}
	if cfg.AutoResolveInterval, err = time.ParseDuration(c.AutoResolveInterval); err != nil {
		return cfg, fmt.Errorf("invalid auto-resolve interval: %w", err)
	}
	return cfg, nil
}

// ShowVersion prints version information and exits
func ShowVersion() {
	fmt.Printf("finsync version %s\n", version)
	if commit != "none" && commit != "" {
		fmt.Printf("commit: %s\n", commit)
	}
	if date != "unknown" && date != "" {
		fmt.Printf("built: %s\n", date)
	}
}

// SetupLogging configures the logging system with structured output
func SetupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(log.NewFormatter(false))

	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"pid":     os.Getpid(),
	}).Info("finsync logging initialized")

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS. We then handle this by calling
// our clean up procedure and exiting the program.
func SetupCloseHandler(cancel context.CancelFunc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logrus.Debug("SetupCloseHandler received an interrupt from OS. Closing session...")
		cancel()
	}()
}

// serveAPI runs the review API until ctx is done
func serveAPI(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("address", addr).Info("Conflict review API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func main() {
	// Quick check for version flags before full parsing
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			ShowVersion()
			os.Exit(0)
		}
	}

	config, err := ParseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	if err := SetupLogging(config.LogLevel); err != nil {
		logrus.WithError(err).Fatal("Failed to setup logging")
	}

	syncConfig, err := config.SyncConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	SetupCloseHandler(cancel)

	pgPool, err := db.NewWithRetry(ctx, config.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to PostgreSQL after retries")
	}
	defer pgPool.Close()

	if err := db.ApplyMigrations(ctx, pgPool); err != nil {
		logrus.WithError(err).Fatal("Failed to apply migrations")
	}

	etcdClient, err := etcd.NewEtcdClientWithRetry(ctx, config.EtcdDSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to etcd after retries")
	}
	defer etcdClient.Close()
	logrus.WithField("prefix", etcdClient.Prefix()).Debug("Using etcd key prefix")

	local := db.NewStore(pgPool)
	orch := sync.NewOrchestrator(conflict.NewStore(), local,
		sync.WithAuditRecorder(local),
		sync.WithBaselineSource(local),
		sync.WithPolicy(policy.New(policy.WithFinancialFields(config.FinancialFields...))),
	)
	syncService := sync.NewService(orch, local, etcdClient, syncConfig)
	router := api.NewServer(orch,
		api.WithResolutionHistory(local),
		api.WithMiddlewares(api.LoggingMiddleware),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncService.Start(gctx) })
	g.Go(func() error { return serveAPI(gctx, config.ListenAddress, router) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Fatal("Synchronization failed")
	}

	logrus.Info("Graceful shutdown completed")
}
