package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailcore/internal/audit"
	"github.com/fenilsonani/mailcore/internal/auth"
	"github.com/fenilsonani/mailcore/internal/config"
	imapserver "github.com/fenilsonani/mailcore/internal/imap"
	"github.com/fenilsonani/mailcore/internal/logging"
	"github.com/fenilsonani/mailcore/internal/metrics"
	"github.com/fenilsonani/mailcore/internal/queue"
	"github.com/fenilsonani/mailcore/internal/registry"
	"github.com/fenilsonani/mailcore/internal/store"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailcored",
	Short: "IMAP4rev2 mail server core",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the IMAP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}

		log, err := logging.New(logging.Config{
			Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}

		type resources struct {
			db       *store.SQLiteStore
			outbound *queue.RedisQueue
			imapSrv  *imapserver.Server
		}
		res := &resources{}

		cleanup := func() {
			log.Info("starting graceful shutdown")
			if res.outbound != nil {
				if err := res.outbound.Close(); err != nil {
					log.Error("outbound queue shutdown error", "error", err)
				}
			}
			if res.db != nil {
				if err := res.db.Close(); err != nil {
					log.Error("database shutdown error", "error", err)
				}
			}
		}
		defer cleanup()

		db, err := store.Open(cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		res.db = db

		cacheTTL, _ := time.ParseDuration(cfg.Auth.CacheTTL)
		vault := auth.New(db, cfg.Auth.CacheCapacity, cacheTTL)
		reg := registry.New(cfg.Server.MaxConnsUser)
		bus := imapserver.NewBus()
		auditLog := audit.NewLogger(db.DB())

		outbound, err := queue.NewRedisQueue(queue.Config{
			RedisURL: cfg.Queue.RedisURL, Prefix: cfg.Queue.Prefix, MaxRetries: cfg.Queue.MaxRetries,
			RetryMaxAge: 7 * 24 * time.Hour,
		})
		if err != nil {
			log.Warn("outbound queue unavailable, continuing without delivery", "error", err)
		} else {
			res.outbound = outbound
		}

		if cfg.Metrics.Enabled {
			go serveMetrics(cfg.Metrics.Addr, log)
		}

		idleTimeout, _ := time.ParseDuration(cfg.Session.IdleTimeout)
		deps := imapserver.Deps{
			Store:          db,
			Vault:          vault,
			Registry:       reg,
			Bus:            bus,
			Logger:         log,
			ServerName:     cfg.Server.Hostname,
			IdleTimeout:    idleTimeout,
			MaxLineBytes:   cfg.Session.MaxLineBytes,
			MaxArgs:        cfg.Session.MaxArgs,
			MaxSeqSetParts: cfg.Session.MaxSeqSetParts,
			MaxDeletedUIDs: cfg.Session.MaxDeletedUIDs,
			Audit:          auditLog,
		}
		imapSrv := imapserver.NewServer(cfg.Server.IMAPAddr, deps)
		res.imapSrv = imapSrv

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info("mailcored starting", "imap_addr", cfg.Server.IMAPAddr)
		return imapSrv.ListenAndServe(ctx)
	},
}

func serveMetrics(addr string, log *logging.Logger) {
	if err := metrics.Serve(addr); err != nil {
		log.Warn("metrics server stopped", "error", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file")
	rootCmd.AddCommand(serveCmd)
}
