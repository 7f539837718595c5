// Command rk-server starts the report-keeper HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/and161185/report-keeper/internal/blob"
	"github.com/and161185/report-keeper/internal/config"
	"github.com/and161185/report-keeper/internal/crypto"
	"github.com/and161185/report-keeper/internal/limiter"
	"github.com/and161185/report-keeper/internal/migrate"
	"github.com/and161185/report-keeper/internal/notify"
	"github.com/and161185/report-keeper/internal/repository"
	"github.com/and161185/report-keeper/internal/repository/memory"
	"github.com/and161185/report-keeper/internal/repository/postgres"
	"github.com/and161185/report-keeper/internal/repository/sqlite"
	httpserver "github.com/and161185/report-keeper/internal/server/http"
	"github.com/and161185/report-keeper/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, opens storage, and serves the API until SIGINT/SIGTERM.
func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	var logger *zap.Logger
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("store", cfg.Store.Kind),
		zap.String("blob", cfg.Blob.Kind),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	policy := limiter.Policy{
		Window:   cfg.Auth.LimiterWindow,
		MaxFails: cfg.Auth.LimiterMaxFails,
		BlockFor: cfg.Auth.LimiterBlockFor,
	}

	// Document store and limiter
	var (
		docs repository.DocumentStore
		lim  limiter.Limiter
	)
	switch cfg.Store.Kind {
	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.Store.DSN, logger); err != nil {
			return err
		}
		db, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		docs = postgres.NewDocumentStore(db)
		lim = limiter.NewPG(db.Pool, policy)
	case config.StoreSQLite:
		gdb, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		if sqlDB, err := gdb.DB(); err == nil {
			defer sqlDB.Close()
		}
		docs = sqlite.New(gdb)
		lim = limiter.NewMemory(policy)
	default:
		logger.Warn("in-memory store: data is lost on exit")
		docs = memory.New()
		lim = limiter.NewMemory(policy)
	}

	// Attachment blobs
	var blobs blob.Store
	switch cfg.Blob.Kind {
	case config.BlobS3:
		s3cfg := cfg.Blob.S3
		b, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:    s3cfg.Bucket,
			Region:    s3cfg.Region,
			Endpoint:  s3cfg.Endpoint,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Prefix:    s3cfg.Prefix,
		})
		if err != nil {
			return err
		}
		blobs = b
	default:
		b, err := blob.NewFS(cfg.Blob.Root)
		if err != nil {
			return err
		}
		blobs = b
	}

	var notifier notify.Notifier
	if cfg.SMTP.Host != "" {
		notifier = notify.NewSMTP(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, logger)
	} else {
		logger.Warn("smtp host not set: verification codes are written to the log")
		notifier = notify.NewLog(logger)
	}

	// Repositories
	users := repository.NewUserRepo(docs)
	sessions := repository.NewSessionRepo(docs)
	ledgers := repository.NewLedgerRepo(docs)
	counters := repository.NewCounterRepo(docs)

	// Services
	lockPolicy := service.LockPolicy{After: cfg.Ledger.LockAfterDays}
	files := service.NewAttachmentStore(blobs, counters, logger)
	identity := service.NewIdentityService(users, counters, files, logger)
	sessionMgr := service.NewSessionManager(identity, sessions, notifier, lim, cfg.Auth.CodeTTL, logger)
	ledger := service.NewLedgerService(users, sessions, ledgers, counters, files, lockPolicy, logger)
	sweeper := service.NewSweeper(users, ledgers, lockPolicy, logger)

	if cfg.Admin.Username != "" {
		if _, created, err := identity.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Email); err != nil {
			return err
		} else if created {
			logger.Info("administrator created", zap.String("username", cfg.Admin.Username))
		}
	}

	linkKey := []byte(cfg.Links.Key)
	if len(linkKey) == 0 {
		k, err := crypto.RandBytes(32)
		if err != nil {
			return err
		}
		linkKey = k
		logger.Warn("links key not set: download links will not survive a restart")
	}
	links := service.NewFileLinks(linkKey, cfg.Links.TTL)

	if cfg.Ledger.SweepOnRead {
		ledger.SweepBeforeRead(sweeper.Hook())
	}
	go sweeper.Run(ctx, cfg.Ledger.SweepInterval)

	e := httpserver.New(sessionMgr, identity, ledger, files, links, cfg.MaxUpload, logger).Echo()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown", zap.Error(err))
			_ = e.Close()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
