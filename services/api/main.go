package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/directory"
	"github.com/teamchat/internal/handler"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/push"
	"github.com/teamchat/internal/repository"
	"github.com/teamchat/internal/startup"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/storage/memory"
	"github.com/teamchat/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "embedded PostgreSQL and X-Participant-Id auth (no external services required)")
	seed := flag.Bool("seed", false, "load the YAML directory (dev_directory_path) into PostgreSQL")
	flag.Parse()

	logger.Info("starting chat API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	var (
		store storage.MessageStore
		src   directory.Source
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}
		pool := connectPostgres(cfg)
		defer pool.Close()
		if *migrate {
			return
		}
		pg := directory.NewPostgres(repository.NewEmployeeRepository(pool), repository.NewChannelRepository(pool))
		if *seed || *dev {
			seedDirectory(cfg, pg)
		}
		store = repository.NewMessageRepository(pool)
		src = pg

	case config.BackendMongo:
		mongoStore := startup.ConnectMongoWithRetry(cfg.Mongo.URL, cfg.Mongo.Database, 60*time.Second, "")
		store = mongoStore
		src = loadStaticDirectory(cfg)
		logger.Infof("mongo store ready (database %s)", cfg.Mongo.Database)

	case config.BackendMemory:
		store = memory.NewStore()
		src = loadStaticDirectory(cfg)
		logger.Info("memory store: history is lost on restart")
	}
	defer store.Close()

	var cache storage.DirectoryCache = memory.NewCache()
	if cfg.Redis.URL != "" {
		cache = startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "")
		logger.Info("directory cache: redis")
	}
	defer cache.Close()
	dir := directory.New(src, cache, cfg.DirectoryCacheTTL)

	pushClient := push.NewClient(cfg.PushServiceURL, cfg.PushInternalSecret)
	var notifier ws.PushNotifier
	if pushClient.Enabled() {
		notifier = pushClient
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(store, dir, ws.Config{
		MaxConns:       cfg.MaxWSConnections,
		StoreTimeout:   cfg.StoreTimeout,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteTimeout:   cfg.WSWriteTimeout,
		PongTimeout:    cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	}, notifier)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	auth := middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	if *dev {
		logger.Info("dev mode: participant id taken from X-Participant-Id / participant_id")
		auth = middleware.TrustedParticipant
	}

	srv := &http.Server{
		Addr: cfg.ServerAddr,
		Handler: handler.NewRouter(handler.Deps{
			Config:    cfg,
			Hub:       hub,
			Store:     store,
			Directory: dir,
			Push:      pushClient,
			Auth:      auth,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s (store=%s)", cfg.ServerAddr, cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}

func connectPostgres(cfg *config.Config) *pgxpool.Pool {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := startup.ApplyMigrations(ctx, pool); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Info("database connected, migrations applied")
	return pool
}

func loadStaticDirectory(cfg *config.Config) *directory.Static {
	static, err := directory.LoadFile(cfg.DevDirectoryPath)
	if err != nil {
		logger.Errorf("directory: %v", err)
		os.Exit(1)
	}
	return static
}

// seedDirectory: в -dev справочник из YAML подхватывается автоматически, если файл есть.
func seedDirectory(cfg *config.Config, pg *directory.Postgres) {
	static, err := directory.LoadFile(cfg.DevDirectoryPath)
	if err != nil {
		logger.Errorf("directory seed skipped: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Seed(ctx, static); err != nil {
		logger.Errorf("directory seed: %v", err)
		os.Exit(1)
	}
	logger.Infof("directory seeded from %s", cfg.DevDirectoryPath)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "teamchat"
		password = "teamchat_secret"
		database = "teamchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "teamchat-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
