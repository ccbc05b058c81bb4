package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convsync/internal/config"
	"github.com/convsync/internal/handler"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/middleware"
	"github.com/convsync/internal/repository"
	"github.com/convsync/internal/repository/memory"
	"github.com/convsync/internal/startup"
	"github.com/convsync/internal/storage"
	storagememory "github.com/convsync/internal/storage/memory"
	"github.com/convsync/internal/ws"
	"github.com/convsync/migrations"
)

func main() {
	logger.SetPrefix("chat")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	storeKind := flag.String("store", "postgres", "conversation store: postgres or memory")
	flag.Parse()

	cfg := config.Load()
	if cfg.LogLevel != "" {
		logger.SetLevel(cfg.LogLevel)
	}
	logger.Info("starting chat service")

	var (
		store handler.Store
		ping  func(context.Context) error
	)
	switch *storeKind {
	case "memory":
		logger.Info("using in-memory conversation store (data is lost on exit)")
		store = memory.New()
		ping = func(context.Context) error { return nil }
	case "postgres":
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

		poolCfg, err := pgxpool.ParseConfig(cfg.Server.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			logger.Errorf("migrations: %v", err)
			logger.Flush(time.Second)
			os.Exit(1)
		}
		if *migrate {
			logger.Flush(time.Second)
			return
		}
		logger.Info("database connected, migrations applied")
		store = repository.NewStore(pool)
		ping = pool.Ping
	default:
		logger.Errorf("unknown -store %q (want postgres or memory)", *storeKind)
		os.Exit(1)
	}

	var limiter storage.RateLimiter
	if cfg.Server.Redis.URL != "" {
		limiter = startup.ConnectRedisWithRetry(cfg.Server.Redis.URL, 30*time.Second, "")
	} else {
		limiter = storagememory.New()
	}
	defer limiter.Close()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(store, ws.Options{
		MaxConns:          cfg.Server.MaxWSConnections,
		SendBufSize:       cfg.Server.WSSendBufferSize,
		WriteWait:         cfg.Server.WSWriteTimeout,
		PongWait:          cfg.Server.WSPongTimeout,
		MaxMessageSize:    cfg.Server.WSMaxMessageSize,
		MessagesPerSecond: cfg.Server.WSMessagesPerSecond,
		Burst:             cfg.Server.WSBurst,
		TypingExpiry:      cfg.Server.TypingExpiry,
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	convH := handler.NewConversationHandler(store, hub)
	msgH := handler.NewMessageHandler(store, hub, limiter, cfg.Server.SendLimitPerMinute)
	wsH := handler.NewWSHandler(hubCtx, hub, cfg.Server.CORSAllowedOrigins)
	apiLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		IPRPS:     cfg.Server.APIPerIP,
		IPBurst:   cfg.Server.APIBurst,
		UserRPS:   cfg.Server.APIPerUser,
		UserBurst: cfg.Server.APIBurst,
	})
	defer apiLimiter.Shutdown()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Metrics)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RecoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Server.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Use(apiLimiter.Handler)
		handler.Mount(r, convH, msgH)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.Server.Addr)
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
			logger.Flush(time.Second)
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
	logger.Flush(2 * time.Second)
}

// runMigrations применяет встроенные миграции по порядку имён. Все миграции идемпотентны.
func runMigrations(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied (%d)", len(names))
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "convsync"
		password = "convsync_secret"
		database = "convsync"
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
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Server.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
