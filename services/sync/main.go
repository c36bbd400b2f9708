package main

import (
	"context"
	"flag"
	"fmt"
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

	"github.com/marketchat/internal/config"
	"github.com/marketchat/internal/conversation"
	"github.com/marketchat/internal/handler"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/messaging"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/moderation"
	"github.com/marketchat/internal/startup"
	"github.com/marketchat/internal/store"
	"github.com/marketchat/internal/store/memory"
	"github.com/marketchat/internal/store/pg"
	"github.com/marketchat/internal/ws"
	"github.com/marketchat/migrations"
)

func main() {
	logger.SetPrefix("sync")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting sync service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev && cfg.StoreBackend == config.StorePostgres {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
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

	st, cleanup := openStore(cfg)
	defer cleanup()

	if *migrate && !*dev {
		return
	}

	gwCtx, gwCancel := context.WithCancel(context.Background())
	gw := ws.NewGateway(cfg.MaxWSConnections)

	var gwWg sync.WaitGroup
	gwWg.Add(1)
	go func() {
		defer gwWg.Done()
		gw.Run(gwCtx)
	}()

	convMgr := conversation.NewManager(st)
	pipeline := messaging.NewPipeline(st, convMgr)
	modSvc := moderation.NewService(st, convMgr)

	convH := handler.NewConversationHandler(convMgr, pipeline)
	msgH := handler.NewMessageHandler(pipeline)
	modH := handler.NewModerationHandler(modSvc)
	wsH := handler.NewWSHandler(gw, st, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-User-Id", "X-User-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	r.Group(func(r chi.Router) {
		r.Use(middleware.UserAuth(cfg.AuthServiceURL, nil))
		r.Post("/api/conversations", convH.FindOrCreate)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/unread", convH.UnreadTotal)
		r.Delete("/api/conversations/{id}", convH.Delete)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/conversations/{id}/read", msgH.MarkRead)
		r.Post("/api/conversations/{id}/block", modH.Block)
		r.Delete("/api/conversations/{id}/block", modH.Unblock)
		r.Post("/api/conversations/{id}/report", modH.Report)
		r.Post("/api/messages", msgH.Send)
		r.Put("/api/messages/{id}", msgH.Edit)
		r.Delete("/api/messages/{id}", msgH.Delete)
		r.Post("/api/messages/{id}/restore", msgH.Restore)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
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
	gwCancel()
	gwWg.Wait()
	logger.Info("gateway stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// openStore создаёт бэкенд хранилища согласно конфигурации.
// Возвращает store и функцию освобождения ресурсов.
func openStore(cfg *config.Config) (store.Store, func()) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Info("using in-memory document store")
		st := memory.New()
		return st, func() { st.Close() }

	case config.StoreRedis:
		logger.Infof("using redis document store at %s", cfg.Redis.URL)
		st := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		return st, func() { st.Close() }

	default: // postgres
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		runMigrations(pool)
		logger.Info("database connected, migrations applied")

		ctx, cancel := context.WithCancel(context.Background())
		st := pg.New(ctx, pool)
		return st, func() {
			st.Close()
			cancel()
			pool.Close()
		}
	}
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "marketchat"
		password = "marketchat_secret"
		database = "marketchat"
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

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
