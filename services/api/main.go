package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
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
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/viafix/internal/broker"
	"github.com/viafix/internal/chat"
	"github.com/viafix/internal/config"
	"github.com/viafix/internal/handler"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/middleware"
	"github.com/viafix/internal/model"
	"github.com/viafix/internal/notify"
	"github.com/viafix/internal/push"
	"github.com/viafix/internal/repository"
	"github.com/viafix/internal/startup"
	"github.com/viafix/internal/storage"
	"github.com/viafix/internal/storage/memory"
	"github.com/viafix/internal/ws"
	"github.com/viafix/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory session store")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
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

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := pool.Exec(resetCtx, "UPDATE users SET is_online = false"); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	var store storage.SessionStore
	if *dev {
		store = memory.New()
		logger.Info("using in-memory session store")
	} else {
		store = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer store.Close()

	userRepo := repository.NewUserRepository(pool)
	threadRepo := repository.NewThreadRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	settingsRepo := repository.NewSettingsRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)

	if *dev {
		seedDev(pool, userRepo, sessionRepo, store)
	}

	feed := broker.New(cfg.EventBufferSize)
	feedCtx, feedCancel := context.WithCancel(context.Background())
	var feedWg sync.WaitGroup
	feedWg.Add(1)
	go func() {
		defer feedWg.Done()
		feed.Run(feedCtx)
	}()

	pushClient := push.NewClient(cfg.PushServiceURL)
	svc := chat.NewService(threadRepo, msgRepo, userRepo, feed)
	bridge := notify.NewBridge(svc, settingsRepo, pushClient, feed)

	gw := ws.NewGateway(svc, feed, bridge, store, userRepo, cfg.MaxWSConnections)
	gwCtx, gwCancel := context.WithCancel(context.Background())
	var gwWg sync.WaitGroup
	gwWg.Add(1)
	go func() {
		defer gwWg.Done()
		gw.Run(gwCtx)
	}()

	threadH := handler.NewThreadHandler(svc)
	msgH := handler.NewMessageHandler(svc)
	settingsH := handler.NewSettingsHandler(settingsRepo)
	userH := handler.NewUserHandler(userRepo)
	pushH := handler.NewPushHandler(pushClient)
	wsH := handler.NewWSHandler(gw, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Never compress WebSocket responses: the wrapped ResponseWriter would
	// lose http.Hijacker and the upgrade fails with a 500.
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessionRepo, store))
		r.Get("/api/users/me", userH.Me)
		r.Get("/api/users/search", userH.Search)
		r.Post("/api/threads", threadH.Resolve)
		r.Get("/api/threads", threadH.List)
		r.Get("/api/threads/{threadID}", threadH.Get)
		r.Get("/api/threads/{threadID}/messages", msgH.List)
		r.Post("/api/threads/{threadID}/messages", msgH.Send)
		r.Post("/api/threads/{threadID}/read", msgH.MarkRead)
		r.Get("/api/unread", threadH.Unread)
		r.Get("/api/settings/notifications", settingsH.Get)
		r.Put("/api/settings/notifications", settingsH.Update)
		r.Get("/api/push/vapid-public-key", pushH.PublicKey)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
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
	feedCancel()
	feedWg.Wait()
	logger.Info("event feed stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
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

// seedDev provisions two demo users with ready-to-use sessions so a local
// build is immediately usable. Session ids and secrets are printed once.
func seedDev(pool *pgxpool.Pool, userRepo *repository.UserRepository, sessionRepo *repository.SessionRepository, store storage.SessionStore) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users := []model.User{
		{ID: "dev-customer", Username: "Dev Customer", Role: model.RoleCustomer, Email: "customer@example.com"},
		{ID: "dev-mechanic", Username: "Dev Mechanic", Role: model.RoleMechanic, Email: "mechanic@example.com"},
	}
	for i := range users {
		u := users[i]
		u.CreatedAt = time.Now().UTC()
		if _, err := userRepo.GetByID(ctx, u.ID); err == nil {
			continue
		}
		if err := userRepo.Create(ctx, &u); err != nil {
			logger.Errorf("seed user %s: %v", u.ID, err)
			continue
		}

		secretRaw := make([]byte, 32)
		if _, err := rand.Read(secretRaw); err != nil {
			logger.Errorf("seed secret: %v", err)
			continue
		}
		secret := base64.StdEncoding.EncodeToString(secretRaw)
		sess := &model.Session{
			ID:         uuid.NewString(),
			UserID:     u.ID,
			CreatedAt:  time.Now().UTC(),
			LastSeenAt: time.Now().UTC(),
		}
		if err := sessionRepo.Create(ctx, sess); err != nil {
			logger.Errorf("seed session for %s: %v", u.ID, err)
			continue
		}
		if err := store.SetSessionSecret(ctx, sess.ID, secret); err != nil {
			logger.Errorf("seed session secret for %s: %v", u.ID, err)
			continue
		}
		logger.Infof("dev user %s ready: session_id=%s secret=%s", u.ID, sess.ID, secret)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "viafix"
		password = "viafix_secret"
		database = "viafix"
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
