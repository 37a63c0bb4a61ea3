package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"blog/pkg/config"
	"blog/pkg/logger"
	"blog/pkg/middleware"
	"blog/pkg/post"
	"blog/pkg/post/api"
	"blog/pkg/reaction"
	"blog/pkg/sessions"
	"blog/pkg/storage/inmemory"
	"blog/pkg/storage/mongodb"
	"blog/pkg/storage/postgres"
	"blog/pkg/user"
)

func main() {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		log.Fatalln("main:", err)
	}

	zapLogger := logger.Run(cfg.LogLevel)
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Users and their roles always live in PostgreSQL.
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		zapLogger.Fatalf("main: unable to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		zapLogger.Fatalf("main: unable to reach PostgreSQL: %v", err)
	}
	usersRepo := user.NewUserRepo(db)
	if err := usersRepo.Migrate(ctx); err != nil {
		zapLogger.Fatalf("main: %v", err)
	}

	store, closeStore := openStore(ctx, cfg, db, zapLogger)
	defer closeStore()

	lifecycle := post.NewLifecycle(store)
	reactions := reaction.NewManager(store)

	if cfg.Seed {
		// Generate fake content to have better UI experience
		if err := seed(ctx, usersRepo, lifecycle, reactions); err != nil {
			zapLogger.Fatalf("main: seeding failed: %v", err)
		}
	}

	redisPool := sessions.NewRedisPool(cfg.RedisAddr)
	defer redisPool.Close()
	sessionManager := sessions.NewSessionManager(cfg.SecretKey, redisPool)
	postHandler := api.NewPostHandler(lifecycle, reactions)

	r := mux.NewRouter()
	postHandler.Routes(r.PathPrefix("/api").Subrouter())

	logMiddleware := middleware.NewLoggingMiddleware(zapLogger)
	r.Use(logMiddleware.SetupTracing)
	r.Use(logMiddleware.SetupLogging)
	r.Use(logMiddleware.AccessLog)

	auth := middleware.NewAuthMiddleware(sessionManager, usersRepo)
	r.Use(auth.Middleware)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zapLogger.Errorf("main: shutdown failed: %v", err)
		}
	}()

	zapLogger.Infof("Serving at http://localhost%s/ with %s storage", cfg.Addr, cfg.Storage)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zapLogger.Fatalf("main: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, db *sql.DB, l *zap.SugaredLogger) (post.Store, func()) {
	switch cfg.Storage {
	case config.StorageMongo:
		mongoCtx, mongoCtxCancel := context.WithTimeout(ctx, 3*time.Second)
		defer mongoCtxCancel()
		mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			l.Fatalf("main: can't connect to MongoDB: %v", err)
		}
		if err := mongoClient.Ping(mongoCtx, nil); err != nil {
			l.Fatalf("main: unable to connect to MongoDB: %v", err)
		}
		store := mongodb.New(mongoClient.Database(cfg.MongoDB))
		if err := store.EnsureIndexes(mongoCtx); err != nil {
			l.Fatalf("main: %v", err)
		}
		return store, func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				l.Errorf("main: failed disconnecting from MongoDB: %v", err)
			}
		}

	case config.StorageMemory:
		return inmemory.New(), func() {}
	}

	store := postgres.New(db)
	if err := store.Migrate(ctx); err != nil {
		l.Fatalf("main: %v", err)
	}
	return store, func() {}
}
