// liveapid serves a demo "note" resource over websockets. It is the reference
// composition: pick a store and a broadcast backend from the environment, wire
// one consumer, serve until interrupted.
//
// Environment:
//
//	LIVEAPI_ADDR        listen address (default ":8400")
//	LIVEAPI_DSN         postgres DSN; empty means the in-memory store
//	LIVEAPI_REDIS_ADDR  redis address for multi-process groups; empty means in-process
//	LIVEAPI_JWT_SECRET  HMAC secret; set to require a valid bearer token
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"liveapi/internal/groups"
	"liveapi/internal/observer"
	"liveapi/internal/permission"
	"liveapi/internal/resource"
	"liveapi/internal/server"
	"liveapi/internal/storage"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("exiting", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	addr := envOr("LIVEAPI_ADDR", ":8400")

	var backend groups.Backend
	if redisAddr := os.Getenv("LIVEAPI_REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return err
		}
		backend = groups.NewRedisBackend(client, log)
		log.Info("using redis group backend", zap.String("addr", redisAddr))
	}

	registry := groups.NewRegistry(backend, log)
	engine := observer.NewEngine(observer.NewBindingRegistry(), registry, log)

	var store storage.Store
	if dsn := os.Getenv("LIVEAPI_DSN"); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return err
		}
		store = storage.NewGormStore(db, "note", "notes")
		log.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore("note")
		log.Info("using in-memory store")
	}

	perms := []permission.Permission{permission.AllowAny{}}
	if secret := os.Getenv("LIVEAPI_JWT_SECRET"); secret != "" {
		perms = []permission.Permission{permission.NewHasValidToken([]byte(secret))}
		log.Info("token auth enabled")
	}

	notes, err := resource.New(resource.Config{
		Store:  store,
		Engine: engine,
		Serializer: resource.MapSerializer{
			Fields:   []string{"title", "body", "owner"},
			Required: []string{"title"},
		},
		Paginator:   resource.LimitOffsetPaginator{DefaultLimit: 25, MaxLimit: 100},
		Permissions: perms,
		Log:         log,
	})
	if err != nil {
		return err
	}

	srv := server.New(engine, server.DefaultAuth, log)
	srv.Mount("/ws/notes", notes.Mux())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(addr) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if backend != nil {
		backend.Close()
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
