package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/database"
	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/Tyrowin/relaychat/internal/server"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("=== relaychat ===")

	cfg := server.NewConfigFromEnv()
	log.Printf("Chat: %s", cfg.ChatAddr)
	log.Printf("HTTP: %s", displayAddr(cfg.HTTPAddr))
	log.Printf("Database: %s", cfg.DatabasePath)
	log.Printf("History backend: %s", cfg.HistoryBackend)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	credentials, err := auth.NewStore(db, auth.NewPasswordHasher(cfg.BcryptCost))
	if err != nil {
		log.Fatalf("Failed to prepare credential store: %v", err)
	}

	store, closer, err := openHistory(cfg, db)
	if err != nil {
		log.Fatalf("Failed to prepare history store: %v", err)
	}

	srv := server.NewServer(cfg, credentials, store)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Println("=== Server Started ===")
	if addr := srv.HTTPAddr(); addr != "" {
		log.Println("Endpoints:")
		log.Printf("  GET /      - Health check (http://%s/)", addr)
		log.Printf("  GET /rooms - Live rooms and member counts")
		log.Printf("  GET /ws    - WebSocket bridge to the chat protocol")
	}
	log.Printf("Connect with: nc %s", srv.ChatAddr())
	log.Println("Press Ctrl+C to shutdown")

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return srv.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait

	if closer != nil {
		if err := closer.Close(); err != nil {
			log.Printf("Error closing history store: %v", err)
		}
	}
	if err := database.Close(db); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

// openHistory selects the history backend. The returned closer is nil when the
// backend shares the main database.
func openHistory(cfg *server.Config, db *gorm.DB) (history.Gateway, io.Closer, error) {
	switch cfg.HistoryBackend {
	case server.HistoryBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     50,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Printf("[history] Connected to Redis at %s (prefix: %s)", cfg.RedisAddr, cfg.RedisPrefix)
		return history.NewRedisStore(client, cfg.RedisPrefix), client, nil
	default:
		store, err := history.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

func displayAddr(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return addr
}
