package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"roomchat/internal/api"
	"roomchat/internal/auth"
	"roomchat/internal/chats"
	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/relay"
	"roomchat/internal/websocket"
)

func setupLogger() *log.Logger {
	return log.New(os.Stdout, "[SERVER] ", log.LstdFlags|log.Lshortfile)
}

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	logger := setupLogger()
	logger.Println("Starting server...")

	cfg := config.Load()

	if *isLoadTest {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Fatalf("Failed to resolve working directory: %v", err)
		}
		loadTestDir := filepath.Join(cwd, "loadtest")
		if err := os.MkdirAll(loadTestDir, 0755); err != nil {
			logger.Fatalf("Failed to create loadtest directory: %v", err)
		}

		loadTestPath := filepath.Join(loadTestDir, "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Printf("Using load testing database: %s", loadTestPath)
	}

	logger.Printf("Listening on %s, store %s, relay enabled: %t",
		cfg.ServerAddress, redactURL(cfg.DatabaseURL), cfg.RedisURL != "")

	var (
		database *db.DB
		err      error
	)
	if cfg.IsSQLite() {
		database, err = db.NewDB(cfg.CleanDatabasePath())
	} else {
		database, err = db.Open(cfg.DatabaseURL)
	}
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	logger.Println("Database connection established")

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	var roomRelay *relay.Redis
	if cfg.RedisURL != "" {
		roomRelay, err = relay.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		logger.Println("Redis relay connected")
	}

	hubOpts := websocket.Options{
		StoreTimeout:   cfg.StoreTimeout,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
		MaxMessageSize: cfg.MaxMessageSize,
	}
	if roomRelay != nil {
		hubOpts.Relay = roomRelay
	}
	hub := websocket.NewHub(database, hubOpts)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	if roomRelay != nil {
		group.Go(func() error {
			return roomRelay.Subscribe(groupCtx, hub.Deliver)
		})
	}
	logger.Println("WebSocket hub initialized")

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	authService := auth.NewService(database, auth.NewPasswordHasher(bcrypt.DefaultCost), tokens, cfg.StoreTimeout)
	chatService := chats.NewService(database, cfg.StoreTimeout)

	handlers := api.NewHandlers(api.Deps{
		Auth:           authService,
		Chats:          chatService,
		Store:          database,
		Hub:            hub,
		AllowedOrigins: cfg.AllowedOrigins,
		StoreTimeout:   cfg.StoreTimeout,
	})
	logger.Println("API handlers initialized")

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		logger.Printf("Server starting on %s", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				logger.Println("Server shutting down...")
				err := server.Shutdown(ctx)
				cancel()
				return err
			},
		},
	)

	// A component failing on its own takes the process down without a signal.
	go func() {
		<-groupCtx.Done()
		if ctx.Err() != nil {
			return
		}
		server.Shutdown(context.Background())
		cancel()
		if err := group.Wait(); err != nil {
			logger.Printf("Server component failed: %v", err)
		}
		database.Close()
		os.Exit(1)
	}()

	exitCode := <-wait
	if err := group.Wait(); err != nil {
		logger.Printf("Server stopped with error: %v", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}

	if roomRelay != nil {
		roomRelay.Close()
	}
	database.Close()
	logger.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}

// redactURL hides credentials in store URLs before they are logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
