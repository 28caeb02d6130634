package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"google.golang.org/api/option"

	"nutrioBack/internal/billing/events"
	"nutrioBack/internal/billing/reconcile"
	"nutrioBack/internal/config"
)

type stdLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l stdLogger) Infof(format string, args ...interface{})  { l.info.Printf(format, args...) }
func (l stdLogger) Errorf(format string, args ...interface{}) { l.err.Printf(format, args...) }

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		errorLog.Fatal(err)
	}

	port := cfg.Server.Address
	if p := os.Getenv("PORT"); p != "" {
		port = ":" + p
	}
	if port == "" {
		port = ":4001"
	}
	addr := flag.String("addr", port, "HTTP network address")
	flag.Parse()

	policy, err := reconcile.LoadPolicy()
	if err != nil {
		errorLog.Fatal(err)
	}

	db, err := openDB(cfg.Database.DSN)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		errorLog.Fatal(err)
	}
	defer rdb.Close()

	var sink events.Sink = events.NopSink{}
	if cfg.PostHog.APIKey != "" {
		phSink, err := events.NewPostHogSink(cfg.PostHog.APIKey, cfg.PostHog.Endpoint)
		if err != nil {
			errorLog.Fatal(err)
		}
		sink = phSink
	}
	dispatcher := events.NewDispatcher(sink, stdLogger{info: infoLog, err: errorLog}, 0)

	var msgClient *messaging.Client
	if cfg.Firebase.CredentialsFile != "" {
		fbApp, err := firebase.NewApp(context.Background(), nil, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		if err != nil {
			errorLog.Fatal(err)
		}
		msgClient, err = fbApp.Messaging(context.Background())
		if err != nil {
			errorLog.Fatal(err)
		}
	}

	app, err := initializeApp(cfg, db, rdb, msgClient, dispatcher, policy, infoLog, errorLog)
	if err != nil {
		errorLog.Fatal(err)
	}

	go app.wsHub.Run()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startEntitlementSweeper(ctx, app.entitlements, infoLog, errorLog)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Refresh-Token"},
	})

	srv := &http.Server{
		Addr:         *addr,
		ErrorLog:     errorLog,
		Handler:      addSecurityHeaders(c.Handler(app.routes())),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		infoLog.Println("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	infoLog.Printf("Starting server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errorLog.Fatal(err)
	}

	if err := <-shutdownErr; err != nil {
		errorLog.Printf("shutdown: %v", err)
	}
	if err := dispatcher.Close(); err != nil {
		errorLog.Printf("events: close: %v", err)
	}
	infoLog.Println("stopped")
}
