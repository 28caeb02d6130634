package main

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"firebase.google.com/go/messaging"
	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"nutrioBack/internal/billing/cache"
	"nutrioBack/internal/billing/events"
	"nutrioBack/internal/billing/reconcile"
	"nutrioBack/internal/config"
	"nutrioBack/internal/handlers"
	"nutrioBack/internal/models"
	"nutrioBack/internal/repositories"
	"nutrioBack/internal/services"
	"nutrioBack/utils"
)

const accessTokenTTL = 15 * time.Minute

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger

	jwtSecret string
	accessTTL time.Duration

	tokens *utils.Manager

	userRepo     *repositories.UserRepository
	entitlements *services.EntitlementService

	userHandler          *handlers.UserHandler
	purchaseHandler      *handlers.PurchaseHandler
	googleIAPHandler     *handlers.GoogleIAPHandler
	notificationsHandler *handlers.NotificationsHandler

	wsHub *EntitlementHub
}

// fanoutNotifier delivers entitlement snapshots over every configured
// channel: the websocket hub for foreground apps, FCM for backgrounded ones.
type fanoutNotifier struct {
	targets []services.EntitlementNotifier
}

func (f fanoutNotifier) NotifyEntitlement(userID int, snapshot models.EntitlementsResponse) {
	for _, t := range f.targets {
		t.NotifyEntitlement(userID, snapshot)
	}
}

func initializeApp(cfg config.Config, db *sql.DB, rdb *redis.Client, msgClient *messaging.Client, dispatcher *events.Dispatcher, policy reconcile.Policy, infoLog, errorLog *log.Logger) (*application, error) {
	catalog, err := models.NewProductCatalog(cfg.Products)
	if err != nil {
		return nil, err
	}

	tokens, err := utils.NewManager(cfg.JWT.Secret)
	if err != nil {
		return nil, err
	}

	// Repositories
	userRepo := repositories.UserRepository{DB: db}
	transactionRepo := repositories.TransactionRepository{DB: db}
	entitlementRepo := repositories.EntitlementRepository{DB: db}

	// Store clients
	env := ""
	if cfg.AppStore.Sandbox {
		env = "sandbox"
	}
	appStore, err := services.NewAppStoreService(services.AppStoreConfig{
		IssuerID:    cfg.AppStore.IssuerID,
		BundleID:    cfg.AppStore.BundleID,
		KeyID:       cfg.AppStore.KeyID,
		PrivateKey:  cfg.AppStore.PrivateKey,
		Environment: env,
	})
	if err != nil {
		return nil, err
	}

	var googlePlay *services.GooglePlayService
	if cfg.GooglePlay.PackageName != "" && cfg.GooglePlay.ServiceAccountFile != "" {
		sa, err := os.ReadFile(cfg.GooglePlay.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read google service account: %w", err)
		}
		googlePlay, err = services.NewGooglePlayService(services.GooglePlayConfig{
			PackageName:        cfg.GooglePlay.PackageName,
			ServiceAccountJSON: string(sa),
		})
		if err != nil {
			return nil, err
		}
	}

	// Optional side channels
	var syncSink services.BackendSync
	if cfg.Sync.URL != "" {
		s, err := services.NewSyncService(services.SyncConfig{
			BaseURL: cfg.Sync.URL,
			Secret:  cfg.Sync.Secret,
		})
		if err != nil {
			return nil, err
		}
		syncSink = s
	}

	var archive services.ReceiptArchiver
	if cfg.S3.Bucket != "" {
		a, err := services.NewReceiptArchiveService(services.ReceiptArchiveConfig{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		archive = a
	}

	wsHub := NewEntitlementHub()
	var notifier services.EntitlementNotifier = wsHub
	if msgClient != nil {
		notifier = fanoutNotifier{targets: []services.EntitlementNotifier{
			wsHub,
			&services.PushService{Client: msgClient, Users: &userRepo, InfoLog: infoLog, ErrorLog: errorLog},
		}}
	}

	// Services
	entitlementService := &services.EntitlementService{
		AppStore:        appStore,
		GooglePlay:      googlePlay,
		Catalog:         catalog,
		TransactionRepo: &transactionRepo,
		EntitlementRepo: &entitlementRepo,
		Cache:           cache.NewEntitlementCache(rdb, 0),
		Locks:           cache.NewAttemptLock(rdb),
		Events:          dispatcher,
		Notifier:        notifier,
		Sync:            syncSink,
		Archive:         archive,
		Policy:          policy,
		InfoLog:         infoLog,
		ErrorLog:        errorLog,
	}
	if err := entitlementService.Validate(); err != nil {
		return nil, err
	}

	userService := &services.UserService{
		UserRepo:     &userRepo,
		TokenManager: tokens,
		AccessTTL:    accessTokenTTL,
		InfoLog:      infoLog,
		ErrorLog:     errorLog,
	}

	// Handlers
	userHandler := &handlers.UserHandler{Service: userService, InfoLog: infoLog, ErrorLog: errorLog}
	purchaseHandler := &handlers.PurchaseHandler{Service: entitlementService, InfoLog: infoLog, ErrorLog: errorLog}
	googleIAPHandler := &handlers.GoogleIAPHandler{Service: entitlementService, InfoLog: infoLog, ErrorLog: errorLog}
	notificationsHandler := &handlers.NotificationsHandler{Service: entitlementService, InfoLog: infoLog, ErrorLog: errorLog}

	return &application{
		errorLog:             errorLog,
		infoLog:              infoLog,
		jwtSecret:            cfg.JWT.Secret,
		accessTTL:            accessTokenTTL,
		tokens:               tokens,
		userRepo:             &userRepo,
		entitlements:         entitlementService,
		userHandler:          userHandler,
		purchaseHandler:      purchaseHandler,
		googleIAPHandler:     googleIAPHandler,
		notificationsHandler: notificationsHandler,
		wsHub:                wsHub,
	}, nil
}

func openDB(dsn string) (*sql.DB, error) {
	dbCfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	// Repositories scan DATETIME columns into time.Time.
	dbCfg.ParseTime = true

	db, err := sql.Open("mysql", dbCfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(35)
	return db, nil
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
