package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	firebase "firebase.google.com/go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"clinicBack/internal/config"
	"clinicBack/internal/handlers"
	"clinicBack/internal/repositories"
	"clinicBack/internal/services"
	"clinicBack/internal/ws"
	"clinicBack/utils"
)

type application struct {
	errorLog *log.Logger
	infoLog  *log.Logger
	logger   *slog.Logger
	tokens   *utils.Manager

	webhookHandler      *handlers.WebhookHandler
	adminPaymentHandler *handlers.AdminPaymentHandler
	walletHandler       *handlers.WalletHandler
	fcmHandler          *handlers.FCMHandler
	walletHub           *ws.WalletHub

	eventQueue    *services.EventQueue
	reconciler    *services.SettlementReconciler
	heldFunds     *services.HeldFundsService
	auditArchiver services.AuditArchiver
	redis         *redis.Client
}

// heldStore and walletStore join the read sides of several repositories.
type heldStore struct {
	*repositories.ClinicRepository
	*repositories.ClinicTransactionRepository
}

type walletStore struct {
	*repositories.ClinicRepository
	*repositories.UserRepository
	*repositories.ClinicTransactionRepository
	*repositories.UserTransactionRepository
}

// hubLogger adapts the process loggers to the websocket hub.
type hubLogger struct {
	infoLog, errorLog *log.Logger
}

func (l hubLogger) Infof(format string, args ...interface{})  { l.infoLog.Printf(format, args...) }
func (l hubLogger) Errorf(format string, args ...interface{}) { l.errorLog.Printf(format, args...) }

func initializeApp(ctx context.Context, cfg config.Config, db *repositories.DB, logger *slog.Logger, infoLog, errorLog *log.Logger) (*application, error) {
	// Repositories
	clinicRepo := repositories.NewClinicRepository(db)
	userRepo := repositories.NewUserRepository(db)
	appointmentRepo := repositories.NewAppointmentRepository(db)
	clinicTxRepo := repositories.NewClinicTransactionRepository(db)
	userTxRepo := repositories.NewUserTransactionRepository(db)
	eventRepo := repositories.NewPaymentEventRepository(db)
	deviceTokenRepo := repositories.NewDeviceTokenRepository(db)
	ledger := repositories.NewLedger(db)

	tokens, err := utils.NewManager(cfg.JWT.Secret)
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}

	stripeSvc, err := services.NewStripeService(services.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Logger:        logger.With("component", "stripe"),
	})
	if err != nil {
		return nil, err
	}

	app := &application{errorLog: errorLog, infoLog: infoLog, logger: logger, tokens: tokens}
	app.walletHub = ws.NewWalletHub(hubLogger{infoLog: infoLog, errorLog: errorLog})

	var notifier services.PushNotifier
	if cfg.Firebase.CredentialsFile != "" {
		fb, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		if err != nil {
			return nil, fmt.Errorf("firebase: %w", err)
		}
		client, err := fb.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase messaging: %w", err)
		}
		notifier = services.NewFCMNotifier(client, deviceTokenRepo, clinicRepo, logger.With("component", "fcm"))
	} else {
		infoLog.Printf("firebase credentials not configured, push notifications disabled")
	}

	var deduper services.EventDeduper
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			errorLog.Printf("redis ping failed, event dedup falls back to the database: %v", err)
		}
		deduper = services.NewRedisEventDeduper(app.redis, cfg.Redis.EventTTL)
	}

	if cfg.S3.Bucket != "" {
		client, err := utils.NewS3Client(utils.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		store, err := utils.NewObjectStore(client, cfg.S3.Bucket)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		app.auditArchiver = services.NewObjectAuditArchiver(store, cfg.S3.Prefix)
	}

	// Services
	app.heldFunds = services.NewHeldFundsService(ledger, heldStore{clinicRepo, clinicTxRepo}, logger.With("component", "held_funds"))

	app.reconciler, err = services.NewSettlementReconciler(services.ReconcilerConfig{
		Ledger:   ledger,
		Events:   eventRepo,
		Parser:   stripeSvc,
		Clinics:  clinicRepo,
		Held:     app.heldFunds,
		Deduper:  deduper,
		Notifier: notifier,
		Feed:     app.walletHub,
		Logger:   logger.With("component", "reconciler"),
	})
	if err != nil {
		return nil, err
	}

	adminPayments, err := services.NewAdminPaymentService(services.AdminPaymentConfig{
		Ledger:                ledger,
		Appointments:          appointmentRepo,
		Clinics:               clinicRepo,
		Held:                  app.heldFunds,
		Processor:             stripeSvc,
		Notifier:              notifier,
		Feed:                  app.walletHub,
		Logger:                logger.With("component", "admin_payments"),
		ProcessorTimeout:      cfg.Stripe.Timeout,
		AutoTransferOnRelease: cfg.Settlement.AutoTransferOnRelease,
		AutoPayoutOnWithdraw:  cfg.Settlement.AutoPayoutOnWithdraw,
		OnboardRefreshURL:     cfg.Stripe.OnboardRefreshURL,
		OnboardReturnURL:      cfg.Stripe.OnboardReturnURL,
	})
	if err != nil {
		return nil, err
	}

	app.eventQueue = services.NewEventQueue(app.reconciler, services.EventQueueConfig{
		Workers:  cfg.Queue.Workers,
		Capacity: cfg.Queue.Capacity,
		Timeout:  cfg.Queue.Timeout,
		Logger:   logger.With("component", "event_queue"),
	})

	loc := cfg.Location()
	wallets := walletStore{clinicRepo, userRepo, clinicTxRepo, userTxRepo}
	walletSvc := services.NewWalletService(wallets, loc)
	statements := services.NewStatementExporter(heldStore{clinicRepo, clinicTxRepo}, loc)

	// Handlers
	app.webhookHandler = handlers.NewWebhookHandler(stripeSvc, app.eventQueue, logger.With("component", "webhook"))
	app.adminPaymentHandler = handlers.NewAdminPaymentHandler(adminPayments, app.reconciler, app.heldFunds, logger.With("component", "admin"))
	app.walletHandler = handlers.NewWalletHandler(walletSvc, adminPayments, statements, loc, logger.With("component", "wallet"))
	app.fcmHandler = handlers.NewFCMHandler(deviceTokenRepo, logger.With("component", "devices"))

	return app, nil
}
