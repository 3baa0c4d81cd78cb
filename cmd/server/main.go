package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/digkill/CutoutStore/internal/admin"
	"github.com/digkill/CutoutStore/internal/api"
	"github.com/digkill/CutoutStore/internal/auth"
	"github.com/digkill/CutoutStore/internal/config"
	"github.com/digkill/CutoutStore/internal/database"
	"github.com/digkill/CutoutStore/internal/imaging"
	"github.com/digkill/CutoutStore/internal/replicate"
	"github.com/digkill/CutoutStore/internal/repository"
	"github.com/digkill/CutoutStore/internal/service"
	"github.com/digkill/CutoutStore/internal/storage"
	"github.com/digkill/CutoutStore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db, cfg.DatabaseDriver); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	dialect := repository.Dialect(cfg.DatabaseDriver)
	userRepo := repository.NewUserRepository(db, dialect)
	creditRepo := repository.NewCreditRepository(db, dialect)
	packRepo := repository.NewPackRepository(db, dialect)

	userService := service.NewUserService(userRepo)
	creditService := service.NewCreditService(creditRepo, logr, service.WithDefaultValidity(cfg.CreditValidity))
	packService := service.NewPackService(cfg, packRepo)

	if err := packService.EnsureDefaultPacks(ctx); err != nil {
		log.Fatalf("ensure default packs: %v", err)
	}

	deps := api.Deps{
		Users:   userService,
		Credits: creditService,
		Packs:   packService,
		Issuer:  auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL),
		DB:      db,
	}

	if cfg.PaymentsEnabled() {
		paymentRepo := repository.NewPaymentRepository(db, dialect)
		gateway := service.NewStripeGateway(cfg.StripeSecretKey)
		deps.Payments = service.NewPaymentService(cfg, logr, paymentRepo, userRepo, packRepo, creditService, gateway)
	} else {
		logr.Warn("stripe not configured, checkout and webhooks disabled")
	}

	if cfg.RemovalEnabled() {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		removalRepo := repository.NewRemovalRepository(db, dialect)
		remover := replicate.NewClient(cfg, logr)
		deps.Removals = service.NewRemovalService(logr, uploader, remover, removalRepo, creditService,
			imaging.Watermark, cfg.DownloadCreditCost, cfg.DownloadURLTTL)
	} else {
		logr.Warn("replicate or s3 not configured, background removal disabled")
	}

	go creditService.RunExpirySync(ctx, cfg.ExpirySyncInterval)

	adminServer := admin.NewServer(cfg.AdminListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr, packService, creditService)
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	apiServer := api.NewServer(cfg.ListenAddr, logr, deps, cfg.RemovalRatePerMinute, cfg.MaxUploadBytes)
	if err := apiServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api server stopped", "err", err)
	}
}
