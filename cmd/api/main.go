package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"trustgate/internal/auth"
	"trustgate/internal/config"
	"trustgate/internal/httpserver"
	"trustgate/internal/logger"
	"trustgate/internal/notify"
	"trustgate/internal/services/account"
	"trustgate/internal/services/device"
	"trustgate/internal/services/token"
	"trustgate/internal/store/gormstore"
	"trustgate/internal/store/migrations"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	migrateOnly := pflag.Bool("migrate-only", false, "apply migrations and exit")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal(err)
	}
	lg := logger.New(cfg.LogLevel)
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gormstore.Open(cfg.DatabaseURL)
	if err != nil {
		lg.Fatalw("db connect failed", "error", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		lg.Fatalw("db handle failed", "error", err)
	}
	if err := migrations.Up(ctx, sqlDB); err != nil {
		lg.Fatalw("migrate failed", "error", err)
	}
	if *migrateOnly {
		lg.Infow("migrations applied")
		return
	}

	scope, err := account.ParseLogoutScope(cfg.LogoutScope)
	if err != nil {
		lg.Fatalw("invalid config", "error", err)
	}
	var notifier notify.CredentialNotifier = notify.NewLogNotifier(lg)
	if cfg.SMTP.Enabled() {
		n, err := notify.NewEmailNotifier(notify.SMTPConfig(cfg.SMTP), lg)
		if err != nil {
			lg.Fatalw("smtp setup failed", "error", err)
		}
		notifier = n
	}

	st := gormstore.New(db)
	signer := auth.NewSigner(cfg.JWTSecret, cfg.JWTExpiresIn)
	tokens := token.NewManager(st, signer, lg)
	devices := device.NewService(st, tokens, lg)
	accounts := account.NewService(st, devices, tokens, lg,
		account.WithLogoutScope(scope),
		account.WithNotifier(notifier),
	)

	if err := seedAdmin(ctx, st, devices, notifier, cfg, lg); err != nil {
		lg.Fatalw("seed admin failed", "error", err)
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Store:        st,
		Signer:       signer,
		Accounts:     accounts,
		Devices:      devices,
		DeviceHeader: cfg.DeviceIDHeader,
		Logger:       lg,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warnw("shutdown", "error", err)
		}
	}()

	lg.Infow("listening", "port", cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatalw("server failed", "error", err)
	}
	lg.Infow("server stopped")
}
