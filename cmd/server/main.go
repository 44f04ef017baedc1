package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"posledger/internal/cache"
	"posledger/internal/config"
	"posledger/internal/einvoice"
	"posledger/internal/httpapi"
	"posledger/internal/service"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	pgstore "posledger/internal/store/postgres"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		logrus.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logrus.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logrus.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logrus.Info("repository: in-memory")
	}

	reports := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logrus.WithError(err).Warn("redis unavailable, using noop report cache")
		} else {
			reports = redisCache
			closers = append(closers, redisCache.Close)
			logrus.Info("report cache: redis")
		}
	} else {
		logrus.Info("report cache: noop")
	}

	submitter := einvoice.Submitter(einvoice.NoopSubmitter{})
	if cfg.EInvoiceURL != "" {
		submitter = einvoice.NewHTTPSubmitter(cfg.EInvoiceURL, cfg.EInvoiceAPIKey, 10*time.Second)
		logrus.Info("e-invoice gateway: http")
	} else {
		logrus.Info("e-invoice gateway: noop")
	}

	svc := service.New(repo, reports, submitter)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logrus.WithField("addr", cfg.Address()).Info("ledger backend listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logrus.WithError(err).Warn("close error")
		}
	}

	logrus.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
