package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kasirsync/internal/cache"
	"kasirsync/internal/config"
	"kasirsync/internal/httpapi"
	"kasirsync/internal/obs"
	"kasirsync/internal/service"
	"kasirsync/internal/store"
	"kasirsync/internal/store/memory"
	pgstore "kasirsync/internal/store/postgres"
)

const minKeyLength = 16

func main() {
	cfg := config.Load()
	logger := obs.InitLogger(os.Stdout, cfg.LogLevel)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("invalid security configuration", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", "error", err)
			os.Exit(1)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("postgres schema", "error", err)
			os.Exit(1)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	catalogCache := cache.CatalogCache(cache.NewMemoryCatalogCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using in-process cache", "error", err)
		} else {
			catalogCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: in-process")
	}

	settings, err := repo.LoadSettings(ctx)
	if err != nil {
		logger.Error("load settings", "error", err)
		os.Exit(1)
	}

	svc := service.New(repo, catalogCache, cfg.CatalogCacheTTL())
	svc.OnCommit(service.LogHooks(logger))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.TerminalEnrollmentKey, cfg.AdminKey)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, settings)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("sync server listening", "addr", cfg.Address(), "store", settings.StoreName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", "error", err)
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.TerminalEnrollmentKey) < minKeyLength {
		return fmt.Errorf("TERMINAL_ENROLLMENT_KEY must be set and at least %d characters", minKeyLength)
	}
	if err := validateKeyStrength(cfg.TerminalEnrollmentKey); err != nil {
		return fmt.Errorf("TERMINAL_ENROLLMENT_KEY is too weak: %w", err)
	}
	if cfg.AdminKey == "" {
		return nil
	}
	if len(cfg.AdminKey) < minKeyLength {
		return fmt.Errorf("ADMIN_KEY must be at least %d characters", minKeyLength)
	}
	if err := validateKeyStrength(cfg.AdminKey); err != nil {
		return fmt.Errorf("ADMIN_KEY is too weak: %w", err)
	}
	if cfg.AdminKey == cfg.TerminalEnrollmentKey {
		return fmt.Errorf("ADMIN_KEY must differ from TERMINAL_ENROLLMENT_KEY")
	}
	return nil
}

// validateKeyStrength rejects keys that repeat one character, run
// sequentially (abcdef..., 123456...), or contain a well-known placeholder.
func validateKeyStrength(key string) error {
	lower := strings.ToLower(key)
	for _, weak := range []string{"changeme", "password", "secret", "enrollment"} {
		if strings.Contains(lower, weak) {
			return fmt.Errorf("placeholder key not allowed")
		}
	}

	allSame := true
	for i := 1; i < len(key); i++ {
		if key[i] != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("single-character key not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(key); i++ {
		diff := int(key[i]) - int(key[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential key not allowed")
	}

	return nil
}
