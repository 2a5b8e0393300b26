// Command formguard serves the rate-limit check and protected form-intake
// endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nhalm/formguard"
	"github.com/nhalm/formguard/config"
	"github.com/nhalm/formguard/fieldcipher"
	"github.com/nhalm/formguard/internal/logger"
	"github.com/nhalm/formguard/internal/server"
	"github.com/nhalm/formguard/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "formguard:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Env, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Cipher.InsecureSecret {
		log.Warn("ENCRYPTION_SECRET is not set; using the insecure development secret")
	}

	st, err := server.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	check, err := ratelimit.New(st, cfg.RateLimit, ratelimit.WithName("check"))
	if err != nil {
		return fmt.Errorf("create check limiter: %w", err)
	}
	submit, err := ratelimit.New(st, cfg.RateLimit, ratelimit.WithName("submit"))
	if err != nil {
		return fmt.Errorf("create submit limiter: %w", err)
	}

	c, err := fieldcipher.New(cfg.Cipher.Secret, fieldcipher.WithAlgorithm(cfg.Cipher.Algorithm))
	if err != nil {
		return fmt.Errorf("create field cipher: %w", err)
	}

	if len(cfg.Admin.APIKeys) == 0 {
		log.Info("ADMIN_API_KEYS is empty; submission reads are disabled")
	}

	router := server.NewRouter(
		server.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			TrustProxy:     cfg.Server.TrustProxy,
			AdminAPIKeys:   cfg.Admin.APIKeys,
		},
		server.Limiters{Check: check, Submit: submit},
		formguard.NewSubmissions(c, formguard.NewMemorySubmissions()),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.Store.Type),
			zap.Stringer("cipher", c.Algorithm()),
			zap.Duration("window", cfg.RateLimit.Window),
			zap.Int("max_requests", cfg.RateLimit.MaxRequests),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
