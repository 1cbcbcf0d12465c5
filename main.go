package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/database"
	"github.com/sdms-suite/sdms-idp/internal/logging"
	"github.com/sdms-suite/sdms-idp/internal/provider/factory"
	"github.com/sdms-suite/sdms-idp/internal/server"
)

const (
	shutdownTimeout       = 30 * time.Second
	refreshTokenGCPeriod  = time.Hour
	databaseOpenTimeout   = time.Minute
	exitCodeStartupFailed = 1
)

func main() {
	loadLogLevel()

	conf, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf); err != nil {
		logrus.WithError(err).Error("server failed")
		stop()
		os.Exit(exitCodeStartupFailed)
	}
}

// loadLogLevel keeps the info level when LOG_LEVEL is invalid.
func loadLogLevel() {
	if err := logging.LoadLevel(); err != nil {
		logrus.WithError(err).Error("failed to load log level, using info")
	}
}

func run(ctx context.Context, conf *config.Config) error {
	openCtx, cancel := context.WithTimeout(ctx, databaseOpenTimeout)
	db, err := database.Open(openCtx, &conf.Database)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			logrus.WithError(err).Error("failed to close database")
		}
	}()

	providers, err := factory.NewAll(conf.Providers)
	if err != nil {
		return err
	}

	s, err := server.New(conf, db, providers)
	if err != nil {
		return err
	}

	go collectExpiredRefreshTokens(ctx, s)

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.Addr).Info("server started")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func collectExpiredRefreshTokens(ctx context.Context, s *server.Server) {
	ticker := time.NewTicker(refreshTokenGCPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.RefreshTokens.DeleteExpired(ctx, now)
			if err != nil {
				logrus.WithError(err).Error("failed to delete expired refresh tokens")
				continue
			}
			if n > 0 {
				logrus.WithField("count", n).Info("expired refresh tokens deleted")
			}
		}
	}
}
