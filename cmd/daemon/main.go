package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/apiServer"
	"github.com/i5heu/ouroboros-vault/internal/config"
	"github.com/i5heu/ouroboros-vault/pkg/keystore"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
)

const (
	logKeyListenAddr  = "listenAddr"
	logKeyBackend     = "backend"
	logKeyRoot        = "root"
	logKeyKeyDir      = "keyDir"
	logKeyFingerprint = "fingerprint"
	logKeyBits        = "bits"
	logKeySignal      = "signal"

	shutdownTimeout = 10 * time.Second
	statsInterval   = time.Minute
)

// opsCounter is implemented by gateways that count their operations.
type opsCounter interface {
	StartTransactionCounter(ctx context.Context, interval time.Duration)
}

func main() { // A
	flags := config.NewFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := flags.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	logger.WithFields(logrus.Fields{
		logKeyListenAddr: cfg.Listen,
		logKeyBackend:    cfg.Backend.Type,
		logKeyRoot:       cfg.Root,
	}).Info("starting ouroboros vault daemon")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField(logKeySignal, sig.String()).Info("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("daemon error")
		os.Exit(1)
	}
}

// run is the main daemon logic, separated for testability.
func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error { // A
	v, keys, err := vault.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer func() {
		if err := v.Close(); err != nil {
			logger.WithError(err).Warn("closing storage gateway")
		}
	}()

	pub, err := keys.PublicKey(ctx)
	if err != nil {
		return fmt.Errorf("load public key: %w", err)
	}
	logger.WithFields(logrus.Fields{
		logKeyKeyDir:      keys.Dir(),
		logKeyFingerprint: keystore.Fingerprint(pub),
		logKeyBits:        pub.Size() * 8,
	}).Info("keypair loaded")

	if c, ok := v.Gateway().(opsCounter); ok && logger.IsLevelEnabled(logrus.DebugLevel) {
		c.StartTransactionCounter(ctx, statsInterval)
	}

	api := apiServer.New(v, keys,
		apiServer.WithLogger(logger),
		apiServer.WithMaxUploadBytes(int64(cfg.MaxUploadMB)<<20),
	)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField(logKeyListenAddr, cfg.Listen).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("daemon stopped")
	return nil
}
