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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/versohq/verso/internal/backend"
	"github.com/versohq/verso/internal/config"
	"github.com/versohq/verso/internal/logging/audit"
	"github.com/versohq/verso/internal/meta"
	"github.com/versohq/verso/internal/metrics"
	"github.com/versohq/verso/internal/reclaim"
	"github.com/versohq/verso/internal/replication"
	"github.com/versohq/verso/internal/s3"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the object server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireConfig(); err != nil {
				return err
			}
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func loadConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// buildBackends opens every configured backend and selects the default.
func buildBackends(ctx context.Context, cfg *config.ServerConfig) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	for _, fc := range cfg.Backends.File {
		b, err := backend.NewFileBackend(fc.Name, fc.Path, fc.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("file backend %q: %w", fc.Name, err)
		}
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	for _, sc := range cfg.Backends.S3 {
		b, err := backend.NewS3Backend(ctx, backend.S3Config{
			Name:      sc.Name,
			Bucket:    sc.Bucket,
			Region:    sc.Region,
			Endpoint:  sc.Endpoint,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			Prefix:    sc.Prefix,
			PathStyle: sc.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	if err := reg.SetDefault(cfg.Backends.Default); err != nil {
		return nil, err
	}
	return reg, nil
}

// app is a fully wired server.
type app struct {
	store     *s3.Store
	reclaimer *reclaim.Reclaimer
	handler   http.Handler
}

func newApp(ctx context.Context, cfg *config.ServerConfig, registry *prometheus.Registry) (*app, error) {
	backends, err := buildBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db, err := meta.OpenBolt(cfg.Metadata.Path)
	if err != nil {
		return nil, err
	}

	s3Metrics := s3.NewMetrics(registry)
	store, err := s3.NewStore(ctx, s3.StoreConfig{
		Meta:      db,
		Backends:  backends,
		Quota:     s3.NewQuotaManager(cfg.Quota.MaxSize.Bytes()),
		SiteID:    cfg.SiteID,
		BlockSize: cfg.BlockSize.Bytes(),
		Logger:    log.Logger,
		Metrics:   s3Metrics,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rc := cfg.Reclaim
	reclaimer := reclaim.New(reclaim.Config{
		Checker:        store,
		Deleter:        backends,
		Logger:         log.Logger,
		Registerer:     registry,
		Workers:        rc.Workers,
		MaxRetries:     rc.MaxRetries,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		FlushInterval:  rc.FlushInterval,
		DrainTimeout:   rc.DrainTimeout,
	})
	store.SetReclaimer(reclaimer)

	auditLog := audit.NewLogger(log.Logger.With().Str("component", "audit").Logger())

	var authorizer s3.Authorizer
	if len(cfg.Auth.Credentials) == 0 {
		log.Warn().Msg("no credentials configured, S3 requests are not authenticated")
		authorizer = &s3.AllowAllAuthorizer{UserID: "anonymous"}
	} else {
		creds := s3.NewCredentialStore()
		for _, c := range cfg.Auth.Credentials {
			creds.Register(s3.Credential{AccessKey: c.AccessKey, SecretKey: c.SecretKey, UserID: c.UserID})
		}
		authorizer = s3.NewStaticAuthorizer(creds, auditLog)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	if cfg.Auth.ReplicationSecret != "" {
		mux.Handle(replication.PathPrefix, replication.NewHandler(replication.Config{
			Store:  store,
			Secret: []byte(cfg.Auth.ReplicationSecret),
			Audit:  auditLog,
			Logger: log.Logger,
		}))
	}
	mux.Handle("/", s3.NewServer(store, authorizer, s3Metrics, auditLog).Handler())

	reclaimer.Start()
	return &app{store: store, reclaimer: reclaimer, handler: mux}, nil
}

// close drains the reclaim queue and closes the metadata store.
func (a *app) close() {
	a.reclaimer.Stop()
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close metadata store")
	}
}

func runServe(ctx context.Context, cfg *config.ServerConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := metrics.NewRegistry(Version, cfg.SiteID)
	a, err := newApp(ctx, cfg, registry)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("site_id", cfg.SiteID).
			Str("default_backend", cfg.Backends.Default).
			Str("version", Version).
			Msg("starting verso server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to shut down HTTP server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
	return nil
}
