package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relayform/internal/httpapi"
	"github.com/agentworkforce/relayform/internal/mirror"
	"github.com/agentworkforce/relayform/internal/query"
	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/agentworkforce/relayform/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var formsFile string
	root := &cobra.Command{
		Use:          "relayform",
		Short:        "Serve OpenRosa submissions and the data API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&formsFile, "forms", os.Getenv("RELAYFORM_FORMS_FILE"), "YAML file of forms to seed into the catalog")

	var addr string
	root.Flags().StringVar(&addr, "addr", envOr("RELAYFORM_ADDR", ":8080"), "listen address")
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), addr, formsFile)
	}

	root.AddCommand(&cobra.Command{
		Use:   "resync",
		Short: "Rewrite every mirror document from the canonical store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(cmd.Context(), cmd.OutOrStdout(), formsFile)
		},
	})

	var username string
	var scopes []string
	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token signed with RELAYFORM_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(username) == "" {
				return errors.New("--user is required")
			}
			token, err := httpapi.IssueToken(jwtSecret(), username, scopes, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	tokenCmd.Flags().StringVar(&username, "user", "", "account the token acts for")
	tokenCmd.Flags().StringSliceVar(&scopes, "scope", []string{"data:read"}, "granted scopes")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	root.AddCommand(tokenCmd)
	return root
}

func runServe(ctx context.Context, addr, formsFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	app, err := buildApplication(ctx, logger, formsFile, true)
	if err != nil {
		return fmt.Errorf("failed to initialize backends: %w", err)
	}
	defer app.Close()

	server := httpapi.NewServer(httpapi.Backends{
		Ingestor: app.ingestor,
		Service:  app.service,
		Query:    app.engine,
		Gatherer: app.registry,
	}, httpapi.ServerConfig{
		JWTSecret:       jwtSecret(),
		MaxBodyBytes:    int64Env("RELAYFORM_MAX_BODY_BYTES", 10_000_000),
		RateLimitMax:    intEnv("RELAYFORM_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYFORM_RATE_LIMIT_WINDOW", time.Minute),
		Logger:          logger.With().Str("component", "httpapi").Logger(),
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("relayform listening")
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYFORM_SHUTDOWN_TIMEOUT", 15*time.Second))
	defer cancel()
	logger.Info().Msg("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

func runResync(ctx context.Context, out io.Writer, formsFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger()
	app, err := buildApplication(ctx, logger, formsFile, false)
	if err != nil {
		return fmt.Errorf("failed to initialize backends: %w", err)
	}
	defer app.Close()
	report, err := app.service.Resync(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "synced=%d failed=%d\n", report.Synced, report.Failed)
	if report.Failed > 0 {
		return fmt.Errorf("resync finished with %d failures (%d synced)", report.Failed, report.Synced)
	}
	return nil
}

type application struct {
	repo      relayform.Repository
	store     mirror.Store
	scheduler *relayform.MirrorScheduler
	ingestor  *relayform.Ingestor
	service   *relayform.Service
	engine    *query.Engine
	registry  *prometheus.Registry
}

// buildApplication wires the backends named by RELAYFORM_* variables. Without
// queue workers every mirror sync runs inline, which is what a one-shot resync
// wants.
func buildApplication(ctx context.Context, logger zerolog.Logger, formsFile string, withWorkers bool) (*application, error) {
	repo, err := relayform.BuildRepositoryFromDSN(os.Getenv("RELAYFORM_REPOSITORY_DSN"))
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	app := &application{repo: repo, registry: prometheus.NewRegistry()}

	if strings.TrimSpace(formsFile) != "" {
		forms, err := relayform.LoadFormsFile(formsFile)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("forms: %w", err)
		}
		if _, err := relayform.SeedForms(ctx, repo, forms); err != nil {
			app.Close()
			return nil, err
		}
		logger.Info().Int("forms", len(forms)).Str("file", formsFile).Msg("form catalog seeded")
	}

	store, err := mirror.BuildStoreFromDSN(os.Getenv("RELAYFORM_MIRROR_DSN"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("mirror store: %w", err)
	}
	app.store = store
	blobs, err := relayform.BuildBlobStoreFromDSN(os.Getenv("RELAYFORM_BLOB_DSN"))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}
	var queue relayform.SyncQueue
	if withWorkers {
		queue, err = relayform.BuildSyncQueueFromDSN(os.Getenv("RELAYFORM_SYNC_QUEUE_DSN"), intEnv("RELAYFORM_SYNC_QUEUE_SIZE", 1024))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("sync queue: %w", err)
		}
	}

	syncer, err := mirror.NewSynchronizer(mirror.SynchronizerOptions{
		Store:  store,
		Source: repo,
		Logger: logger.With().Str("component", "mirror").Logger(),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	metrics := relayform.NewMetrics(app.registry)
	app.scheduler = relayform.NewMirrorScheduler(relayform.MirrorSchedulerOptions{
		Syncer:  syncer,
		Queue:   queue,
		Workers: intEnv("RELAYFORM_SYNC_WORKERS", 2),
		Logger:  logger.With().Str("component", "mirror_scheduler").Logger(),
		Metrics: metrics,
	})

	attachments := relayform.NewAttachmentLinker(blobs)
	dispatcher := webhook.NewDispatcher(webhookOptionsFromEnv(logger.With().Str("component", "webhook").Logger(), app.registry))
	app.ingestor = relayform.NewIngestor(relayform.IngestorOptions{
		Repository:  repo,
		Attachments: attachments,
		History:     relayform.NewEditHistoryTracker(nil),
		Mirror:      app.scheduler,
		Webhooks:    dispatcher,
		Logger:      logger.With().Str("component", "ingestor").Logger(),
		Metrics:     metrics,
	})
	app.service = relayform.NewService(relayform.ServiceOptions{
		Repository:  repo,
		Mirror:      app.scheduler,
		Attachments: attachments,
		Logger:      logger.With().Str("component", "service").Logger(),
	})
	app.engine = query.NewEngine(store, logger.With().Str("component", "query").Logger())
	return app, nil
}

func (a *application) Close() {
	a.scheduler.Close()
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.store.Close(ctx)
	}
	if a.repo != nil {
		_ = a.repo.Close()
	}
}

func webhookOptionsFromEnv(logger zerolog.Logger, registerer prometheus.Registerer) webhook.Options {
	opts := webhook.Options{
		Senders: webhook.DefaultSenders(webhook.HTTPSenderOptions{
			MaxRetries: intEnv("RELAYFORM_WEBHOOK_RETRIES", 2),
		}),
		FailClosed:      boolEnv("RELAYFORM_WEBHOOK_FAIL_CLOSED", false),
		Workers:         intEnv("RELAYFORM_WEBHOOK_WORKERS", 4),
		EndpointTimeout: durationEnv("RELAYFORM_WEBHOOK_TIMEOUT", 10*time.Second),
		TotalTimeout:    durationEnv("RELAYFORM_WEBHOOK_TOTAL_TIMEOUT", 30*time.Second),
		Logger:          logger,
		Registerer:      registerer,
	}
	if forcedURL := strings.TrimSpace(os.Getenv("RELAYFORM_FORCED_ENDPOINT_URL")); forcedURL != "" {
		opts.ForcedEndpoint = &relayform.FormEndpoint{
			Name: envOr("RELAYFORM_FORCED_ENDPOINT_NAME", "forced"),
			URL:  forcedURL,
			Tag:  envOr("RELAYFORM_FORCED_ENDPOINT_TAG", webhook.TagJSON),
		}
	}
	return opts
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(envOr("RELAYFORM_LOG_LEVEL", "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func jwtSecret() string {
	return envOr("RELAYFORM_JWT_SECRET", "dev-secret")
}

func envOr(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer setting, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer setting, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration setting, using fallback")
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean setting, using fallback")
		return fallback
	}
	return value
}
