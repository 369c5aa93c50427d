package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/maintenance"
	"github.com/veritide-labs/veritide-go/internal/platform/auth"
	"github.com/veritide-labs/veritide-go/internal/platform/env"
	"github.com/veritide-labs/veritide-go/internal/platform/httpserver"
	"github.com/veritide-labs/veritide-go/internal/platform/k8s"
	"github.com/veritide-labs/veritide-go/internal/platform/objectstore"
	"github.com/veritide-labs/veritide-go/internal/platform/postgres"
	repopg "github.com/veritide-labs/veritide-go/internal/repo/postgres"
	runsvc "github.com/veritide-labs/veritide-go/internal/service/runs"
	"github.com/veritide-labs/veritide-go/internal/validators"
)

const (
	triggerModeWebhook = "webhook"
	triggerModeK8s     = "kubernetes"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("VERITIDE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("VERITIDE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	store, err := objectstore.NewStore(storeClient, storeCfg)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid callback auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := newAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("callback authenticator init failed", "error", err)
		os.Exit(2)
	}

	registry := dispatch.NewRegistry()
	if err := validators.RegisterBuiltins(registry); err != nil {
		logger.Error("validator registration failed", "error", err)
		os.Exit(2)
	}

	trigger, err := newTrigger(logger)
	if err != nil {
		logger.Error("validator trigger init failed", "error", err)
		os.Exit(2)
	}

	maxInProcess, err := env.Int("VERITIDE_MAX_IN_PROCESS", 8)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		CallbackBaseURL: strings.TrimRight(env.String("VERITIDE_CALLBACK_BASE_URL", "http://veritide:8080"), "/"),
		MaxInProcess:    maxInProcess,
	}, registry, store, trigger)
	if err != nil {
		logger.Error("dispatcher init failed", "error", err)
		os.Exit(2)
	}

	workflowStore := repopg.NewWorkflowStore(db)
	runStore := repopg.NewRunStore(db)
	stepRunStore := repopg.NewStepRunStore(db)
	receiptStore := repopg.NewReceiptStore(db)
	submissionStore := repopg.NewSubmissionStore(db)

	service, err := runsvc.NewService(logger, workflowStore, runStore, stepRunStore, receiptStore, submissionStore, dispatcher, registry)
	if err != nil {
		logger.Error("run service init failed", "error", err)
		os.Exit(2)
	}

	sweepCfg, err := maintenance.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid sweep config", "error", err)
		os.Exit(2)
	}
	locker, err := maintenance.NewAdvisoryLocker(db)
	if err != nil {
		logger.Error("advisory locker init failed", "error", err)
		os.Exit(2)
	}
	sweeper, err := maintenance.NewSweeper(logger, sweepCfg, locker, stepRunStore, submissionStore, receiptStore, service, store)
	if err != nil {
		logger.Error("sweeper init failed", "error", err)
		os.Exit(2)
	}
	go sweeper.Run(ctx)

	uploadMaxMiB, err := env.Int("VERITIDE_UPLOAD_MAX_MIB", 512)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	retention, err := env.Duration("VERITIDE_SUBMISSION_RETENTION", 30*24*time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("veritide"))
	mux.HandleFunc(
		"/readyz",
		httpserver.Readyz(
			"veritide",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return db.PingContext(ctx)
				}),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return objectstore.CheckBuckets(ctx, storeClient, storeCfg)
				}),
			},
		),
	)

	api := newOrchestratorAPI(logger, service, workflowStore, submissionStore, registry, store, sweeper, authenticator, apiConfig{
		uploadMaxBytes: int64(uploadMaxMiB) << 20,
		retention:      retention,
	})
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "veritide",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newAuthenticator(ctx context.Context, cfg auth.Config) (auth.Authenticator, error) {
	switch cfg.Mode {
	case auth.ModeOIDC:
		return auth.NewOIDCAuthenticator(ctx, cfg)
	default:
		return auth.NewSharedSecretAuthenticator(cfg)
	}
}

// newTrigger wires the isolated-validator launch path: an HTTP webhook for
// externally hosted runners, or Kubernetes Jobs when running in-cluster.
func newTrigger(logger *slog.Logger) (dispatch.Trigger, error) {
	mode := strings.ToLower(strings.TrimSpace(env.String("VERITIDE_TRIGGER_MODE", triggerModeWebhook)))
	switch mode {
	case triggerModeWebhook:
		timeout, err := env.Duration("VERITIDE_TRIGGER_WEBHOOK_TIMEOUT", 10*time.Second)
		if err != nil {
			return nil, err
		}
		return dispatch.NewWebhookTrigger(env.String("VERITIDE_TRIGGER_WEBHOOK_URL", ""), timeout)
	case triggerModeK8s:
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, err
		}
		images, err := parseValidatorImages(env.String("VERITIDE_VALIDATOR_IMAGES", ""))
		if err != nil {
			return nil, err
		}
		namespace := env.String("VERITIDE_JOB_NAMESPACE", "")
		logger.Info("kubernetes trigger enabled", "namespace", namespace, "validators", len(images))
		return dispatch.NewJobTrigger(client, namespace, images)
	default:
		return nil, errors.New("unsupported trigger mode: " + mode)
	}
}

// parseValidatorImages reads "type=image,type=image" pairs.
func parseValidatorImages(value string) (map[string]string, error) {
	images := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, image, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		image = strings.TrimSpace(image)
		if !ok || name == "" || image == "" {
			return nil, errors.New("invalid validator image mapping: " + pair)
		}
		images[name] = image
	}
	if len(images) == 0 {
		return nil, errors.New("VERITIDE_VALIDATOR_IMAGES is required for the kubernetes trigger")
	}
	return images, nil
}
