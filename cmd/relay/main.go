package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/cors"
	"k8s.io/client-go/util/workqueue"

	"github.com/M1keZulu/3Commas-Discord/backfill"
	"github.com/M1keZulu/3Commas-Discord/cmd/relay/internal/config"
	"github.com/M1keZulu/3Commas-Discord/deliver"
	"github.com/M1keZulu/3Commas-Discord/internal/api"
	rlog "github.com/M1keZulu/3Commas-Discord/log"
	"github.com/M1keZulu/3Commas-Discord/notify"
	"github.com/M1keZulu/3Commas-Discord/queue"
	"github.com/M1keZulu/3Commas-Discord/ratelimit"
	"github.com/M1keZulu/3Commas-Discord/registry"
	"github.com/M1keZulu/3Commas-Discord/storage"
	"github.com/M1keZulu/3Commas-Discord/stream"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}

	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	logger := slog.New(config.GetLogHandler(cfg))
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	appCtx = rlog.ContextWithLogger(appCtx, logger)
	workerCtx = rlog.ContextWithLogger(workerCtx, logger)

	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		fatal("storage init failed", err)
	}
	defer store.Close()

	reg := registry.New()
	saved, err := store.ListCredentials(appCtx)
	if err != nil {
		fatal("loading credentials failed", err)
	}
	for _, cred := range saved {
		if err := reg.Register(cred); err != nil {
			logger.Warn("skipping stored credential", slog.Any("credential", cred), slog.String("error", err.Error()))
		}
	}

	fmtr := notify.Formatter{Suffix: cfg.NotificationTag}

	nq := queue.New("notifications")

	bqLimiter := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[backfill.Work](1*time.Second, 30*time.Second),
	)
	bq := workqueue.NewTypedRateLimitingQueueWithConfig(bqLimiter, workqueue.TypedRateLimitingQueueConfig[backfill.Work]{
		Name: "backfill",
	})

	restLimiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.APIRequestsPerMinute,
		Logger:            logger,
	})
	reconciler := backfill.New(cfg.APIBaseURL, fmtr,
		backfill.WithHTTPClient(&http.Client{
			Transport: ratelimit.NewTransport(restLimiter, nil),
			Timeout:   30 * time.Second,
		}),
	)

	session := stream.New(cfg.WebsocketURL, reg, nq, bq, fmtr,
		stream.WithStore(store),
		stream.WithPingInterval(cfg.PingInterval),
		stream.WithMaxReconnectWait(cfg.ReconnectMaxWait),
		stream.WithLogger(logger),
	)
	if err := session.Start(appCtx); err != nil {
		logger.Warn("stream not connected yet, retrying in background", slog.String("error", err.Error()))
	}
	defer session.Close()

	confirmations := deliver.NewToggle(cfg.Confirmations)

	var sender deliver.Sender
	if len(cfg.WebhookURLs) > 0 {
		sender = deliver.NewWebhookSender(cfg.WebhookURLs)
	} else {
		logger.Warn("no webhook URLs configured, notifications go to the log only")
		sender = deliver.NewLogSender(logger)
	}

	apiHandler := api.NewHandler(session, reg, confirmations, api.WithLogger(logger))

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	})

	mux := http.NewServeMux()
	apiHandler.Register(mux)

	srv := &http.Server{
		Addr:    cfg.HTTPListen,
		Handler: corsMiddleware.Handler(mux),
	}

	apiErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiErrCh <- err
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.NotificationWorkers; i++ {
		wg.Add(1)
		go runNotificationWorker(workerCtx, &wg, nq, sender, confirmations, store)
	}
	for i := 0; i < cfg.BackfillWorkers; i++ {
		wg.Add(1)
		go runBackfillWorker(workerCtx, &wg, bq, nq, reconciler)
	}

	logger.Info("relay ready",
		slog.String("websocket_url", cfg.WebsocketURL),
		slog.Int("subscriptions", reg.Len()),
	)

	select {
	case err := <-apiErrCh:
		logger.Error("HTTP server failed", slog.String("error", err.Error()))
	case <-appCtx.Done():
	}

	slog.Info("shutdown requested; draining queues...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("HTTP API shutdown error", slog.String("error", err.Error()))
	}

	if err := session.Close(); err != nil {
		logger.Warn("stream close error", slog.String("error", err.Error()))
	}

	nq.ShutDown()
	bq.ShutDown()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelWait()

	select {
	case <-done:
	case <-waitCtx.Done():
		cancelWorkers()
		<-done
	}

	slog.Debug("drained; fully shutdown")
}
