package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/M1keZulu/3Commas-Discord/backfill"
	"github.com/M1keZulu/3Commas-Discord/deliver"
	rlog "github.com/M1keZulu/3Commas-Discord/log"
	"github.com/M1keZulu/3Commas-Discord/notify"
	"github.com/M1keZulu/3Commas-Discord/queue"
)

// NotificationRecorder persists delivered notifications. Satisfied by
// storage.Storage; nil disables recording.
type NotificationRecorder interface {
	RecordNotification(ctx context.Context, n notify.Notification) error
}

func runNotificationWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	nq *queue.Queue,
	sender deliver.Sender,
	confirmations *deliver.Toggle,
	recorder NotificationRecorder,
) {
	defer wg.Done()
	for {
		n, shutdown := nq.Get()
		if shutdown {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		processNotification(reqCtx, nq, sender, confirmations, recorder, n)
		cancel()
	}
}

func processNotification(
	ctx context.Context,
	nq *queue.Queue,
	sender deliver.Sender,
	confirmations *deliver.Toggle,
	recorder NotificationRecorder,
	n notify.Notification,
) {
	logger := rlog.LoggerFromContext(ctx).With(slog.Uint64("seq", n.Seq), slog.String("kind", n.Kind.String()))
	defer nq.Done(n)

	if !confirmations.Wants(n) {
		logger.Debug("confirmation delivery disabled, dropping")
		nq.Forget(n)
		return
	}

	if err := sender.Send(ctx, n); err != nil {
		if errors.Is(err, context.Canceled) {
			nq.Forget(n)
			return
		}

		logger.Debug("delivery failed", slog.String("error", err.Error()))
		if nq.NumRequeues(n) < 5 {
			nq.Retry(n)
			return
		}
		logger.Warn("giving up on notification", slog.String("text", n.Text))
		nq.Forget(n)
		return
	}

	if recorder != nil {
		if err := recorder.RecordNotification(ctx, n); err != nil {
			logger.Warn("recording notification failed", slog.String("error", err.Error()))
		}
	}
	nq.Forget(n)
}

func runBackfillWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	bq workqueue.TypedRateLimitingInterface[backfill.Work],
	nq *queue.Queue,
	reconciler *backfill.Reconciler,
) {
	defer wg.Done()
	for {
		w, shutdown := bq.Get()
		if shutdown {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		processBackfillItem(reqCtx, bq, nq, reconciler, w)
		cancel()
	}
}

func processBackfillItem(
	ctx context.Context,
	bq workqueue.TypedRateLimitingInterface[backfill.Work],
	nq *queue.Queue,
	reconciler *backfill.Reconciler,
	w backfill.Work,
) {
	defer bq.Done(w)

	for _, n := range reconciler.Reconcile(ctx, w.Credential, w.Start, w.End) {
		nq.Push(n)
	}
	bq.Forget(w)
}
