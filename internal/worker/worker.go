// Package worker executes asynchronous threshold scans from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/ipsim/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs one pending scan. *scenario.Service implements it.
type Executor interface {
	ExecuteScan(ctx context.Context, req domain.ScanRequest) error
}

// Worker consumes scan requests and hands them to an Executor.
type Worker struct {
	bus      domain.EventBus
	executor Executor
	sem      chan struct{}

	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds scans executing at once (0 = 2)
	Concurrency int

	// QueueGroup shares scan requests between replicas (empty = "ipsim-workers")
	QueueGroup string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, executor Executor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		executor: executor,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to scan requests.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "ipsim-workers"
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return errors.New("worker stopped")
	}
	if len(w.subscriptions) > 0 {
		return errors.New("worker already started")
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.QueueSubscribe(w.ctx, domain.TopicScanRequested, cfg.QueueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicScanRequested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("scan worker started",
		"topic", domain.TopicScanRequested,
		"queue_group", cfg.QueueGroup,
		"concurrency", cfg.Concurrency,
	)

	return nil
}

// handleMessage decodes a scan request and executes it in the background
// under the submitter's trace. Malformed payloads are dropped with an error.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var req domain.ScanRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse scan request",
			"message_id", msg.ID,
			"error", err,
		)
		w.failed.Add(1)
		return err
	}
	if req.RunID == "" {
		w.failed.Add(1)
		return fmt.Errorf("scan request %s has no run id", msg.ID)
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()

	execCtx := trace.ContextWithSpanContext(w.ctx, trace.SpanContextFromContext(ctx))

	w.inFlight.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inFlight.Add(-1)
		defer func() { <-w.sem }()

		w.process(execCtx, req)
	}()

	return nil
}

func (w *Worker) process(ctx context.Context, req domain.ScanRequest) {
	start := time.Now()

	slog.Debug("executing scan",
		"run_id", req.RunID,
		"kind", req.Kind,
		"trace_id", req.TraceID,
	)

	if err := w.executor.ExecuteScan(ctx, req); err != nil {
		w.failed.Add(1)
		slog.Error("scan execution failed",
			"run_id", req.RunID,
			"kind", req.Kind,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	slog.Debug("scan executed",
		"run_id", req.RunID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes, waits for in-flight scans and releases the worker.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("scan worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int64    `json:"inFlight"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          w.inFlight.Load(),
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
