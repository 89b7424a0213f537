package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"floortrader/internal/observability"
)

const (
	// TaskStreamName is the JetStream work queue holding scheduled tasks.
	TaskStreamName = "TASKS"

	taskSubjectPrefix = "tasks."
	consumerName      = "floor-workers"
)

// Task names understood by the default handler set.
const (
	TaskRunBacktest       = "run-backtest"
	TaskRunLive           = "run-live"
	TaskPublishTicks      = "publish-ticks"
	TaskSubscribeTicks    = "subscribe-ticks"
	TaskSupervisePipeline = "supervise-pipeline"
)

// Handler runs one task to completion. Long-running handlers must honor
// ctx cancellation; stop signalling beyond that goes through the task
// coordinator.
type Handler func(ctx context.Context, payload []byte) error

// Worker consumes the task work queue. All workers share one durable
// consumer, so each task is delivered to exactly one of them. Messages
// are acked on receipt: a task lost to a crash is re-sent by the
// pipeline supervisor when its role lock expires, not by redelivery.
type Worker struct {
	js       jetstream.JetStream
	handlers map[string]Handler
	metrics  *observability.Metrics
	log      zerolog.Logger

	cc jetstream.ConsumeContext
	wg sync.WaitGroup
}

func New(js jetstream.JetStream, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		js:       js,
		handlers: make(map[string]Handler),
		metrics:  metrics,
		log:      log,
	}
}

// Handle registers the handler for a task name. Registration is not
// concurrency-safe and must finish before Run.
func (w *Worker) Handle(task string, h Handler) {
	w.handlers[task] = h
}

// EnsureTaskStream creates the task work queue if it does not exist.
// WorkQueue retention removes each task once a worker has taken it.
func EnsureTaskStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      TaskStreamName,
		Subjects:  []string{taskSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create task stream: %w", err)
	}
	return nil
}

// Run attaches to the shared task consumer and dispatches tasks until
// Stop is called. Each task runs in its own goroutine; the ctx passed
// here bounds every handler.
func (w *Worker) Run(ctx context.Context) error {
	consumer, err := w.js.CreateOrUpdateConsumer(ctx, TaskStreamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: taskSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create task consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		task := strings.TrimPrefix(msg.Subject(), taskSubjectPrefix)
		payload := msg.Data()
		msg.Ack()

		h, ok := w.handlers[task]
		if !ok {
			w.log.Warn().Str("task", task).Msg("no handler registered, dropping task")
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runTask(ctx, task, h, payload)
		}()
	})
	if err != nil {
		return fmt.Errorf("consume tasks: %w", err)
	}

	w.cc = cc
	w.log.Info().Str("stream", TaskStreamName).Msg("worker consuming tasks")
	return nil
}

func (w *Worker) runTask(ctx context.Context, task string, h Handler, payload []byte) {
	w.metrics.TasksConsumed.WithLabelValues(task).Inc()
	w.log.Info().Str("task", task).Int("payload_bytes", len(payload)).Msg("task started")

	start := time.Now()
	err := h(ctx, payload)
	w.metrics.TaskDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())

	if err != nil {
		w.metrics.TaskFailures.WithLabelValues(task).Inc()
		w.log.Error().Err(err).Str("task", task).Dur("elapsed", time.Since(start)).Msg("task failed")
		return
	}
	w.log.Info().Str("task", task).Dur("elapsed", time.Since(start)).Msg("task finished")
}

// Stop detaches from the consumer and waits for in-flight tasks.
func (w *Worker) Stop() {
	if w.cc != nil {
		w.cc.Stop()
	}
	w.wg.Wait()
	w.log.Info().Msg("worker stopped")
}
