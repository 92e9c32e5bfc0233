package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/imagegen"
	"github.com/kiranshivaraju/partypix/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// drainTimeout bounds how long in-flight handlers keep running after Run's
// context is cancelled.
const drainTimeout = 30 * time.Second

// Handler processes one dispatched prompt.
type Handler func(ctx context.Context, promptID uuid.UUID) error

// Consumer runs a fixed-size worker pool over the dispatch queue.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	handle      Handler
}

func NewConsumer(url, queue string, concurrency int, handle Handler) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, concurrency: concurrency, handle: handle}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run consumes until ctx is cancelled and in-flight messages are settled.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	slog.Info("queue consumer started", "queue", c.queue, "concurrency", c.concurrency)
	serve(ctx, msgs, c.concurrency, drainTimeout, c.handle)
	slog.Info("queue consumer stopped", "queue", c.queue)
	return nil
}

// serve feeds deliveries to the workers until ctx is cancelled or msgs
// closes. Handlers run on a context that outlives ctx by up to drain, so
// generations already underway can finish. Deliveries not yet started when
// ctx ends are requeued.
func serve(ctx context.Context, msgs <-chan amqp.Delivery, concurrency int, drain time.Duration, handle Handler) {
	jobs := make(chan amqp.Delivery, concurrency*2)

	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(drain, cancelHandlers)
		<-handlerCtx.Done()
		t.Stop()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				if ctx.Err() != nil {
					metrics.QueueMessage("consume", "requeued")
					_ = d.Nack(false, true)
					continue
				}
				process(handlerCtx, ctx.Done(), workerID, d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				slog.Warn("delivery channel closed")
				return
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

// process settles one delivery. Malformed messages and failed generations
// go to the DLQ; duplicates of an already dispatched prompt are acked. A
// generation that fails once stopping is closed is requeued instead.
func process(ctx context.Context, stopping <-chan struct{}, workerID int, d amqp.Delivery, handle Handler) {
	promptID, err := decode(d.Body)
	if err != nil {
		slog.Warn("bad dispatch message", "worker", workerID, "error", err)
		metrics.QueueMessage("consume", "malformed")
		_ = d.Nack(false, false)
		return
	}

	log := slog.With("worker", workerID, "prompt_id", promptID)
	start := time.Now()
	err = handle(ctx, promptID)
	switch {
	case err == nil:
		metrics.QueueMessage("consume", "ok")
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
		}
	case errors.Is(err, imagegen.ErrAlreadyDispatched), errors.Is(err, imagegen.ErrNotFound):
		metrics.QueueMessage("consume", "skipped")
		log.Info("dispatch message skipped", "error", err)
		_ = d.Ack(false)
	case closed(stopping):
		metrics.QueueMessage("consume", "requeued")
		log.Warn("dispatch message requeued on shutdown", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		_ = d.Nack(false, true)
	default:
		metrics.QueueMessage("consume", "failed")
		log.Error("dispatch message failed", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		_ = d.Nack(false, false)
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func decode(body []byte) (uuid.UUID, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return uuid.Nil, err
	}
	if m.PromptID == "" {
		return uuid.Nil, fmt.Errorf("prompt_id is required")
	}
	return uuid.Parse(m.PromptID)
}
