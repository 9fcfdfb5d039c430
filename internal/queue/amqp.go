package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// channel is the part of *amqp.Channel the queue publishes and peeks
// through.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// AMQPQueue maps each Name onto durable RabbitMQ queues:
//
//	<name>              work queue
//	<name>.retry.<ms>   holding queue whose TTL dead-letters back to <name>
//	<name>.failed       bounded (x-max-length) store of exhausted jobs
type AMQPQueue struct {
	conn   *amqp.Connection
	open   func() (channel, error)
	retain int
	logger *zap.Logger

	mu       sync.Mutex
	pub      channel
	declared map[string]bool
}

func DialAMQP(url string, retain int, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	open := func() (channel, error) {
		c, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	q, err := newAMQPQueue(ch, open, retain, logger)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// newAMQPQueue declares the work and failed queues on pub.
func newAMQPQueue(pub channel, open func() (channel, error), retain int, logger *zap.Logger) (*AMQPQueue, error) {
	if retain <= 0 {
		retain = DefaultFailedRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &AMQPQueue{
		open:     open,
		retain:   retain,
		logger:   logger,
		pub:      pub,
		declared: make(map[string]bool),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range Names() {
		if err := q.declareLocked(string(n), nil); err != nil {
			return nil, err
		}
		if err := q.declareLocked(failedQueue(n), amqp.Table{"x-max-length": int32(retain)}); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func failedQueue(n Name) string { return string(n) + ".failed" }

func retryQueue(n Name, delay time.Duration) string {
	return fmt.Sprintf("%s.retry.%d", n, delay.Milliseconds())
}

func (q *AMQPQueue) declareLocked(name string, args amqp.Table) error {
	if q.declared[name] {
		return nil
	}
	if _, err := q.pub.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

func (q *AMQPQueue) publish(ctx context.Context, routingKey string, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.Publish("", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (q *AMQPQueue) Enqueue(ctx context.Context, job Job) error {
	if !job.Queue.Valid() {
		return fmt.Errorf("unknown queue %q", job.Queue)
	}
	return q.publish(ctx, string(job.Queue), job)
}

func (q *AMQPQueue) retry(ctx context.Context, job Job, delay time.Duration) error {
	name := retryQueue(job.Queue, delay)
	q.mu.Lock()
	err := q.declareLocked(name, amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": string(job.Queue),
	})
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.publish(ctx, name, job)
}

func (q *AMQPQueue) Consume(ctx context.Context, name Name, concurrency int, h Handler) error {
	if !name.Valid() {
		return fmt.Errorf("unknown queue %q", name)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(
		string(name),
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer on %s: %w", name, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		// Closing the channel ends the deliveries range below and returns
		// unacked messages to the broker.
		return ch.Close()
	})
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for d := range deliveries {
				q.handle(gctx, name, d, h)
			}
			if gctx.Err() == nil {
				return fmt.Errorf("deliveries on %s closed by broker", name)
			}
			return nil
		})
	}
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (q *AMQPQueue) handle(ctx context.Context, name Name, d amqp.Delivery, h Handler) {
	log := q.logger.With(zap.String("queue", string(name)), zap.String("job_id", d.MessageId))

	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error("undecodable job, discarding", zap.Error(err))
		d.Nack(false, false)
		return
	}

	job.Attempt++
	err := h(ctx, job)
	if err != nil && ctx.Err() != nil {
		d.Nack(false, true)
		return
	}

	out, delay := settle(&job, err)
	switch out {
	case outcomeDone:
		log.Debug("job completed", zap.Int("attempt", job.Attempt))
	case outcomeRetry:
		log.Warn("job failed, scheduling redelivery",
			zap.Int("attempt", job.Attempt), zap.Duration("backoff", delay), zap.Error(err))
		if perr := q.retry(ctx, job, delay); perr != nil {
			log.Error("scheduling redelivery failed, requeueing", zap.Error(perr))
			d.Nack(false, true)
			return
		}
	case outcomeFail:
		log.Error("job failed permanently", zap.Int("attempt", job.Attempt), zap.Error(err))
		if perr := q.publish(ctx, failedQueue(name), job); perr != nil {
			log.Error("storing failed job failed, requeueing", zap.Error(perr))
			d.Nack(false, true)
			return
		}
	}
	d.Ack(false)
}

// Failed peeks at the failed queue. Messages are fetched without ack and
// returned to the queue when the channel closes.
func (q *AMQPQueue) Failed(ctx context.Context, name Name, limit int) ([]FailedJob, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("unknown queue %q", name)
	}
	if limit <= 0 || limit > q.retain {
		limit = q.retain
	}
	ch, err := q.open()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	var out []FailedJob
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, ok, err := ch.Get(failedQueue(name), false)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var job Job
		if err := json.Unmarshal(d.Body, &job); err != nil {
			q.logger.Warn("skipping undecodable failed job", zap.Error(err))
			continue
		}
		out = append(out, FailedJob{Job: job, Error: job.LastError, FailedAt: d.Timestamp})
	}
	return out, nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		q.pub.Close()
	}
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
