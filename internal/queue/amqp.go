package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	retryHeader     = "x-retry-count"
	maxHandlerRetry = 3
	handlerBackoff  = time.Minute
)

// AMQPQueue delivers tasks through a durable RabbitMQ work queue. Delays use
// one TTL queue per distinct delay that dead-letters into the work queue.
type AMQPQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	name     string
	prefetch int
	log      zerolog.Logger

	mu sync.Mutex
}

func DialAMQP(url, name string, prefetch int, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}

	if prefetch < 1 {
		prefetch = 1
	}
	return &AMQPQueue{
		conn:     conn,
		ch:       ch,
		name:     name,
		prefetch: prefetch,
		log:      log.With().Str("component", "amqp_queue").Str("queue", name).Logger(),
	}, nil
}

func (q *AMQPQueue) ScheduleAfter(_ context.Context, delay time.Duration, task model.Task) error {
	return q.publish(delay, task, 0)
}

func (q *AMQPQueue) publish(delay time.Duration, task model.Task, retries int) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	routingKey := q.name
	if delay > 0 {
		dq, args := delayQueue(q.name, delay)
		if _, err := q.ch.QueueDeclare(dq, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare delay queue %s: %w", dq, err)
		}
		routingKey = dq
	}

	err = q.ch.Publish("", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{retryHeader: int32(retries)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// delayQueue names the holding queue for delay and returns its arguments.
// Messages expire into the default exchange with the work queue as routing
// key. The queue itself is dropped once idle for longer than two periods.
func delayQueue(work string, delay time.Duration) (string, amqp.Table) {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("%s.delay.%d", work, ms), amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": work,
		"x-expires":                 2*ms + int64(time.Minute/time.Millisecond),
	}
}

func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := q.ch.Consume(
		q.name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				q.deliver(ctx, handler, d)
			}(d)
		}
	}
}

func (q *AMQPQueue) deliver(ctx context.Context, handler Handler, d amqp.Delivery) {
	var task model.Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		q.log.Warn().Err(err).Msg("⚠️ invalid task payload, dropping")
		_ = d.Ack(false)
		return
	}

	err := handler(ctx, task)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	log := q.log.Warn().Err(err).Str("kind", string(task.Kind)).Int("campaign_id", task.CampaignID).Int("retries", retries)
	if retries >= maxHandlerRetry {
		log.Msg("task permanently failed")
		_ = d.Ack(false)
		return
	}
	log.Msg("task failed, rescheduling")
	if perr := q.publish(handlerBackoff, task, retries+1); perr != nil {
		q.log.Error().Err(perr).Msg("reschedule failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
