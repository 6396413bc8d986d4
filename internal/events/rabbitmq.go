package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

// RabbitMQConfig описывает параметры очереди исходов
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// RabbitMQ — шина исходов поверх RabbitMQ: durable очередь, ручные подтверждения.
// Доставка at-least-once, поэтому обработчик дедуплицирует по Outcome.ID.
type RabbitMQ struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	mu     sync.Mutex // amqp.Channel не потокобезопасен на публикацию
	logger *zap.Logger
}

func NewRabbitMQ(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, errors.New("events: rabbitmq url is empty")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agentpay.outcomes"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("events: set qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare queue: %w", err)
	}
	return &RabbitMQ{conn: conn, ch: ch, queue: queue, logger: logger.Named("events")}, nil
}

func (q *RabbitMQ) PublishOutcome(ctx context.Context, o domain.Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("events: marshal outcome: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    o.ID,
		Body:         body,
	})
}

// Consume читает очередь workerCount воркерами до отмены контекста.
// Ошибки валидации подтверждаются (повтор бесполезен), прочие возвращаются в очередь.
func (q *RabbitMQ) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.handle(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQ) handle(ctx context.Context, msg amqp.Delivery, handler Handler) {
	var o domain.Outcome
	if err := json.Unmarshal(msg.Body, &o); err != nil {
		q.logger.Error("malformed outcome dropped", zap.String("message_id", msg.MessageId), zap.Error(err))
		_ = msg.Ack(false)
		return
	}
	if err := handler.Record(ctx, o); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			q.logger.Error("invalid outcome dropped", zap.String("outcome_id", o.ID), zap.Error(err))
			_ = msg.Ack(false)
			return
		}
		q.logger.Warn("outcome requeued", zap.String("outcome_id", o.ID), zap.Error(err))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func (q *RabbitMQ) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
