package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/grigta/registrar/pkg/logger"
)

type RabbitMQ struct {
	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	url       string
	topology  *Topology
	consumers []ConsumerRegistration
	prefetch  int
	stopCh    chan struct{}
	closeOnce sync.Once
}

type ConsumerRegistration struct {
	QueueName    string
	ConsumerName string
	Handler      func([]byte) error
	Context      context.Context
	Workers      int
}

// Topology is the set of exchanges, queues and bindings a service owns. It
// is re-declared after every reconnect.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []string
	Bindings  []BindingSpec
}

type ExchangeSpec struct {
	Name string
	Kind string
}

type BindingSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, ch, err := dial(url)
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to RabbitMQ")

	rabbitmq := &RabbitMQ{
		conn:      conn,
		channel:   ch,
		url:       url,
		consumers: make([]ConsumerRegistration, 0),
		stopCh:    make(chan struct{}),
	}

	go rabbitmq.monitorConnection()

	return rabbitmq, nil
}

func dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return conn, ch, nil
}

func (r *RabbitMQ) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		defer r.mu.Unlock()

		if err := r.channel.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close channel: %w", err)
			return
		}
		if err := r.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close connection: %w", err)
		}
	})
	return closeErr
}

func (r *RabbitMQ) ch() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQ) DeclareExchange(name, kind string) error {
	return r.ch().ExchangeDeclare(name, kind, true, false, false, false, nil)
}

func (r *RabbitMQ) DeclareQueue(name string) error {
	_, err := r.ch().QueueDeclare(name, true, false, false, false, nil)
	return err
}

func (r *RabbitMQ) BindQueue(queueName, routingKey, exchangeName string) error {
	return r.ch().QueueBind(queueName, routingKey, exchangeName, false, nil)
}

// SetupTopology declares t and remembers it for reconnects.
func (r *RabbitMQ) SetupTopology(t Topology) error {
	for _, ex := range t.Exchanges {
		if err := r.DeclareExchange(ex.Name, ex.Kind); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.Name, err)
		}
	}
	for _, q := range t.Queues {
		if err := r.DeclareQueue(q); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}
	for _, b := range t.Bindings {
		if err := r.BindQueue(b.Queue, b.RoutingKey, b.Exchange); err != nil {
			return fmt.Errorf("failed to bind queue %s to exchange %s: %w", b.Queue, b.Exchange, err)
		}
	}

	r.mu.Lock()
	r.topology = &t
	r.mu.Unlock()
	return nil
}

func (r *RabbitMQ) Publish(exchange, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return r.ch().Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// SetQos limits unacknowledged deliveries per consumer. The value is
// re-applied after a reconnect.
func (r *RabbitMQ) SetQos(prefetchCount int) error {
	r.mu.Lock()
	r.prefetch = prefetchCount
	r.mu.Unlock()
	return r.ch().Qos(prefetchCount, 0, false)
}

func (r *RabbitMQ) ConsumeWithHandler(ctx context.Context, queueName, consumerName string, handler func([]byte) error) error {
	return r.ConsumeWithWorkers(ctx, queueName, consumerName, 1, handler)
}

// ConsumeWithWorkers runs handler on up to workers deliveries at once. Each
// delivery is acked only after its handler returns nil, so prefetch should
// be at least workers for them all to stay busy.
func (r *RabbitMQ) ConsumeWithWorkers(ctx context.Context, queueName, consumerName string, workers int, handler func([]byte) error) error {
	if workers < 1 {
		workers = 1
	}
	reg := ConsumerRegistration{
		QueueName:    queueName,
		ConsumerName: consumerName,
		Handler:      handler,
		Context:      ctx,
		Workers:      workers,
	}

	r.mu.Lock()
	r.consumers = append(r.consumers, reg)
	r.mu.Unlock()

	return r.startConsumer(reg)
}

func (r *RabbitMQ) startConsumer(reg ConsumerRegistration) error {
	ch := r.ch()
	tag := reg.ConsumerName + "-" + uuid.NewString()[:8]
	msgs, err := ch.Consume(reg.QueueName, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	// Deliveries stop once the caller is done with the queue.
	context.AfterFunc(reg.Context, func() {
		if err := ch.Cancel(tag, false); err != nil && !r.isClosed() {
			logger.Debug("Failed to cancel consumer", logger.F("queue", reg.QueueName), logger.Err(err))
		}
	})

	workers := reg.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go r.consume(reg, i, msgs)
	}

	logger.Info("Started consuming messages",
		logger.F("queue", reg.QueueName),
		logger.F("workers", workers),
	)
	return nil
}

func (r *RabbitMQ) consume(reg ConsumerRegistration, worker int, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-reg.Context.Done():
			logger.Info("Stopping consumer", logger.F("queue", reg.QueueName), logger.F("worker", worker))
			return
		case msg, ok := <-msgs:
			if !ok {
				logger.Warn("Consumer channel closed", logger.F("queue", reg.QueueName), logger.F("worker", worker))
				return
			}

			if err := reg.Handler(msg.Body); err != nil {
				logger.Error("Failed to process message",
					logger.F("queue", reg.QueueName),
					logger.Err(err),
				)
				msg.Nack(false, !msg.Redelivered)
			} else {
				msg.Ack(false)
			}
		}
	}
}

func (r *RabbitMQ) Reconnect() error {
	r.mu.Lock()
	if r.conn != nil && !r.conn.IsClosed() {
		r.conn.Close()
	}

	conn, ch, err := dial(r.url)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to reconnect to RabbitMQ: %w", err)
	}

	r.conn = conn
	r.channel = ch
	topology := r.topology
	prefetch := r.prefetch
	consumers := append([]ConsumerRegistration(nil), r.consumers...)
	r.mu.Unlock()

	logger.Info("Reconnected to RabbitMQ")

	if topology != nil {
		if err := r.SetupTopology(*topology); err != nil {
			logger.Error("Failed to setup topology after reconnect", logger.Err(err))
		}
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			logger.Error("Failed to restore prefetch after reconnect", logger.Err(err))
		}
	}

	for _, consumer := range consumers {
		if consumer.Context.Err() != nil {
			continue
		}
		if err := r.startConsumer(consumer); err != nil {
			logger.Error("Failed to restart consumer after reconnect",
				logger.F("queue", consumer.QueueName),
				logger.Err(err),
			)
		}
	}

	return nil
}

func (r *RabbitMQ) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) monitorConnection() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if !r.isClosed() {
				continue
			}
			logger.Warn("RabbitMQ connection lost, attempting to reconnect...")
			for i := 0; i < 5; i++ {
				if err := r.Reconnect(); err != nil {
					logger.Error("Failed to reconnect to RabbitMQ",
						logger.F("attempt", i+1),
						logger.Err(err),
					)
					time.Sleep(time.Duration(i+1) * time.Second)
					continue
				}
				break
			}
		}
	}
}

// Message is the envelope every event and command travels in.
type Message struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func NewMessage(msgType string, data interface{}) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
		Metadata:  make(map[string]interface{}),
	}
}

// DecodeMessage unpacks an envelope's Data into dest. Bodies that are not
// wrapped in an envelope are decoded directly.
func DecodeMessage(body []byte, dest interface{}) error {
	var envelope struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}

	payload := body
	if envelope.Type != "" && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("failed to decode message data: %w", err)
	}
	return nil
}
