package messaging

import (
	"context"
)

// Client is the interface for messaging operations used by services
type Client interface {
	SetupTopology(t Topology) error
	PublishToQueue(queueName string, msgType string, data interface{}) error
	PublishEvent(exchange, routingKey string, data interface{}) error
	ConsumeQueue(ctx context.Context, queueName string, handler func([]byte) error) error
	// ConsumeQueueWorkers is ConsumeQueue with up to workers messages in
	// flight at once.
	ConsumeQueueWorkers(ctx context.Context, queueName string, workers int, handler func([]byte) error) error
	Close() error
}

// client wraps RabbitMQ to implement the Client interface
type client struct {
	rabbit *RabbitMQ
}

func NewClient(url string, prefetch int) (Client, error) {
	rabbit, err := NewRabbitMQ(url)
	if err != nil {
		return nil, err
	}

	if prefetch > 0 {
		if err := rabbit.SetQos(prefetch); err != nil {
			rabbit.Close()
			return nil, err
		}
	}

	return &client{
		rabbit: rabbit,
	}, nil
}

func (c *client) SetupTopology(t Topology) error {
	return c.rabbit.SetupTopology(t)
}

func (c *client) PublishToQueue(queueName string, msgType string, data interface{}) error {
	// Publish directly to a queue (empty exchange)
	return c.rabbit.Publish("", queueName, NewMessage(msgType, data))
}

func (c *client) PublishEvent(exchange, routingKey string, data interface{}) error {
	return c.rabbit.Publish(exchange, routingKey, NewMessage(routingKey, data))
}

func (c *client) ConsumeQueue(ctx context.Context, queueName string, handler func([]byte) error) error {
	return c.ConsumeQueueWorkers(ctx, queueName, 1, handler)
}

func (c *client) ConsumeQueueWorkers(ctx context.Context, queueName string, workers int, handler func([]byte) error) error {
	consumerName := "consumer-" + queueName
	return c.rabbit.ConsumeWithWorkers(ctx, queueName, consumerName, workers, handler)
}

func (c *client) Close() error {
	return c.rabbit.Close()
}
