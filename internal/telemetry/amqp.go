package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var errBusNotConnected = errors.New("telemetry: bus not connected")

// AMQPPublisher publishes events to a durable topic exchange. Connection loss
// is tolerated: publishes fail until the backoff window allows a redial.
type AMQPPublisher struct {
	url      string
	exchange string

	mu          sync.Mutex
	conn        *amqp091.Connection
	ch          *amqp091.Channel
	bo          *backoff.ExponentialBackOff
	nextAttempt time.Time
}

func NewAMQPPublisher(url string, exchange string) *AMQPPublisher {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever
	return &AMQPPublisher{url: url, exchange: exchange, bo: bo}
}

func (p *AMQPPublisher) Publish(topic string, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(ctx, p.exchange, topic, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		p.disconnect()
	}
	return err
}

func (p *AMQPPublisher) channel() (*amqp091.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		return p.ch, nil
	}
	if time.Now().Before(p.nextAttempt) {
		return nil, errBusNotConnected
	}

	conn, err := amqp091.Dial(p.url)
	if err != nil {
		p.nextAttempt = time.Now().Add(p.bo.NextBackOff())
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		p.nextAttempt = time.Now().Add(p.bo.NextBackOff())
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		p.nextAttempt = time.Now().Add(p.bo.NextBackOff())
		return nil, err
	}

	p.bo.Reset()
	p.conn = conn
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.disconnect()
	return nil
}
