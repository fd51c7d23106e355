package sender

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/teranos/slotpulse/errors"
)

// publisher is the part of an AMQP channel the sender uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSender publishes each envelope as JSON to a topic exchange with the
// template key as routing key. The bot transport consumes from there.
type AMQPSender struct {
	conn     *amqp.Connection
	ch       publisher
	closer   func() error
	exchange string
}

// DialAMQP connects, opens a channel and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPSender, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}
	s := newAMQPSender(ch, exchange)
	s.conn = conn
	s.closer = ch.Close
	return s, nil
}

func newAMQPSender(ch publisher, exchange string) *AMQPSender {
	return &AMQPSender{ch: ch, exchange: exchange}
}

func (s *AMQPSender) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return Permanent(errors.Wrap(err, "encode envelope"))
	}
	err = s.ch.PublishWithContext(ctx, s.exchange, env.TemplateKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.DedupeKey,
		Body:         body,
	})
	if err != nil {
		return Transient(errors.Wrapf(err, "publish %s", env.MessageID))
	}
	return nil
}

// Close releases the channel and connection.
func (s *AMQPSender) Close() error {
	if s.closer != nil {
		_ = s.closer()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
