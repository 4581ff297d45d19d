// Package publish delivers aggregated aircraft snapshots to downstream
// consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/pkg/adsb"
)

// Snapshot is one collection cycle's merged view around a point.
type Snapshot struct {
	ID        string          `json:"id"`
	Now       float64         `json:"now"`
	Latitude  float64         `json:"lat"`
	Longitude float64         `json:"lon"`
	RadiusNM  float64         `json:"radius_nm"`
	Aircraft  []adsb.Aircraft `json:"aircraft"`
}

// NewSnapshot stamps a snapshot with a fresh id and the given time.
func NewSnapshot(now time.Time, lat, lon, radiusNM float64, aircraft []adsb.Aircraft) Snapshot {
	if aircraft == nil {
		aircraft = []adsb.Aircraft{}
	}
	return Snapshot{
		ID:        uuid.NewString(),
		Now:       float64(now.UnixNano()) / 1e9,
		Latitude:  lat,
		Longitude: lon,
		RadiusNM:  radiusNM,
		Aircraft:  aircraft,
	}
}

// Publisher sends snapshots somewhere.
type Publisher interface {
	Publish(ctx context.Context, s Snapshot) error
	Close() error
}

// LogPublisher logs a one-line summary per snapshot. Used when no broker is
// configured.
type LogPublisher struct {
	log *logger.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{log: logger.OrNop(log).With("component", "publish")}
}

// Publish logs the snapshot summary.
func (p *LogPublisher) Publish(ctx context.Context, s Snapshot) error {
	p.log.Info("snapshot",
		"id", s.ID,
		"aircraft", len(s.Aircraft),
		"lat", s.Latitude,
		"lon", s.Longitude,
		"radius_nm", s.RadiusNM,
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }

// amqpChannel is the part of *amqp.Channel used for publishing.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes JSON snapshots to a fanout exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	log      *logger.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	p, err := newAMQPPublisher(ch, exchange, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		false,    // durable
		false,    // delete when unused
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		ch:       ch,
		exchange: exchange,
		log:      logger.OrNop(log).With("component", "publish", "exchange", exchange),
	}, nil
}

// Publish marshals the snapshot and publishes it as a transient message.
func (p *AMQPPublisher) Publish(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		MessageId:    s.ID,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Publish(p.exchange, "", false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to exchange: %w", err)
	}
	p.log.Debug("snapshot published", "id", s.ID, "aircraft", len(s.Aircraft), "bytes", len(body))
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
