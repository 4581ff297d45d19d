package publish

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/fregster/hangar-assistant/pkg/adsb"
)

type fakeChannel struct {
	declaredName string
	declaredKind string
	declareErr   error
	publishErr   error
	published    []amqp.Publishing
	closed       bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declaredName, f.declaredKind = name, kind
	return f.declareErr
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

// TestNewSnapshot tests snapshot stamping.
func TestNewSnapshot(t *testing.T) {
	now := time.Unix(1717243200, 500000000)
	s := NewSnapshot(now, 51.47, -0.45, 25, nil)

	if s.ID == "" {
		t.Error("Expected snapshot id")
	}
	if math.Abs(s.Now-1717243200.5) > 1e-3 {
		t.Errorf("Expected now 1717243200.5, got %f", s.Now)
	}
	if s.Aircraft == nil {
		t.Error("Expected non-nil aircraft list")
	}
	if other := NewSnapshot(now, 0, 0, 0, nil); other.ID == s.ID {
		t.Error("Expected unique snapshot ids")
	}
}

// TestAMQPPublisher tests exchange declaration and message shape.
func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "aircraft", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if ch.declaredName != "aircraft" || ch.declaredKind != "fanout" {
		t.Errorf("Expected fanout exchange 'aircraft', got %s/%s", ch.declaredKind, ch.declaredName)
	}

	snap := NewSnapshot(time.Now(), 51.47, -0.45, 25, []adsb.Aircraft{{ICAO: "4CA2D6", Source: "sbs"}})
	if err := p.Publish(context.Background(), snap); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(ch.published) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Transient {
		t.Errorf("Expected transient JSON message, got %s/%d", msg.ContentType, msg.DeliveryMode)
	}
	if msg.MessageId != snap.ID {
		t.Errorf("Expected message id %s, got %s", snap.ID, msg.MessageId)
	}

	var decoded Snapshot
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if len(decoded.Aircraft) != 1 || decoded.Aircraft[0].ICAO != "4CA2D6" {
		t.Errorf("Expected 4CA2D6 in body, got %+v", decoded.Aircraft)
	}

	if err := p.Close(); err != nil {
		t.Errorf("Expected no error from Close(), got: %v", err)
	}
	if !ch.closed {
		t.Error("Expected channel closed")
	}
}

// TestAMQPPublisherErrors tests declare and publish failures.
func TestAMQPPublisherErrors(t *testing.T) {
	t.Run("Declare failure", func(t *testing.T) {
		ch := &fakeChannel{declareErr: errors.New("access refused")}
		if _, err := newAMQPPublisher(ch, "aircraft", nil); err == nil {
			t.Error("Expected error, got nil")
		}
		if !ch.closed {
			t.Error("Expected channel closed after failed declare")
		}
	})

	t.Run("Publish failure", func(t *testing.T) {
		ch := &fakeChannel{publishErr: amqp.ErrClosed}
		p, err := newAMQPPublisher(ch, "aircraft", nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		err = p.Publish(context.Background(), NewSnapshot(time.Now(), 0, 0, 0, nil))
		if !errors.Is(err, amqp.ErrClosed) {
			t.Errorf("Expected wrapped amqp.ErrClosed, got %v", err)
		}
	})

	t.Run("Cancelled context", func(t *testing.T) {
		ch := &fakeChannel{}
		p, _ := newAMQPPublisher(ch, "aircraft", nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := p.Publish(ctx, NewSnapshot(time.Now(), 0, 0, 0, nil)); err == nil {
			t.Error("Expected error for cancelled context")
		}
		if len(ch.published) != 0 {
			t.Error("Expected nothing published")
		}
	})
}

// TestLogPublisher tests the broker-less publisher.
func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(nil)
	if err := p.Publish(context.Background(), NewSnapshot(time.Now(), 0, 0, 0, nil)); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}
