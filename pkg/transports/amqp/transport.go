// Package amqp provides the broker transport: authenticated plan intake with
// manual acknowledgement and result publishing over AMQP 0-9-1.
package amqp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/openfroyo/froyo-agent/pkg/engine"
	"github.com/openfroyo/froyo-agent/pkg/telemetry"
)

// SignatureHeader is the message header carrying the detached plan signature.
const SignatureHeader = "signature"

// ContentTypeJSON is the content type set on published results.
const ContentTypeJSON = "application/json"

// ErrClosed is returned when the transport is used after Close.
var ErrClosed = errors.New("transport closed")

// Transport implements engine.MessageSource over a single lazily created
// broker connection.
type Transport struct {
	cfg      *Config
	verifier engine.Verifier
	dial     Dialer
	log      *telemetry.Logger
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	conn   Connection
	closed bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the amqp091 dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// WithLogger sets the transport logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(t *Transport) { t.log = l.NewComponentLogger("transport") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// New creates a transport. No connection is made until first use.
func New(cfg *Config, verifier engine.Verifier, opts ...Option) *Transport {
	t := &Transport{
		cfg:      cfg,
		verifier: verifier,
		dial:     Dial,
		log:      telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ engine.MessageSource = (*Transport)(nil)

// GetMessage blocks until an authenticated plan message arrives.
//
// It returns (nil, nil) when the channel or connection closes, and when the
// very first connection attempt fails. Messages failing signature
// verification are rejected without requeue and never returned.
func (t *Transport) GetMessage(ctx context.Context) (*engine.Message, error) {
	conn, existed, err := t.connection()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, nil
		}
		if !existed {
			t.metrics.RecordTransportError(engine.ErrCodeConnect)
			t.log.WithError(err).Warn("broker connection failed, no message available")
			return nil, nil
		}
		return nil, t.fail(engine.ErrCodeConnect, "failed to connect to broker", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, t.fail(engine.ErrCodeConsume, "failed to open channel", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, t.fail(engine.ErrCodeConsume, "failed to set prefetch", err)
	}

	consumerTag := "froyo-agent-" + uuid.NewString()
	deliveries, err := ch.Consume(t.cfg.InputQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, t.fail(engine.ErrCodeConsume, "failed to start consumer", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return nil, ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				_ = ch.Close()
				t.log.Info("consumer channel closed")
				return nil, nil
			}

			signature := signatureOf(d.Headers)
			if !t.verifier.Verify(d.Body, signature) {
				rejection := engine.NewAuthenticationError("invalid message signature", nil).WithCode(engine.ErrCodeBadSignature)
				t.metrics.RecordSignatureRejection()
				t.metrics.RecordError(string(engine.ClassOf(rejection)))
				t.log.WithMessageID(d.MessageId).WithError(rejection).Warn("discarding message")
				if err := d.Reject(false); err != nil {
					_ = ch.Close()
					return nil, t.fail(engine.ErrCodeConsume, "failed to reject message", err)
				}
				continue
			}

			return t.newMessage(ch, consumerTag, d, signature), nil
		}
	}
}

// newMessage wraps a verified delivery. Ack confirms it and tears down the
// consumer; Close without Ack requeues it.
func (t *Transport) newMessage(ch Channel, consumerTag string, d amqp091.Delivery, signature []byte) *engine.Message {
	ack := func() error {
		err := d.Ack(false)
		_ = ch.Cancel(consumerTag, false)
		_ = ch.Close()
		if err != nil {
			return t.fail(engine.ErrCodeConsume, "failed to acknowledge message", err)
		}
		return nil
	}
	release := func() error {
		err := d.Nack(false, true)
		_ = ch.Close()
		if err != nil {
			return t.fail(engine.ErrCodeConsume, "failed to requeue message", err)
		}
		return nil
	}

	msg := engine.NewMessage(d.MessageId, d.Body, ack, release)
	msg.Signature = signature
	msg.ReplyTo = d.ReplyTo
	return msg
}

// SendResult publishes a result on a fresh channel. The message id is
// carried through for correlation.
func (t *Transport) SendResult(ctx context.Context, msg *engine.Message) error {
	conn, _, err := t.connection()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return engine.NewTransportError("cannot publish", err).WithCode(engine.ErrCodePublish)
		}
		return t.fail(engine.ErrCodeConnect, "failed to connect to broker", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return t.fail(engine.ErrCodePublish, "failed to open channel", err)
	}
	defer ch.Close()

	exchange, key := t.route(msg)

	mode := amqp091.Transient
	if t.cfg.DurableMessages {
		mode = amqp091.Persistent
	}

	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp091.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: mode,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
	if err != nil {
		return t.fail(engine.ErrCodePublish, "failed to publish result", err)
	}

	t.metrics.RecordResultSent()
	t.log.WithMessageID(msg.ID).Debugf("result published to %q/%q", exchange, key)
	return nil
}

// route picks the exchange and routing key for a result.
func (t *Transport) route(msg *engine.Message) (string, string) {
	if t.cfg.DynamicResultQueue && msg.ReplyTo != "" {
		return "", msg.ReplyTo
	}
	return t.cfg.ResultExchange, t.cfg.ResultRoutingKey
}

// Close disposes the cached connection. Errors are swallowed and repeated
// calls are no-ops. A blocked GetMessage returns (nil, nil).
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	return nil
}

// connection returns the cached connection, dialing when there is none.
// existed reports whether a connection had been established before.
func (t *Transport) connection() (conn Connection, existed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, ErrClosed
	}

	existed = t.conn != nil
	if t.conn != nil && !t.conn.IsClosed() {
		return t.conn, true, nil
	}

	conn, err = t.dial(t.cfg)
	if err != nil {
		t.conn = nil
		return nil, existed, err
	}
	t.conn = conn
	t.log.Infof("connected to broker %s:%d", t.cfg.Host, t.cfg.Port)
	return conn, existed, nil
}

// dispose drops the cached connection so the next call reconnects.
func (t *Transport) dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

func (t *Transport) fail(code, message string, err error) error {
	t.dispose()
	t.metrics.RecordTransportError(code)
	t.log.WithError(err).Error(message)
	return engine.NewTransportError(message, err).WithCode(code)
}

func signatureOf(headers amqp091.Table) []byte {
	switch v := headers[SignatureHeader].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}
