// Package queue is the JetStream-backed delivery queue for deferred wake
// jobs. Task reminders and text-message notifications are published onto a
// single work-queue stream; scheduled delivery is implemented with a
// Not-Before header that consumers honour by delaying redelivery until the
// instant arrives.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/voxpin/voxpin/pkg/types"
)

// Defaults. The stream and subject share the q1 name the edge fleet was
// provisioned with.
const (
	DefaultStream  = "q1"
	DefaultSubject = "q1"

	// HeaderNotBefore carries the earliest delivery instant in RFC 3339.
	HeaderNotBefore = "Not-Before"

	// textMessageDelay is how far in the future text-message jobs are
	// scheduled, giving the sender a moment to follow up before the device
	// wakes.
	textMessageDelay = time.Minute
)

// Config holds the broker connection settings.
type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string `yaml:"url"`

	// Stream and Subject name the JetStream work queue. Default: "q1".
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`

	// ClientName identifies this process on the broker.
	ClientName string `yaml:"client_name"`

	// MaxReconnects bounds reconnection attempts. Zero means retry forever.
	MaxReconnects int `yaml:"max_reconnects"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.ClientName == "" {
		c.ClientName = "voxpin"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	return c
}

// Bus wraps the NATS connection and the JetStream work queue.
type Bus struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  string
	subject string
	logger  *slog.Logger
}

// Connect dials the broker and ensures the work-queue stream exists.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			} else {
				logger.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				logger.Error("nats connection closed", "error", err)
			} else {
				logger.Info("nats connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats error", "subject", subject, "error", err)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue: connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: ensure stream %s: %w", cfg.Stream, err)
	}

	logger.Info("connected to nats", "url", cfg.URL, "stream", cfg.Stream)
	return &Bus{nc: nc, js: js, stream: cfg.Stream, subject: cfg.Subject, logger: logger}, nil
}

// PublishTask schedules a task reminder for delivery at the given instant.
func (b *Bus) PublishTask(ctx context.Context, job *types.TaskJob, at time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal task job: %w", err)
	}
	if err := b.publish(ctx, data, at); err != nil {
		return err
	}
	b.logger.Info("task job published", "task_id", job.TaskID, "user_id", job.UserID, "at", at)
	return nil
}

// PublishTextMessage schedules a text-message wake one minute out.
func (b *Bus) PublishTextMessage(ctx context.Context, job *types.TextMessageJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal text message job: %w", err)
	}
	at := time.Now().UTC().Add(textMessageDelay)
	if err := b.publish(ctx, data, at); err != nil {
		return err
	}
	b.logger.Info("text message job published", "user_id", job.UserID, "chat_id", job.ChatID, "at", at)
	return nil
}

func (b *Bus) publish(ctx context.Context, data []byte, notBefore time.Time) error {
	msg := &nats.Msg{Subject: b.subject, Data: data, Header: nats.Header{}}
	if !notBefore.IsZero() {
		msg.Header.Set(HeaderNotBefore, notBefore.UTC().Format(time.RFC3339))
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Disposition is a handler's verdict on a delivery.
type Disposition struct {
	ack   bool
	delay time.Duration
}

// Ack marks the delivery as processed.
func Ack() Disposition { return Disposition{ack: true} }

// Retry asks the broker to redeliver after delay. A zero delay uses the
// broker's default backoff.
func Retry(delay time.Duration) Disposition { return Disposition{delay: delay} }

// Handler processes one delivery payload.
type Handler func(ctx context.Context, data []byte) Disposition

// Consume attaches a durable consumer to the work queue. Deliveries whose
// Not-Before instant has not arrived yet are delayed without invoking the
// handler. The returned stop function detaches the consumer.
func (b *Bus) Consume(ctx context.Context, durable string, h Handler) (stop func(), err error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: b.subject,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: ensure consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if delay := deliveryDelay(msg.Headers(), time.Now()); delay > 0 {
			if err := msg.NakWithDelay(delay); err != nil {
				b.logger.Warn("nak for scheduled delivery failed", "error", err)
			}
			return
		}

		disp := h(ctx, msg.Data())
		switch {
		case disp.ack:
			if err := msg.Ack(); err != nil {
				b.logger.Warn("ack failed", "error", err)
			}
		case disp.delay > 0:
			if err := msg.NakWithDelay(disp.delay); err != nil {
				b.logger.Warn("delayed nak failed", "error", err)
			}
		default:
			if err := msg.Nak(); err != nil {
				b.logger.Warn("nak failed", "error", err)
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("queue: consume: %w", err)
	}
	return cc.Stop, nil
}

// deliveryDelay returns how long a delivery must still wait, per its
// Not-Before header. Absent or unparseable headers deliver immediately.
func deliveryDelay(h nats.Header, now time.Time) time.Duration {
	raw := h.Get(HeaderNotBefore)
	if raw == "" {
		return 0
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// IsConnected reports whether the broker connection is up.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains the connection, processing buffered messages first.
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("nats drain failed, closing hard", "error", err)
		b.nc.Close()
	}
}
