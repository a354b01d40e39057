package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/ciwatch/internal/component/jetstream"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/queue"
	"github.com/ssuji15/ciwatch/internal/service/logger"
	"github.com/ssuji15/ciwatch/internal/tracer"
	"github.com/ssuji15/ciwatch/internal/util"
	"github.com/ssuji15/ciwatch/model"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
)

type JetStreamQueueClient struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	cfg        *config.NatsConfig

	mu   sync.Mutex
	subs []*nats.Subscription
}

var (
	jqc       *JetStreamQueueClient
	once      sync.Once
	initError error
)

func NewJetStreamQueueClient() (queue.Queue, error) {
	once.Do(func() {
		cfg, err := config.GetNatsConfig()
		if err != nil {
			initError = err
			return
		}
		nc, err := jetstream.NewJetStreamClient(cfg)
		if err != nil {
			initError = err
			return
		}
		js, err := nc.JetStream()
		if err != nil {
			initError = err
			return
		}
		c := &JetStreamQueueClient{
			connection: nc,
			context:    js,
			cfg:        cfg,
		}
		if err := c.AddStream(cfg.STREAM, []string{cfg.SUBJECT}); err != nil {
			initError = err
			return
		}
		jqc = c
	})
	if initError != nil {
		return nil, initError
	}
	return jqc, nil
}

// AddStream creates a file-backed stream that keeps messages for MAX_AGE.
// An existing stream with the same name is reused.
func (c *JetStreamQueueClient) AddStream(name string, subjects []string) error {
	if name == "" {
		return fmt.Errorf("stream name is empty")
	}
	_, err := c.context.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    c.cfg.MAX_AGE,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	return nil
}

func (c *JetStreamQueueClient) PublishSnapshot(ctx context.Context, s model.Snapshot) error {
	ctx, span := tracer.GetTracer().Start(ctx, "JetStream/PublishSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("subject", c.cfg.SUBJECT))

	b, err := msgpack.Marshal(s)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if _, err := c.context.Publish(c.cfg.SUBJECT, b, nats.Context(ctx)); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (c *JetStreamQueueClient) SubscribeSnapshots(ctx context.Context, handler func(model.Snapshot) error) error {
	sub, err := c.context.Subscribe(c.cfg.SUBJECT, func(msg *nats.Msg) {
		var s model.Snapshot
		if err := msgpack.Unmarshal(msg.Data, &s); err != nil {
			logger.Log.Warn().Err(err).Msg("dropping undecodable snapshot")
			_ = msg.Term()
			return
		}
		if err := handler(s); err != nil {
			logger.Log.Error().Err(err).Time("timestamp", s.Timestamp).Msg("snapshot handler failed")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.DeliverLast(), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (c *JetStreamQueueClient) Shutdown() {
	c.mu.Lock()
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()

	_ = c.connection.Drain()
	c.connection.Close()
}
