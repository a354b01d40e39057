package jetstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/ciwatch/internal/config"
	"github.com/ssuji15/ciwatch/internal/service/logger"
)

const connectTimeout = 5 * time.Second

var (
	nc        *nats.Conn
	once      sync.Once
	initError error
)

// NewJetStreamClient returns the process wide NATS connection to cfg.URL.
// Later calls return the first connection regardless of cfg.
func NewJetStreamClient(cfg *config.NatsConfig) (*nats.Conn, error) {
	once.Do(func() {
		log := logger.Log.With().Str("url", cfg.URL).Str("stream", cfg.STREAM).Logger()
		conn, err := nats.Connect(cfg.URL,
			nats.Name("ciwatch-snapshots"),
			nats.Timeout(connectTimeout),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("server", c.ConnectedUrl()).Msg("nats reconnected")
			}),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ClosedHandler(func(*nats.Conn) {
				log.Debug().Msg("nats connection closed")
			}),
		)
		if err != nil {
			initError = fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
			return
		}
		nc = conn
	})
	return nc, initError
}

func ResetJetStreamClient() {
	nc = nil
	once = sync.Once{}
	initError = nil
}
