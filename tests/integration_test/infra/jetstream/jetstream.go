package jetstream

import (
	"context"
	"os"
	"time"

	"github.com/ssuji15/ciwatch/tests/integration_test/infra"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupContainer starts nats with JetStream enabled, exports JETSTREAM_URL and
// returns the nats:// URL.
func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	c, endpoint := infra.Start(ctx, testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js", "-sd", "/data"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	})
	url := "nats://" + endpoint
	os.Setenv("JETSTREAM_URL", url)
	return c, url
}
