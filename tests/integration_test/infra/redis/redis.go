package redis

import (
	"context"
	"os"
	"time"

	"github.com/ssuji15/ciwatch/tests/integration_test/infra"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupContainer starts redis, exports REDIS_ENDPOINT and returns host:port.
func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	c, endpoint := infra.Start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})
	os.Setenv("REDIS_ENDPOINT", endpoint)
	return c, endpoint
}
