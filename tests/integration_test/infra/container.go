// Package infra starts the backing services used by integration tests.
package infra

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// Start runs req and returns the container with host:port of its first exposed port.
// Failures panic since they happen in TestMain.
func Start(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string) {
	if len(req.ExposedPorts) == 0 {
		panic("infra: container request exposes no port")
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(fmt.Sprintf("infra: start %s: %v", req.Image, err))
	}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		panic(fmt.Sprintf("infra: endpoint of %s: %v", req.Image, err))
	}
	return c, endpoint
}
