package minio

import (
	"context"
	"os"
	"time"

	"github.com/ssuji15/ciwatch/tests/integration_test/infra"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	rootUser     = "ciwatch"
	rootPassword = "ciwatch-secret"
)

// SetupContainer starts minio and returns its host:port. Call SetMinioEnv to
// point the config getters at it.
func SetupContainer(ctx context.Context) (testcontainers.Container, string) {
	return infra.Start(ctx, testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     rootUser,
			"MINIO_ROOT_PASSWORD": rootPassword,
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").
			WithPort("9000").
			WithStartupTimeout(30 * time.Second),
	})
}

// SetMinioEnv exports the MINIO_* variables for a dataset bucket on endpoint.
// The bucket itself is created by the client on first use.
func SetMinioEnv(endpoint string) {
	os.Setenv("MINIO_ENDPOINT", endpoint)
	os.Setenv("MINIO_ACCESS_KEY", rootUser)
	os.Setenv("MINIO_SECRET_KEY", rootPassword)
	os.Setenv("MINIO_USE_SSL", "false")
	os.Setenv("MINIO_DATASET_BUCKET", "ci-datasets")
	os.Setenv("MINIO_DATASET_OBJECT", "ci_jobs.json")
}
