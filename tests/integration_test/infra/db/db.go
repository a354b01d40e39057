package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ssuji15/ciwatch/internal/db"
	"github.com/ssuji15/ciwatch/tests/integration_test/infra"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupContainer starts postgres, exports POSTGRES_URL and returns a migrated pool.
func SetupContainer(ctx context.Context) (testcontainers.Container, *db.DB, string) {
	container, endpoint := infra.Start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:18",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ciwatch",
			"POSTGRES_PASSWORD": "ciwatch123",
			"POSTGRES_DB":       "ciwatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})

	POSTGRES_URL := fmt.Sprintf("postgres://ciwatch:ciwatch123@%s/ciwatch?sslmode=disable", endpoint)
	os.Setenv("POSTGRES_URL", POSTGRES_URL)

	d, err := db.New(ctx)
	if err != nil {
		panic(err)
	}
	if err := d.Migrate(ctx); err != nil {
		panic(err)
	}
	return container, d, POSTGRES_URL
}
