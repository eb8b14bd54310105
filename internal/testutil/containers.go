// Package testutil provides container-backed infrastructure for integration tests
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DockerEnv enables the container-backed tests when set to "true"
const DockerEnv = "CRYPTOWATCH_TEST_DOCKER"

var (
	postgresOnce sync.Once
	postgresDSN  string
	postgresErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// RequireDocker skips the test unless container tests are enabled
func RequireDocker(t *testing.T) {
	t.Helper()
	if os.Getenv(DockerEnv) != "true" {
		t.Skipf("Docker tests disabled (set %s=true to enable)", DockerEnv)
	}
}

// StartPostgres starts a shared Postgres container and returns its DSN.
// Uses sync.Once so only one container is created per test binary.
func StartPostgres(t *testing.T) string {
	t.Helper()
	RequireDocker(t)

	postgresOnce.Do(func() {
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "alertsuser",
				"POSTGRES_PASSWORD": "alertspassword",
				"POSTGRES_DB":       "alertsdb",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(60 * time.Second),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			postgresErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		host, port, err := endpoint(ctx, container, "5432/tcp")
		if err != nil {
			container.Terminate(ctx)
			postgresErr = err
			return
		}
		postgresDSN = fmt.Sprintf("postgres://alertsuser:alertspassword@%s:%s/alertsdb?sslmode=disable", host, port)
	})

	if postgresErr != nil {
		t.Fatalf("Postgres container failed: %v", postgresErr)
	}
	return postgresDSN
}

// StartRedis starts a shared Redis container and returns its address
func StartRedis(t *testing.T) string {
	t.Helper()
	RequireDocker(t)

	redisOnce.Do(func() {
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			).WithDeadline(30 * time.Second),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			redisErr = fmt.Errorf("start redis container: %w", err)
			return
		}

		host, port, err := endpoint(ctx, container, "6379/tcp")
		if err != nil {
			container.Terminate(ctx)
			redisErr = err
			return
		}
		redisAddr = host + ":" + port
	})

	if redisErr != nil {
		t.Fatalf("Redis container failed: %v", redisErr)
	}
	return redisAddr
}

func endpoint(ctx context.Context, c testcontainers.Container, port string) (string, string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", "", fmt.Errorf("get container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", "", fmt.Errorf("get container port: %w", err)
	}
	return host, mapped.Port(), nil
}
