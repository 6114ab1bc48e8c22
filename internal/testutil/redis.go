package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRedis holds a client connected to a throwaway Redis container.
type TestRedis struct {
	Client    *redis.Client
	URL       string
	container testcontainers.Container
}

// SetupTestRedis starts a Redis container. It skips the test under -short.
func SetupTestRedis(t *testing.T) *TestRedis {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get Redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get Redis port: %v", err)
	}

	url := fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	opts, err := redis.ParseURL(url)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to ping Redis: %v", err)
	}
	return &TestRedis{Client: client, URL: url, container: container}
}

// Flush empties the database between subtests.
func (tr *TestRedis) Flush(t *testing.T) {
	if err := tr.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("Failed to flush Redis: %v", err)
	}
}

func (tr *TestRedis) Teardown(t *testing.T) {
	if err := tr.Client.Close(); err != nil {
		t.Errorf("Failed to close Redis client: %v", err)
	}
	if err := tr.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
