package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerConfig holds image versions for the integration containers.
type ContainerConfig struct {
	MongoDBVersion  string
	RedisVersion    string
	RabbitMQVersion string
}

func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		MongoDBVersion:  "6.0",
		RedisVersion:    "7.0",
		RabbitMQVersion: "3.12-management",
	}
}

// SkipWithoutDocker skips integration tests under -short or when no
// container runtime is reachable.
func SkipWithoutDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

type endpoint struct {
	container testcontainers.Container
	host      string
	port      string
}

func start(ctx context.Context, name string, req testcontainers.ContainerRequest, port string) (*endpoint, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", name, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s container host: %w", name, err)
	}

	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get %s container port: %w", name, err)
	}

	return &endpoint{container: container, host: host, port: mapped.Port()}, nil
}

func (e *endpoint) Close(ctx context.Context) error {
	if e.container != nil {
		return e.container.Terminate(ctx)
	}
	return nil
}

type MongoDBContainer struct {
	*endpoint
	URI          string
	DatabaseName string
}

func StartMongoContainer(ctx context.Context) (*MongoDBContainer, error) {
	cfg := DefaultContainerConfig()
	ep, err := start(ctx, "MongoDB", testcontainers.ContainerRequest{
		Image:        "mongo:" + cfg.MongoDBVersion,
		ExposedPorts: []string{"27017/tcp"},
		Env: map[string]string{
			"MONGO_INITDB_ROOT_USERNAME": "test",
			"MONGO_INITDB_ROOT_PASSWORD": "test",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Waiting for connections"),
			wait.ForListeningPort("27017/tcp"),
		).WithDeadline(60 * time.Second),
	}, "27017")
	if err != nil {
		return nil, err
	}

	return &MongoDBContainer{
		endpoint:     ep,
		URI:          fmt.Sprintf("mongodb://test:test@%s:%s/?authSource=admin", ep.host, ep.port),
		DatabaseName: "registrar_test",
	}, nil
}

type RedisContainer struct {
	*endpoint
	Host string
	Port int
}

func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	cfg := DefaultContainerConfig()
	ep, err := start(ctx, "Redis", testcontainers.ContainerRequest{
		Image:        "redis:" + cfg.RedisVersion,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort("6379/tcp"),
		).WithDeadline(30 * time.Second),
	}, "6379")
	if err != nil {
		return nil, err
	}

	var port int
	fmt.Sscanf(ep.port, "%d", &port)

	return &RedisContainer{endpoint: ep, Host: ep.host, Port: port}, nil
}

type RabbitMQContainer struct {
	*endpoint
	URI string
}

func StartRabbitMQContainer(ctx context.Context) (*RabbitMQContainer, error) {
	cfg := DefaultContainerConfig()
	ep, err := start(ctx, "RabbitMQ", testcontainers.ContainerRequest{
		Image:        "rabbitmq:" + cfg.RabbitMQVersion,
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "test",
			"RABBITMQ_DEFAULT_PASS": "test",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server startup complete"),
			wait.ForListeningPort("5672/tcp"),
		).WithDeadline(90 * time.Second),
	}, "5672")
	if err != nil {
		return nil, err
	}

	return &RabbitMQContainer{
		endpoint: ep,
		URI:      fmt.Sprintf("amqp://test:test@%s:%s/", ep.host, ep.port),
	}, nil
}
