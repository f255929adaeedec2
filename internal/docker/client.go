package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
)

// Client wraps the Docker Engine API for the build and run operations the
// launcher needs. Nothing else reaches the SDK directly.
type Client struct {
	inner *client.Client
}

// New connects to the daemon at host. An empty host falls back to the
// DOCKER_HOST convention honoured by the SDK.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if strings.TrimSpace(host) != "" {
		opts = append(opts, client.WithHost(strings.TrimSpace(host)))
	} else {
		opts = append(opts, client.FromEnv)
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialised")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker daemon reported no API version")
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
