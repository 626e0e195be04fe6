//go:build integration

package consul

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/synnove/eos/pkg/kv"
	"github.com/synnove/eos/pkg/kv/kvtest"
)

func startConsul(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "hashicorp/consul:1.19",
			ExposedPorts: []string{"8500/tcp"},
			Cmd:          []string{"agent", "-dev", "-client", "0.0.0.0"},
			WaitingFor: wait.ForHTTP("/v1/status/leader").
				WithPort("8500/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "8500")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestConformance(t *testing.T) {
	addr := startConsul(t)
	n := 0
	kvtest.Run(t, func(t *testing.T) kv.Client {
		n++
		c, err := Dial(context.Background(), []string{"127.0.0.1:1", addr}, Options{
			Prefix: fmt.Sprintf("test/%d", n),
		})
		require.NoError(t, err)
		return c
	})
}
