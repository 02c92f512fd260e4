package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpp-io/noosphere-agent/internal/chain"
)

func TestLoadResolvesByHashedID(t *testing.T) {
	reg, err := Load(map[string]ContainerSpec{
		"echo": {Image: "echo:latest", Port: 8080},
	})
	require.NoError(t, err)

	id, err := chain.ContainerIDHash("echo")
	require.NoError(t, err)

	spec, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, "echo", spec.Name)
	require.Equal(t, "echo:latest", spec.Image)
}

func TestGetUnknownIDNotFound(t *testing.T) {
	reg, err := Load(map[string]ContainerSpec{})
	require.NoError(t, err)

	_, ok := reg.Get([32]byte{1, 2, 3})
	require.False(t, ok)
}

func TestSupportsMatchesGet(t *testing.T) {
	reg, err := Load(map[string]ContainerSpec{
		"echo": {Image: "echo:latest", Port: 8080},
	})
	require.NoError(t, err)

	id, err := chain.ContainerIDHash("echo")
	require.NoError(t, err)
	require.True(t, reg.Supports(id))

	other, err := chain.ContainerIDHash("missing")
	require.NoError(t, err)
	require.False(t, reg.Supports(other))
}

func TestReloadFromReplacesContents(t *testing.T) {
	reg, err := Load(map[string]ContainerSpec{
		"echo": {Image: "echo:latest", Port: 8080},
	})
	require.NoError(t, err)

	require.NoError(t, reg.ReloadFrom(map[string]ContainerSpec{
		"sum": {Image: "sum:latest", Port: 9090},
	}))

	echoID, err := chain.ContainerIDHash("echo")
	require.NoError(t, err)
	_, ok := reg.Get(echoID)
	require.False(t, ok)

	sumID, err := chain.ContainerIDHash("sum")
	require.NoError(t, err)
	spec, ok := reg.Get(sumID)
	require.True(t, ok)
	require.Equal(t, "sum", spec.Name)
}

func TestReloadReappliesLastConfiguration(t *testing.T) {
	reg, err := Load(map[string]ContainerSpec{
		"echo": {Image: "echo:latest", Port: 8080},
	})
	require.NoError(t, err)

	require.NoError(t, reg.Reload(context.Background()))

	id, err := chain.ContainerIDHash("echo")
	require.NoError(t, err)
	spec, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, "echo", spec.Name)
}

func TestStatsReportsDeclaredAndCached(t *testing.T) {
	reg, err := Load(map[string]ContainerSpec{
		"echo": {Image: "echo:latest", Port: 8080},
		"sum":  {Image: "sum:latest", Port: 9090},
	})
	require.NoError(t, err)

	stats := reg.Stats()
	require.Equal(t, 2, stats.Declared)
	require.Equal(t, 2, stats.Cached)
}
