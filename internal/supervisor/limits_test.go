package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMemoryLimit(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"512m", 512 << 20},
		{"2g", 2 << 30},
		{"1024k", 1024 << 10},
		{"100b", 100},
		{"100", 100},
	}
	for _, c := range cases {
		got, err := parseMemoryLimit(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
}

func TestParseMemoryLimitInvalid(t *testing.T) {
	_, err := parseMemoryLimit("not-a-number")
	require.Error(t, err)
}

func TestCPUToNanoCPUs(t *testing.T) {
	require.Equal(t, int64(1_500_000_000), cpuToNanoCPUs(1.5))
	require.Equal(t, int64(0), cpuToNanoCPUs(0))
	require.Equal(t, int64(0), cpuToNanoCPUs(-1))
}

func TestParseContainerDefinitionFull(t *testing.T) {
	def, err := ParseContainerDefinition("echo=alpine/echo:8080,mem=512m,cpu=1.5,gpu,persistent,network=agentnet")
	require.NoError(t, err)
	require.Equal(t, "echo", def.Name)
	require.Equal(t, "alpine/echo", def.Image)
	require.Equal(t, 8080, def.Port)
	require.Equal(t, "512m", def.MemoryLimit)
	require.Equal(t, 1.5, def.CPULimit)
	require.True(t, def.GPU)
	require.True(t, def.Persistent)
	require.Equal(t, "agentnet", def.Network)
}

func TestParseContainerDefinitionMinimal(t *testing.T) {
	def, err := ParseContainerDefinition("echo=alpine/echo:8080")
	require.NoError(t, err)
	require.Equal(t, "echo", def.Name)
	require.False(t, def.GPU)
	require.False(t, def.Persistent)
}

func TestParseContainerDefinitionErrors(t *testing.T) {
	_, err := ParseContainerDefinition("missing-equals")
	require.Error(t, err)

	_, err = ParseContainerDefinition("echo=alpine/echo")
	require.Error(t, err)

	_, err = ParseContainerDefinition("echo=alpine/echo:notaport")
	require.Error(t, err)

	_, err = ParseContainerDefinition("echo=alpine/echo:8080,bogus")
	require.Error(t, err)
}
