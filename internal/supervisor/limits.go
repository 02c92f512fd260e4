package supervisor

import (
	"fmt"
	"strconv"
	"strings"
)

// parseMemoryLimit parses a "<n><unit>" memory string (e.g. "512m", "2g",
// "1024k", or a bare byte count) into bytes, the same shorthand Docker's
// own CLI accepts.
func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "b"):
		s = strings.TrimSuffix(s, "b")
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("supervisor: invalid memory limit %q: %w", s, err)
	}
	return int64(n * float64(mult)), nil
}

// cpuToNanoCPUs converts a fractional CPU count (e.g. 1.5 cores) into the
// NanoCPUs field Docker's HostConfig.Resources expects.
func cpuToNanoCPUs(cpu float64) int64 {
	if cpu <= 0 {
		return 0
	}
	return int64(cpu * 1e9)
}

// ContainerDefinition is the parsed form of one --container flag value:
// "name=image:port[,mem=512m][,cpu=1.5][,gpu][,persistent][,network=NAME]".
type ContainerDefinition struct {
	Name        string
	Image       string
	Port        int
	MemoryLimit string
	CPULimit    float64
	GPU         bool
	Persistent  bool
	Network     string
}

// ParseContainerDefinition parses one --container flag value.
func ParseContainerDefinition(s string) (ContainerDefinition, error) {
	var def ContainerDefinition

	nameRest := strings.SplitN(s, "=", 2)
	if len(nameRest) != 2 {
		return def, fmt.Errorf("supervisor: container definition %q missing '='", s)
	}
	def.Name = nameRest[0]

	parts := strings.Split(nameRest[1], ",")
	if len(parts) == 0 {
		return def, fmt.Errorf("supervisor: container definition %q missing image:port", s)
	}

	imagePort := strings.SplitN(parts[0], ":", 2)
	if len(imagePort) != 2 {
		return def, fmt.Errorf("supervisor: container definition %q missing :port", s)
	}
	def.Image = imagePort[0]
	port, err := strconv.Atoi(imagePort[1])
	if err != nil {
		return def, fmt.Errorf("supervisor: container definition %q has invalid port: %w", s, err)
	}
	def.Port = port

	for _, opt := range parts[1:] {
		opt = strings.TrimSpace(opt)
		switch {
		case opt == "gpu":
			def.GPU = true
		case opt == "persistent":
			def.Persistent = true
		case strings.HasPrefix(opt, "mem="):
			def.MemoryLimit = strings.TrimPrefix(opt, "mem=")
		case strings.HasPrefix(opt, "cpu="):
			cpu, err := strconv.ParseFloat(strings.TrimPrefix(opt, "cpu="), 64)
			if err != nil {
				return def, fmt.Errorf("supervisor: container definition %q has invalid cpu: %w", s, err)
			}
			def.CPULimit = cpu
		case strings.HasPrefix(opt, "network="):
			def.Network = strings.TrimPrefix(opt, "network=")
		case opt == "":
		default:
			return def, fmt.Errorf("supervisor: container definition %q has unknown option %q", s, opt)
		}
	}
	return def, nil
}
