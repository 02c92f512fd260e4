// Package supervisor implements the Container Supervisor (spec.md §4.6):
// it prepares the locally configured container pool, invokes a container's
// HTTP computation endpoint for a given request, and tears transient
// containers down afterward. Docker access goes through moby/moby/client's
// typed API (grounded on the pack's Docker-Sentinel agent), a deliberate
// departure from the teacher's own exec.Command("docker", ...) shell-out —
// see DESIGN.md.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/sirupsen/logrus"

	"github.com/hpp-io/noosphere-agent/internal/metrics"
)

var (
	// ErrTimeout distinguishes an invocation timeout from other failure
	// classes (spec.md §7 "execution failure").
	ErrTimeout = errors.New("supervisor: container invocation timed out")
	// ErrConnectionRefused is raised after connectRetries are exhausted.
	ErrConnectionRefused = errors.New("supervisor: container connection refused")
)

// Spec is the locally configured definition of one supported container.
type Spec struct {
	Name        string
	Image       string
	Port        int
	MemoryLimit string
	CPULimit    float64
	GPU         bool
	Persistent  bool
	Network     string
}

// Mode selects how the supervisor reaches a container's HTTP endpoint.
type Mode string

const (
	ModeLocal        Mode = "local" // bind host ports, dial 127.0.0.1:<host-port>
	ModeOrchestrated Mode = "orchestrated" // join a shared network, dial <container-name>:<port>
)

type running struct {
	containerID string
	hostPort    int
}

// Supervisor manages the container pool and invocation transport.
type Supervisor struct {
	docker DockerAPI
	mode   Mode
	log    logrus.FieldLogger
	metric *metrics.Registry
	client *http.Client

	mu      sync.Mutex
	specs   map[string]Spec
	runs    map[string]running // persistent containers, by name
	ephemeral map[string]struct{} // transient container ids currently outstanding
}

// New constructs a Supervisor. mode controls how Run reaches a container.
func New(docker DockerAPI, mode Mode, log logrus.FieldLogger, m *metrics.Registry) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		docker:    docker,
		mode:      mode,
		log:       log.WithField("component", "supervisor"),
		metric:    m,
		client:    &http.Client{},
		specs:     make(map[string]Spec),
		runs:      make(map[string]running),
		ephemeral: make(map[string]struct{}),
	}
}

// CheckDockerAvailable verifies the daemon is reachable.
func (s *Supervisor) CheckDockerAvailable(ctx context.Context) error {
	_, err := s.docker.ListContainers(ctx, "")
	if err != nil {
		return fmt.Errorf("supervisor: docker daemon unreachable: %w", err)
	}
	return nil
}

// Prepare ensures every persistent container in defs is running, pulling
// its image if absent. A container found in a non-running state is started
// again; it is removed and recreated only if that start or the inspect
// fails (spec.md §4.6 "Prepare").
func (s *Supervisor) Prepare(ctx context.Context, defs map[string]Spec) error {
	s.mu.Lock()
	s.specs = defs
	s.mu.Unlock()

	for name, spec := range defs {
		if !spec.Persistent {
			continue
		}
		if err := s.ensurePersistent(ctx, name, spec); err != nil {
			return fmt.Errorf("supervisor: preparing %q: %w", name, err)
		}
	}
	if s.metric != nil {
		s.metric.SupervisorContainersRunning.Set(float64(s.countRunning()))
	}
	return nil
}

func (s *Supervisor) countRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// RunningCount implements handler.ContainerCounter.
func (s *Supervisor) RunningCount() int {
	return s.countRunning()
}

func (s *Supervisor) ensurePersistent(ctx context.Context, name string, spec Spec) error {
	if err := s.ensureImage(ctx, spec.Image); err != nil {
		return err
	}

	existing, err := s.docker.ListContainers(ctx, name)
	if err != nil {
		return err
	}

	if len(existing) > 0 {
		c := existing[0]
		inspect, err := s.docker.InspectContainer(ctx, c.ID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			s.registerRunning(name, c.ID, spec)
			return nil
		}
		if err == nil {
			if startErr := s.docker.StartContainer(ctx, c.ID); startErr == nil {
				s.registerRunning(name, c.ID, spec)
				return nil
			}
		}
		// Unhealthy or failed to start: remove and fall through to recreate.
		_ = s.docker.RemoveContainer(ctx, c.ID, true)
	}

	id, err := s.createContainer(ctx, name, spec)
	if err != nil {
		return err
	}
	if err := s.docker.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("starting recreated container: %w", err)
	}
	s.registerRunning(name, id, spec)
	return nil
}

func (s *Supervisor) registerRunning(name, id string, spec Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[name] = running{containerID: id, hostPort: spec.Port}
}

func (s *Supervisor) ensureImage(ctx context.Context, image string) error {
	ok, err := s.docker.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.docker.PullImage(ctx, image)
}

func (s *Supervisor) createContainer(ctx context.Context, name string, spec Spec) (string, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
	if err != nil {
		return "", fmt.Errorf("supervisor: invalid port %d: %w", spec.Port, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: nat.PortSet{containerPort: {}},
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	if mem, err := parseMemoryLimit(spec.MemoryLimit); err == nil && mem > 0 {
		hostCfg.Resources.Memory = mem
	}
	if nano := cpuToNanoCPUs(spec.CPULimit); nano > 0 {
		hostCfg.Resources.NanoCPUs = nano
	}
	if spec.GPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{
			{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	var netCfg *network.NetworkingConfig
	switch s.mode {
	case ModeOrchestrated:
		netName := spec.Network
		if netName != "" {
			netCfg = &network.NetworkingConfig{
				EndpointsConfig: map[string]*network.EndpointSettings{
					netName: {Aliases: []string{name}},
				},
			}
		}
	default: // ModeLocal: bind host port spec.Port on 127.0.0.1 to the container's port
		hostCfg.PortBindings = nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
		}
	}

	return s.docker.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
}

// Run invokes a container's computation endpoint with input, retrying on
// connection-refused up to connectRetries times with retryDelay between
// attempts, and failing fast on any HTTP-level error response
// (spec.md §4.6 "Run").
func (s *Supervisor) Run(ctx context.Context, containerName string, input json.RawMessage, timeout time.Duration, connectRetries int, retryDelay time.Duration) (output, proof json.RawMessage, err error) {
	spec, host, port, err := s.resolveTarget(ctx, containerName)
	if err != nil {
		return nil, nil, err
	}

	url := fmt.Sprintf("http://%s:%d/computation", host, port)
	body, err := s.buildRequestBody(input)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: encoding request body: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.postWithRetry(runCtx, url, body, connectRetries, retryDelay)
	if s.metric != nil {
		s.metric.SupervisorInvokeLatency.WithLabelValues(containerName).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		s.recordInvokeError(containerName, err)
		if !spec.Persistent {
			s.cleanupOne(context.Background(), containerName)
		}
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.recordInvokeError(containerName, err)
		return nil, nil, fmt.Errorf("supervisor: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := fmt.Errorf("supervisor: container %q returned HTTP %d: %s", containerName, resp.StatusCode, string(respBody))
		s.recordInvokeError(containerName, httpErr)
		return nil, nil, httpErr
	}

	outputResult, proofResult := interpretResponse(respBody)

	if !spec.Persistent {
		s.cleanupOne(context.Background(), containerName)
	}
	return outputResult, proofResult, nil
}

// buildRequestBody wraps input in {"input": input}, spreading input's own
// fields alongside it when input parses as a JSON object (spec.md §4.6
// "Invocation": "if input is itself a JSON object, its fields are merged
// into the request body next to input").
func (s *Supervisor) buildRequestBody(input json.RawMessage) ([]byte, error) {
	body := map[string]json.RawMessage{"input": input}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err == nil {
		for k, v := range fields {
			if k == "input" {
				continue
			}
			body[k] = v
		}
	}
	return json.Marshal(body)
}

// interpretResponse implements the three response shapes spec.md §4.6
// "Run" recognizes: a bare JSON string is the output verbatim; a JSON
// object with an "output" field yields that field (and an optional
// "proof" field); anything else is treated as output by stringifying the
// whole response body.
func interpretResponse(respBody []byte) (output, proof json.RawMessage) {
	var asString string
	if err := json.Unmarshal(respBody, &asString); err == nil {
		return json.RawMessage(asString), nil
	}

	var decoded struct {
		Output json.RawMessage `json:"output"`
		Proof  json.RawMessage `json:"proof"`
	}
	if err := json.Unmarshal(respBody, &decoded); err == nil && decoded.Output != nil {
		return decoded.Output, decoded.Proof
	}

	return json.RawMessage(respBody), nil
}

func (s *Supervisor) recordInvokeError(containerName string, err error) {
	if s.metric == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, ErrTimeout):
		kind = "timeout"
	case errors.Is(err, ErrConnectionRefused):
		kind = "connection_refused"
	}
	s.metric.SupervisorInvokeErrors.WithLabelValues(containerName, kind).Inc()
}

func (s *Supervisor) resolveTarget(ctx context.Context, name string) (Spec, string, int, error) {
	s.mu.Lock()
	spec, ok := s.specs[name]
	r, running := s.runs[name]
	s.mu.Unlock()
	if !ok {
		return Spec{}, "", 0, fmt.Errorf("supervisor: container %q is not configured", name)
	}

	if spec.Persistent {
		if !running {
			return spec, "", 0, fmt.Errorf("supervisor: persistent container %q is not running", name)
		}
		if s.mode == ModeOrchestrated {
			return spec, name, spec.Port, nil
		}
		return spec, "127.0.0.1", r.hostPort, nil
	}

	id, err := s.createContainer(ctx, name, spec)
	if err != nil {
		return spec, "", 0, fmt.Errorf("creating transient container: %w", err)
	}
	if err := s.docker.StartContainer(ctx, id); err != nil {
		return spec, "", 0, fmt.Errorf("starting transient container: %w", err)
	}
	s.mu.Lock()
	s.ephemeral[name] = struct{}{}
	s.runs[name] = running{containerID: id, hostPort: spec.Port}
	s.mu.Unlock()

	if s.mode == ModeOrchestrated {
		return spec, name, spec.Port, nil
	}
	return spec, "127.0.0.1", spec.Port, nil
}

func (s *Supervisor) postWithRetry(ctx context.Context, url string, body []byte, connectRetries int, retryDelay time.Duration) (*http.Response, error) {
	var lastErr error
	attempts := connectRetries + 1
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		var netErr *net.OpError
		if !errors.As(err, &netErr) {
			return nil, err // not a connection-refused class error, don't retry
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(retryDelay):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionRefused, lastErr)
}

// Cleanup stops and force-removes every outstanding transient container.
// Idempotent: containers already gone are skipped without error.
func (s *Supervisor) Cleanup(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.ephemeral))
	for name := range s.ephemeral {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.cleanupOne(ctx, name)
	}
}

func (s *Supervisor) cleanupOne(ctx context.Context, name string) {
	s.mu.Lock()
	r, ok := s.runs[name]
	delete(s.runs, name)
	delete(s.ephemeral, name)
	s.mu.Unlock()
	if !ok {
		return
	}

	timeout := 10
	if err := s.docker.StopContainer(ctx, r.containerID, timeout); err != nil {
		s.log.WithError(err).WithField("container", name).Warn("stop failed, forcing removal")
	}
	if err := s.docker.RemoveContainer(ctx, r.containerID, true); err != nil {
		s.log.WithError(err).WithField("container", name).Warn("remove failed")
	}
}

// StopPersistent stops every persistent container. Idempotent.
func (s *Supervisor) StopPersistent(ctx context.Context) {
	s.mu.Lock()
	var persistent []string
	for name, spec := range s.specs {
		if spec.Persistent {
			persistent = append(persistent, name)
		}
	}
	s.mu.Unlock()

	for _, name := range persistent {
		s.mu.Lock()
		r, ok := s.runs[name]
		delete(s.runs, name)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.docker.StopContainer(ctx, r.containerID, 10); err != nil {
			s.log.WithError(err).WithField("container", name).Warn("stop_persistent failed")
		}
	}
	if s.metric != nil {
		s.metric.SupervisorContainersRunning.Set(float64(s.countRunning()))
	}
}
