// Command agent runs one compute-provider agent process: it wires the
// Event Pipeline, Interval Scheduler, Container Supervisor, and Request
// Handler together per the configuration flags in internal/config, then
// serves Prometheus metrics until an interrupt or terminate signal asks it
// to wind down (spec.md §5 "agent lifecycle").
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hpp-io/noosphere-agent/internal/agent"
	"github.com/hpp-io/noosphere-agent/internal/chain"
	"github.com/hpp-io/noosphere-agent/internal/checkpoint"
	"github.com/hpp-io/noosphere-agent/internal/config"
	"github.com/hpp-io/noosphere-agent/internal/handler"
	"github.com/hpp-io/noosphere-agent/internal/hooks"
	"github.com/hpp-io/noosphere-agent/internal/keystore"
	"github.com/hpp-io/noosphere-agent/internal/metrics"
	"github.com/hpp-io/noosphere-agent/internal/model"
	"github.com/hpp-io/noosphere-agent/internal/payload"
	"github.com/hpp-io/noosphere-agent/internal/pipeline"
	"github.com/hpp-io/noosphere-agent/internal/registry"
	"github.com/hpp-io/noosphere-agent/internal/scheduler"
	"github.com/hpp-io/noosphere-agent/internal/supervisor"
)

// sinkHolder breaks the construction cycle between the scheduler (which
// needs a sink to forward synthesized events to) and the handler (which
// needs the already-built scheduler to report commitments to): the
// scheduler is built against this holder, and the real handler is plugged
// in once it exists.
type sinkHolder struct {
	mu   sync.RWMutex
	sink scheduler.SynthesizedSink
}

func (h *sinkHolder) set(s scheduler.SynthesizedSink) {
	h.mu.Lock()
	h.sink = s
	h.mu.Unlock()
}

func (h *sinkHolder) Handle(ctx context.Context, evt model.RequestStartedEvent) {
	h.mu.RLock()
	s := h.sink
	h.mu.RUnlock()
	if s != nil {
		s.Handle(ctx, evt)
	}
}

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("agent exited with error")
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing configuration: %w", err)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	reg.MustRegister(prometheus.DefaultRegisterer)

	routerAddr, err := cfg.RouterAddress()
	if err != nil {
		return err
	}
	coordinatorAddr, err := cfg.CoordinatorAddress()
	if err != nil {
		return err
	}

	ethClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dialing RPC: %w", err)
	}
	defer ethClient.Close()

	routerABI, err := readABI(cfg.Chain.RouterABIPath)
	if err != nil {
		return fmt.Errorf("loading router ABI: %w", err)
	}
	coordinatorABI, err := readABI(cfg.Chain.CoordinatorABIPath)
	if err != nil {
		return fmt.Errorf("loading coordinator ABI: %w", err)
	}

	parsedCoordinatorABI, err := abi.JSON(strings.NewReader(coordinatorABI))
	if err != nil {
		return fmt.Errorf("parsing coordinator ABI: %w", err)
	}

	password := cfg.Keystore.Password
	if cfg.Keystore.PasswordFile != "" {
		data, err := os.ReadFile(cfg.Keystore.PasswordFile)
		if err != nil {
			return fmt.Errorf("reading keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(data))
	}

	ks, err := keystore.Load(cfg.Keystore.Path, password, big.NewInt(cfg.Chain.ChainID), keystore.Options{
		Default: parseOptionalAddress(cfg.Keystore.DefaultWallet),
	})
	if err != nil {
		return fmt.Errorf("loading keystore: %w", err)
	}

	router, err := chain.NewEthRouter(ethClient, routerAddr, routerABI)
	if err != nil {
		return fmt.Errorf("constructing router client: %w", err)
	}
	coordinator, err := chain.NewEthCoordinator(ethClient, coordinatorAddr, coordinatorABI, ks)
	if err != nil {
		return fmt.Errorf("constructing coordinator client: %w", err)
	}

	batchReaderAddr, err := router.GetSubscriptionBatchReader(ctx)
	if err != nil {
		return fmt.Errorf("resolving subscription batch reader address: %w", err)
	}
	batchReader, err := chain.NewEthBatchReader(ethClient, batchReaderAddr, routerABI)
	if err != nil {
		return fmt.Errorf("constructing batch reader: %w", err)
	}

	// The client contract ABI is assumed identical across deployments
	// (getComputeInputs is the one method exercised); its address is
	// supplied per-event via chain.WithClientAddress, not fixed here.
	clientContract, err := chain.NewEthClientContract(ethClient, coordinatorABI)
	if err != nil {
		return fmt.Errorf("constructing client contract collaborator: %w", err)
	}

	store, err := checkpoint.NewFileStore(cfg.State.StateDir)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}

	decoder, err := pipeline.NewDecoder(parsedCoordinatorABI)
	if err != nil {
		return fmt.Errorf("constructing event decoder: %w", err)
	}

	containerSpecs := map[string]registry.ContainerSpec{}
	supervisorSpecs := map[string]supervisor.Spec{}
	for _, raw := range cfg.Containers.Definitions {
		def, err := supervisor.ParseContainerDefinition(raw)
		if err != nil {
			return fmt.Errorf("parsing container definition %q: %w", raw, err)
		}
		containerSpecs[def.Name] = registry.ContainerSpec{
			Name: def.Name, Image: def.Image, Port: def.Port,
			MemoryLimit: def.MemoryLimit, CPULimit: def.CPULimit,
			GPU: def.GPU, Persistent: def.Persistent, Network: def.Network,
		}
		supervisorSpecs[def.Name] = supervisor.Spec{
			Name: def.Name, Image: def.Image, Port: def.Port,
			MemoryLimit: def.MemoryLimit, CPULimit: def.CPULimit,
			GPU: def.GPU, Persistent: def.Persistent, Network: def.Network,
		}
	}

	containerRegistry, err := registry.Load(containerSpecs)
	if err != nil {
		return fmt.Errorf("loading container registry: %w", err)
	}

	dockerAPI, err := supervisor.NewDockerAPI(cfg.Containers.DockerHost)
	if err != nil {
		return fmt.Errorf("constructing docker client: %w", err)
	}
	mode := supervisor.ModeLocal
	if cfg.Containers.Mode == "orchestrated" {
		mode = supervisor.ModeOrchestrated
	}
	sup := supervisor.New(dockerAPI, mode, log, reg)

	codec := payload.NewCodec(payload.NewMemStore(), cfg.Handler.InlineThreshold)

	sink := &sinkHolder{}

	sched, err := scheduler.NewBuilder().
		WithRouter(router).
		WithCoordinator(coordinator).
		WithCheckpointStore(store).
		WithBatchReader(batchReader).
		WithContainerSupport(containerRegistry).
		WithSink(sink).
		WithDecoder(decoder).
		WithLogger(log).
		WithMetrics(reg).
		WithConfig(scheduler.Config{
			SyncPeriod:       cfg.Scheduler.SyncPeriod,
			CronInterval:     cfg.Scheduler.CronInterval,
			MaxRetryAttempts: cfg.Scheduler.MaxRetryAttempts,
			StaleTxAge:       cfg.Scheduler.StaleTxAge,
			SyncBatchSize:    cfg.Scheduler.SyncBatchSize,
			AgentWallet:      ks.Address(),
		}).
		Build(ctx)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	h := handler.New(
		handler.ContainerResolverFunc(func(id [32]byte) (string, bool) {
			spec, ok := containerRegistry.Get(id)
			return spec.Name, ok
		}),
		sup,
		sched,
		ks,
		coordinator,
		clientContract,
		router,
		codec,
		hooks.NoopHooks{},
		log,
		reg,
		handler.Config{
			InvocationTimeout:        cfg.Handler.InvocationTimeout,
			ConnectRetries:           cfg.Handler.ConnectRetries,
			ConnectRetryDelay:        cfg.Handler.ConnectRetryDelay,
			InlineThreshold:          cfg.Handler.InlineThreshold,
			SingleRedundancyMaxDelay: time.Second,
			MultiRedundancyMaxDelay:  200 * time.Millisecond,
		},
		ks.Address(),
	)
	sink.set(h)

	p := pipeline.New(pipeline.Config{
		RPCURL:               cfg.Chain.RPCURL,
		WSRPCURL:             cfg.Chain.WSRPCURL,
		CoordinatorAddress:   coordinatorAddr,
		DeploymentBlock:      cfg.Chain.DeploymentBlock,
		ReplayChunkSize:      cfg.Connection.ReplayChunkSize,
		PollingInterval:      cfg.Connection.PollingInterval,
		WSConnectTimeout:     cfg.Connection.WSConnectTimeout,
		WSMaxConnectRetries:  cfg.Connection.WSMaxConnectRetries,
		WSConnectRetryDelay:  cfg.Connection.WSConnectRetryDelay,
		WSRecoveryInterval:   cfg.Connection.WSRecoveryInterval,
		CheckpointSaveBlocks: cfg.Connection.CheckpointSaveBlocks,
	}, store, decoder, h, hooks.NoopHooks{}, log, reg)

	healthLoop := handler.NewHealthLoop(sup, containerRegistry, cfg.Handler.HealthCheckInterval)

	a := agent.New(p, sched, sup, supervisorSpecs, log, agent.WithHealthLoop(healthLoop))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	log.Info("agent running")
	printBanner(ks.Address(), cfg.Metrics.ListenAddr)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), agent.StopGrace)
	defer cancel()
	a.Stop(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	return nil
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// printBanner writes a human-readable startup summary to stdout, separate
// from the structured JSON log stream, the way flowctl's console commands
// highlight the pieces of output an operator scans for first.
func printBanner(wallet common.Address, metricsAddr string) {
	fmt.Printf("%s agent wallet %s\n", green("started"), wallet.Hex())
	fmt.Printf("%s metrics on %s\n", yellow("listening"), metricsAddr)
}

func readABI(path string) (string, error) {
	if path == "" {
		return "[]", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseOptionalAddress(s string) common.Address {
	if s == "" || !common.IsHexAddress(s) {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
