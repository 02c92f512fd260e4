// Package config declares the agent's CLI/INI configuration surface using
// jessevdk/go-flags, the option parser the teacher repo's own flowctl
// command uses. Options are grouped per component the same way flowctl
// groups its subcommand flags, rather than as one flat struct.
package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	flags "github.com/jessevdk/go-flags"
)

// ChainConfig configures on-chain access (spec.md §6).
type ChainConfig struct {
	RPCURL              string `long:"rpc-url" env:"RPC_URL" description:"HTTP JSON-RPC endpoint" required:"true"`
	WSRPCURL            string `long:"ws-rpc-url" env:"WS_RPC_URL" description:"WebSocket JSON-RPC endpoint, optional"`
	ChainID             int64  `long:"chain-id" env:"CHAIN_ID" description:"EVM chain id" required:"true"`
	RouterAddress       string `long:"router-address" env:"ROUTER_ADDRESS" description:"Router contract address" required:"true"`
	CoordinatorAddress  string `long:"coordinator-address" env:"COORDINATOR_ADDRESS" description:"Coordinator contract address" required:"true"`
	CoordinatorABIPath  string `long:"coordinator-abi" env:"COORDINATOR_ABI" description:"Path to the coordinator contract ABI JSON"`
	RouterABIPath       string `long:"router-abi" env:"ROUTER_ABI" description:"Path to the router contract ABI JSON"`
	DeploymentBlock     uint64 `long:"deployment-block" env:"DEPLOYMENT_BLOCK" description:"Block the coordinator was deployed at"`
}

// ConnectionConfig configures the Event Pipeline's state machine tunables.
type ConnectionConfig struct {
	ReplayChunkSize      uint64        `long:"replay-chunk-size" default:"10000" description:"Blocks per historical replay batch"`
	PollingInterval      time.Duration `long:"polling-interval" default:"12s" description:"HTTP fallback poll interval"`
	WSConnectTimeout     time.Duration `long:"ws-connect-timeout" default:"10s" description:"Per-attempt WS dial timeout"`
	WSMaxConnectRetries  int           `long:"ws-max-connect-retries" default:"3" description:"WS connect attempts before falling back to HTTP"`
	WSConnectRetryDelay  time.Duration `long:"ws-connect-retry-delay" default:"2s" description:"Delay between WS connect attempts"`
	WSRecoveryInterval   time.Duration `long:"ws-recovery-interval" default:"60s" description:"Interval between WS reconnect attempts while in HTTP fallback"`
	CheckpointSaveBlocks uint64        `long:"checkpoint-save-blocks" default:"10" description:"Blocks between checkpoint saves during live tailing"`
}

// SchedulerConfig configures the Interval Scheduler's timers and budgets.
type SchedulerConfig struct {
	SyncPeriod       time.Duration `long:"sync-period" default:"3s" description:"Sync timer period"`
	CronInterval     time.Duration `long:"cron-interval" default:"60s" description:"Cron timer period"`
	MaxRetryAttempts int           `long:"max-retry-attempts" default:"3" description:"Prepare-tx retries before giving up on an interval"`
	StaleTxAge       time.Duration `long:"stale-tx-age" default:"5m" description:"Age after which a pending tx is considered abandoned"`
	SyncBatchSize    uint64        `long:"sync-batch-size" default:"100" description:"Subscriptions fetched per batch-reader call"`
}

// HandlerConfig configures the Request Handler.
type HandlerConfig struct {
	InvocationTimeout   time.Duration `long:"invocation-timeout" default:"180s" description:"Container invocation timeout"`
	ConnectRetries      int           `long:"connect-retries" default:"5" description:"Container connect-refused retries"`
	ConnectRetryDelay   time.Duration `long:"connect-retry-delay" default:"3s" description:"Delay between container connect retries"`
	RetryLoopInterval   time.Duration `long:"retry-loop-interval" default:"30s" description:"Interval of the optional handler-level retry sweep"`
	HealthCheckInterval time.Duration `long:"health-check-interval" default:"5m" description:"Interval of the supervisor health-check loop"`
	InlineThreshold     int           `long:"inline-threshold" default:"1024" description:"Payload byte size at or under which content is inlined rather than uploaded"`
}

// ContainerDefinitionConfig is one --container entry's decoded form
// (name=image:port[,mem=512m][,cpu=1.5][,gpu][,persistent][,network=NAME]).
type ContainerDefinitionConfig struct {
	Name        string
	Image       string
	Port        int
	MemoryLimit string
	CPULimit    float64
	GPU         bool
	Persistent  bool
	Network     string
}

// ContainersConfig configures the Container Supervisor.
type ContainersConfig struct {
	DockerHost  string   `long:"docker-host" env:"DOCKER_HOST" description:"Docker daemon endpoint, empty for the local default"`
	Definitions []string `long:"container" description:"Repeatable container definition: name=image:port[,mem=512m][,cpu=1.5][,gpu][,persistent][,network=NAME]"`
	Mode        string   `long:"container-mode" default:"local" choice:"local" choice:"orchestrated" description:"local binds host ports; orchestrated joins a shared network"`
}

// KeystoreConfig configures wallet key loading.
type KeystoreConfig struct {
	Path              string `long:"keystore-path" env:"KEYSTORE_PATH" required:"true" description:"Path to a go-ethereum V3 keystore file"`
	Password          string `long:"keystore-password" env:"KEYSTORE_PASSWORD" description:"Keystore decryption password"`
	PasswordFile      string `long:"keystore-password-file" description:"Path to a file containing the keystore password"`
	DefaultWallet     string `long:"payment-wallet" env:"PAYMENT_WALLET" description:"Default payment wallet address"`
}

// StateConfig configures the checkpoint store.
type StateConfig struct {
	StateDir string `long:"state-dir" default:"./state" description:"Directory for checkpoint.json and committed.log"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	ListenAddr string `long:"metrics-listen-addr" default:":9090" description:"Prometheus /metrics listen address"`
}

// Config is the top-level option set parsed by cmd/agent.
type Config struct {
	Chain      ChainConfig               `group:"Chain"`
	Connection ConnectionConfig          `group:"Connection"`
	Scheduler  SchedulerConfig           `group:"Scheduler"`
	Handler    HandlerConfig             `group:"Handler"`
	Containers ContainersConfig          `group:"Containers"`
	Keystore   KeystoreConfig            `group:"Keystore"`
	State      StateConfig               `group:"State"`
	Metrics    MetricsConfig             `group:"Metrics"`
	LogLevel   string                    `long:"log-level" default:"info" description:"logrus level: debug, info, warn, error"`
}

// Parse parses argv into a Config using go-flags, the same parser the
// teacher's flowctl entrypoint uses for its own subcommands.
func Parse(argv []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RouterAddress parses the configured router address.
func (c *Config) RouterAddress() (common.Address, error) {
	return parseAddress(c.Chain.RouterAddress)
}

// CoordinatorAddress parses the configured coordinator address.
func (c *Config) CoordinatorAddress() (common.Address, error) {
	return parseAddress(c.Chain.CoordinatorAddress)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("config: %q is not a valid address", s)
	}
	return common.HexToAddress(s), nil
}
