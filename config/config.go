package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the node configuration
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Storage StorageConfig `mapstructure:"storage"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// NodeConfig identifies the local broker process
type NodeConfig struct {
	ID      uint64 `mapstructure:"id"`
	RPCAddr string `mapstructure:"rpc_addr"`
}

// StorageConfig selects the backend of the replicated registry
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// NodeAddr is a configured (id, address) pair. In flat form it is written
// as "id@host:port".
type NodeAddr struct {
	ID   uint64 `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

func (n NodeAddr) String() string { return fmt.Sprintf("%d@%s", n.ID, n.Addr) }

// ParseNodeAddr parses the "id@host:port" form.
func ParseNodeAddr(s string) (NodeAddr, error) {
	idPart, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || addr == "" {
		return NodeAddr{}, fmt.Errorf("node address %q: want id@host:port", s)
	}
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return NodeAddr{}, fmt.Errorf("node address %q: bad id: %w", s, err)
	}
	return NodeAddr{ID: id, Addr: addr}, nil
}

// ClusterConfig contains the raft clustering configuration
type ClusterConfig struct {
	MessageType          uint64        `mapstructure:"message_type"`
	// TryLockTimeout is read by the broker's message router, not by the
	// cluster node; it is carried here so one file configures both.
	TryLockTimeout       time.Duration `mapstructure:"try_lock_timeout"`
	TaskExecQueueWorkers int           `mapstructure:"task_exec_queue_workers"`
	TaskExecQueueMax     int           `mapstructure:"task_exec_queue_max"`

	NodeGRPCAddrs []NodeAddr `mapstructure:"node_grpc_addrs"`
	RaftPeerAddrs []NodeAddr `mapstructure:"raft_peer_addrs"`

	RPC        RPCConfig        `mapstructure:"rpc"`
	Resolve    ResolveConfig    `mapstructure:"resolve"`
	Startup    StartupConfig    `mapstructure:"startup"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Raft       RaftConfig       `mapstructure:"raft"`
}

// RPCConfig tunes node to node messaging
type RPCConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	Backoff          string        `mapstructure:"backoff"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
	MaxInflight      int64         `mapstructure:"max_inflight"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ResolveConfig bounds address resolution retries
type ResolveConfig struct {
	Attempts int           `mapstructure:"attempts"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// StartupConfig bounds the wait for the raft group to start
type StartupConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

// SupervisorConfig controls the fail-fast policy of the raft run loop
type SupervisorConfig struct {
	Name      string        `mapstructure:"name"`
	ExitDelay time.Duration `mapstructure:"exit_delay"`
	ExitCode  int           `mapstructure:"exit_code"`
}

// RaftConfig is passed through to the consensus engine
type RaftConfig struct {
	DataDir            string        `mapstructure:"data_dir"`
	ElectionTimeout    time.Duration `mapstructure:"election_timeout"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
	LeaderLeaseTimeout time.Duration `mapstructure:"leader_lease_timeout"`
	CommitTimeout      time.Duration `mapstructure:"commit_timeout"`
	SnapshotInterval   time.Duration `mapstructure:"snapshot_interval"`
	SnapshotThreshold  uint64        `mapstructure:"snapshot_threshold"`
	TrailingLogs       uint64        `mapstructure:"trailing_logs"`
	MaxPool            int           `mapstructure:"max_pool"`
	ApplyTimeout       time.Duration `mapstructure:"apply_timeout"`
	JoinAttempts       int           `mapstructure:"join_attempts"`
	JoinInterval       time.Duration `mapstructure:"join_interval"`
}

// New returns a viper instance carrying the defaults, ready for flag binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("rmqtt-cluster")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RMQTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	return Load(New(), configPath)
}

// Load reads the config file (if any) into v and decodes the result.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/rmqtt")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToNodeAddrHook,
	)
}

// stringToNodeAddrHook accepts "id@host:port" wherever a NodeAddr is expected.
func stringToNodeAddrHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(NodeAddr{}) {
		return data, nil
	}
	return ParseNodeAddr(data.(string))
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", 0)
	v.SetDefault("node.rpc_addr", "")

	v.SetDefault("storage.backend", "badger")
	v.SetDefault("storage.data_dir", "./data/registry")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("cluster.message_type", 198)
	v.SetDefault("cluster.try_lock_timeout", "10s")
	v.SetDefault("cluster.task_exec_queue_workers", 500)
	v.SetDefault("cluster.task_exec_queue_max", 100_000)
	v.SetDefault("cluster.node_grpc_addrs", []string{})
	v.SetDefault("cluster.raft_peer_addrs", []string{})

	v.SetDefault("cluster.rpc.max_retries", 3)
	v.SetDefault("cluster.rpc.retry_interval", "500ms")
	v.SetDefault("cluster.rpc.backoff", "constant")
	v.SetDefault("cluster.rpc.max_retry_interval", "5s")
	v.SetDefault("cluster.rpc.max_inflight", 128)
	v.SetDefault("cluster.rpc.timeout", "15s")

	v.SetDefault("cluster.resolve.attempts", 10)
	v.SetDefault("cluster.resolve.min_delay", "500ms")
	v.SetDefault("cluster.resolve.max_delay", "800ms")

	v.SetDefault("cluster.startup.attempts", 30)
	v.SetDefault("cluster.startup.interval", "500ms")

	v.SetDefault("cluster.supervisor.name", "cluster-raft")
	v.SetDefault("cluster.supervisor.exit_delay", "500ms")
	v.SetDefault("cluster.supervisor.exit_code", 1)

	v.SetDefault("cluster.raft.data_dir", "./data/raft")
	v.SetDefault("cluster.raft.election_timeout", "1s")
	v.SetDefault("cluster.raft.heartbeat_timeout", "1s")
	v.SetDefault("cluster.raft.leader_lease_timeout", "500ms")
	v.SetDefault("cluster.raft.commit_timeout", "50ms")
	v.SetDefault("cluster.raft.snapshot_interval", "120s")
	v.SetDefault("cluster.raft.snapshot_threshold", 8192)
	v.SetDefault("cluster.raft.trailing_logs", 10240)
	v.SetDefault("cluster.raft.max_pool", 3)
	v.SetDefault("cluster.raft.apply_timeout", "5s")
	v.SetDefault("cluster.raft.join_attempts", 5)
	v.SetDefault("cluster.raft.join_interval", "1s")
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Node.ID == 0 {
		return fmt.Errorf("node.id is required")
	}

	switch config.Storage.Backend {
	case "badger":
		config.Storage.DataDir = filepath.Clean(config.Storage.DataDir)
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be badger or memory, got %q", config.Storage.Backend)
	}

	c := &config.Cluster
	if len(c.RaftPeerAddrs) == 0 {
		return fmt.Errorf("cluster.raft_peer_addrs must not be empty")
	}
	if err := uniqueIDs("cluster.raft_peer_addrs", c.RaftPeerAddrs); err != nil {
		return err
	}
	if err := uniqueIDs("cluster.node_grpc_addrs", c.NodeGRPCAddrs); err != nil {
		return err
	}
	if config.Node.RPCAddr == "" {
		for _, n := range c.NodeGRPCAddrs {
			if n.ID == config.Node.ID {
				config.Node.RPCAddr = n.Addr
			}
		}
	}

	if c.TaskExecQueueWorkers < 1 {
		return fmt.Errorf("cluster.task_exec_queue_workers must be positive")
	}
	if c.TaskExecQueueMax < 1 {
		return fmt.Errorf("cluster.task_exec_queue_max must be positive")
	}
	if c.RPC.MaxRetries < 0 {
		return fmt.Errorf("cluster.rpc.max_retries must not be negative")
	}
	if c.RPC.MaxInflight < 1 {
		return fmt.Errorf("cluster.rpc.max_inflight must be positive")
	}
	switch c.RPC.Backoff {
	case "", "constant", "exponential", "exponential_jitter":
	default:
		return fmt.Errorf("cluster.rpc.backoff: unknown strategy %q", c.RPC.Backoff)
	}
	if c.Resolve.Attempts < 1 {
		return fmt.Errorf("cluster.resolve.attempts must be positive")
	}
	if c.Resolve.MaxDelay < c.Resolve.MinDelay {
		return fmt.Errorf("cluster.resolve.max_delay must not be below min_delay")
	}
	if c.Startup.Attempts < 1 {
		return fmt.Errorf("cluster.startup.attempts must be positive")
	}
	if c.Supervisor.ExitCode == 0 {
		return fmt.Errorf("cluster.supervisor.exit_code must be non-zero")
	}
	if c.Raft.DataDir != "" {
		c.Raft.DataDir = filepath.Clean(c.Raft.DataDir)
	}
	return nil
}

func uniqueIDs(key string, addrs []NodeAddr) error {
	seen := make(map[uint64]bool, len(addrs))
	for _, a := range addrs {
		if a.ID == 0 {
			return fmt.Errorf("%s: node id must be non-zero (%s)", key, a)
		}
		if a.Addr == "" {
			return fmt.Errorf("%s: node %d has no address", key, a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("%s: duplicate node id %d", key, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}
