// Package config holds the run configuration for the simulation core. It
// follows the same layering as the rest of the stack's services: built-in
// defaults, then an optional YAML run file, then environment variables (a
// .env file is honored when present), validated as a whole.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full run configuration consumed by the core.
type Config struct {
	Run        RunConfig        `yaml:"run" json:"run"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Transport  TransportConfig  `yaml:"transport" json:"transport"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
}

// RunConfig covers the simulation run itself.
type RunConfig struct {
	Verbose int `yaml:"verbose" json:"verbose" validate:"gte=0"`

	// StopAt ends the run at the given simulated time; empty runs to
	// completion.
	StopAt string `yaml:"stop_at" json:"stop_at"`

	// Timebase is the core clock period; every latency resolves to a
	// multiple of it.
	Timebase string `yaml:"timebase" json:"timebase" validate:"required"`

	Partitioner     string `yaml:"partitioner" json:"partitioner" validate:"required"`
	OutputPartition bool   `yaml:"output_partition" json:"output_partition"`

	HeartbeatSimPeriod  string `yaml:"heartbeat_sim_period" json:"heartbeat_sim_period"`
	HeartbeatWallPeriod int    `yaml:"heartbeat_wall_period" json:"heartbeat_wall_period" validate:"gte=0"`

	CheckpointSimPeriod  string `yaml:"checkpoint_sim_period" json:"checkpoint_sim_period"`
	CheckpointWallPeriod int    `yaml:"checkpoint_wall_period" json:"checkpoint_wall_period" validate:"gte=0"`

	InterthreadLinks bool   `yaml:"interthread_links" json:"interthread_links"`
	TimingInfo       bool   `yaml:"timing_info" json:"timing_info"`
	OutputPrefix     string `yaml:"output_prefix" json:"output_prefix"`

	NumRanks   uint32 `yaml:"num_ranks" json:"num_ranks" validate:"gte=1"`
	NumThreads uint32 `yaml:"num_threads" json:"num_threads" validate:"gte=1"`
	MyRank     uint32 `yaml:"my_rank" json:"my_rank"`

	// LibPath is the element-library search path; DLBindPolicy selects
	// immediate vs lazy symbol binding when libraries load.
	LibPath      string `yaml:"lib_path" json:"lib_path"`
	DLBindPolicy string `yaml:"dl_bind_policy" json:"dl_bind_policy" validate:"oneof=now lazy"`

	// ModelFile is the model description consumed at startup;
	// LoadCheckpoint restarts from a checkpoint manifest instead.
	ModelFile      string `yaml:"model_file" json:"model_file"`
	LoadCheckpoint string `yaml:"load_checkpoint" json:"load_checkpoint"`
}

// ServerConfig is the control-plane HTTP endpoint.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
}

// TransportConfig locates the inter-rank coordinator.
type TransportConfig struct {
	ListenAddr      string `yaml:"listen_addr" json:"listen_addr"`
	CoordinatorAddr string `yaml:"coordinator_addr" json:"coordinator_addr"`
}

// RedisConfig is the optional checkpoint archive endpoint.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db" validate:"gte=0"`
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CheckpointConfig controls where checkpoints land.
type CheckpointConfig struct {
	Directory string `yaml:"directory" json:"directory"`
	Prefix    string `yaml:"prefix" json:"prefix"`
}

// Load builds the configuration: defaults, optional YAML file (the path
// argument or PARSIM_CONFIG), then environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debugf("no .env file loaded: %v", err)
	}

	cfg := defaults()

	if path == "" {
		path = os.Getenv("PARSIM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Run: RunConfig{
			Timebase:     "1ps",
			Partitioner:  "single",
			NumRanks:     1,
			NumThreads:   1,
			DLBindPolicy: "lazy",
		},
		Server:    ServerConfig{Host: "0.0.0.0", Port: 11100},
		Transport: TransportConfig{ListenAddr: "0.0.0.0:11101", CoordinatorAddr: "localhost:11101"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379},
		Checkpoint: CheckpointConfig{
			Directory: "./checkpoints",
			Prefix:    "parsim",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Run.Verbose = getEnvAsInt("PARSIM_VERBOSE", cfg.Run.Verbose)
	cfg.Run.StopAt = getEnv("PARSIM_STOP_AT", cfg.Run.StopAt)
	cfg.Run.Timebase = getEnv("PARSIM_TIMEBASE", cfg.Run.Timebase)
	cfg.Run.Partitioner = getEnv("PARSIM_PARTITIONER", cfg.Run.Partitioner)
	cfg.Run.OutputPartition = getEnvAsBool("PARSIM_OUTPUT_PARTITION", cfg.Run.OutputPartition)
	cfg.Run.HeartbeatSimPeriod = getEnv("PARSIM_HEARTBEAT_SIM_PERIOD", cfg.Run.HeartbeatSimPeriod)
	cfg.Run.HeartbeatWallPeriod = getEnvAsInt("PARSIM_HEARTBEAT_WALL_PERIOD", cfg.Run.HeartbeatWallPeriod)
	cfg.Run.CheckpointSimPeriod = getEnv("PARSIM_CHECKPOINT_SIM_PERIOD", cfg.Run.CheckpointSimPeriod)
	cfg.Run.CheckpointWallPeriod = getEnvAsInt("PARSIM_CHECKPOINT_WALL_PERIOD", cfg.Run.CheckpointWallPeriod)
	cfg.Run.InterthreadLinks = getEnvAsBool("PARSIM_INTERTHREAD_LINKS", cfg.Run.InterthreadLinks)
	cfg.Run.TimingInfo = getEnvAsBool("PARSIM_TIMING_INFO", cfg.Run.TimingInfo)
	cfg.Run.OutputPrefix = getEnv("PARSIM_OUTPUT_PREFIX", cfg.Run.OutputPrefix)
	cfg.Run.NumRanks = uint32(getEnvAsInt("PARSIM_NUM_RANKS", int(cfg.Run.NumRanks)))
	cfg.Run.NumThreads = uint32(getEnvAsInt("PARSIM_NUM_THREADS", int(cfg.Run.NumThreads)))
	cfg.Run.MyRank = uint32(getEnvAsInt("PARSIM_RANK", int(cfg.Run.MyRank)))
	cfg.Run.LibPath = getEnv("PARSIM_LIB_PATH", cfg.Run.LibPath)
	cfg.Run.DLBindPolicy = getEnv("PARSIM_DL_BIND", cfg.Run.DLBindPolicy)
	cfg.Run.ModelFile = getEnv("PARSIM_MODEL_FILE", cfg.Run.ModelFile)
	cfg.Run.LoadCheckpoint = getEnv("PARSIM_LOAD_CHECKPOINT", cfg.Run.LoadCheckpoint)

	cfg.Server.Enabled = getEnvAsBool("PARSIM_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnv("PARSIM_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsInt("PARSIM_SERVER_PORT", cfg.Server.Port)

	cfg.Transport.ListenAddr = getEnv("PARSIM_TRANSPORT_LISTEN", cfg.Transport.ListenAddr)
	cfg.Transport.CoordinatorAddr = getEnv("PARSIM_TRANSPORT_COORDINATOR", cfg.Transport.CoordinatorAddr)

	cfg.Redis.Enabled = getEnvAsBool("PARSIM_REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvAsInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)

	cfg.Checkpoint.Directory = getEnv("PARSIM_CHECKPOINT_DIR", cfg.Checkpoint.Directory)
	cfg.Checkpoint.Prefix = getEnv("PARSIM_CHECKPOINT_PREFIX", cfg.Checkpoint.Prefix)
}

// Validate runs struct validation plus the cross-field checks.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if cfg.Run.MyRank >= cfg.Run.NumRanks {
		return fmt.Errorf("configuration validation failed: rank %d outside world of %d ranks",
			cfg.Run.MyRank, cfg.Run.NumRanks)
	}
	return nil
}

// MergeCheckpoint merges checkpoint-carried options into the restart-time
// configuration. StopAt, OutputPrefix, HeartbeatSimPeriod and LibPath keep
// the restart value when one was given and adopt the checkpointed value
// when it is empty. A non-empty checkpointed Timebase always replaces the
// restart value. No other field is merged.
func (c *Config) MergeCheckpoint(cpt *Config) {
	if c.Run.StopAt == "" {
		c.Run.StopAt = cpt.Run.StopAt
	}
	if c.Run.OutputPrefix == "" {
		c.Run.OutputPrefix = cpt.Run.OutputPrefix
	}
	if c.Run.HeartbeatSimPeriod == "" {
		c.Run.HeartbeatSimPeriod = cpt.Run.HeartbeatSimPeriod
	}
	if c.Run.LibPath == "" {
		c.Run.LibPath = cpt.Run.LibPath
	}
	// The timebase is baked into every resolved latency, so the
	// checkpointed value always wins.
	if cpt.Run.Timebase != "" {
		c.Run.Timebase = cpt.Run.Timebase
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logrus.Warnf("environment %s=%q is not an integer, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		logrus.Warnf("environment %s=%q is not a boolean, using %v", key, v, fallback)
	}
	return fallback
}
