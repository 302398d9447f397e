package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultRPCAddress        = ":8080"
	DefaultDataDir           = "./nns-data"
	DefaultNetworkName       = "nns-local"
	DefaultEnv               = "dev"
	DefaultAuthTokenEnv      = "NNS_RPC_TOKEN"
	DefaultRequestsPerMinute = 600
	DefaultBurst             = 60
	DefaultLogMaxSizeMB      = 100
	DefaultLogMaxBackups     = 5
	DefaultSampleRatio       = 1.0
)

type Config struct {
	RPCAddress    string `toml:"RPCAddress"`
	DataDir       string `toml:"DataDir"`
	GenesisFile   string `toml:"GenesisFile"`
	NetworkName   string `toml:"NetworkName"`
	Env           string `toml:"Env"`
	LogLevel      string `toml:"LogLevel"`
	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	RPC         RPC          `toml:"RPC"`
	Bidding     Bidding      `toml:"Bidding"`
	Telemetry   Telemetry    `toml:"Telemetry"`
	Allocations []Allocation `toml:"Allocations"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}

	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	c.RPCAddress = strings.TrimSpace(c.RPCAddress)
	if c.RPCAddress == "" {
		c.RPCAddress = DefaultRPCAddress
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.GenesisFile = strings.TrimSpace(c.GenesisFile)
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = DefaultNetworkName
	}
	if strings.TrimSpace(c.Env) == "" {
		c.Env = DefaultEnv
	}
	if c.LogMaxSizeMB <= 0 {
		c.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.LogMaxBackups <= 0 {
		c.LogMaxBackups = DefaultLogMaxBackups
	}
	if strings.TrimSpace(c.RPC.AuthTokenEnv) == "" {
		c.RPC.AuthTokenEnv = DefaultAuthTokenEnv
	}
	if c.RPC.RequestsPerMinute == 0 {
		c.RPC.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.RPC.Burst == 0 {
		c.RPC.Burst = DefaultBurst
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = DefaultSampleRatio
	}
	if c.Bidding.Approvers == nil {
		c.Bidding.Approvers = []string{}
	}
	if c.Telemetry.Headers == nil {
		c.Telemetry.Headers = map[string]string{}
	}
}

// StateDir is the LevelDB directory holding the state trie.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// JournalDir is the LevelDB directory holding the settlement journal.
func (c *Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

// AuthToken resolves the RPC bearer token from the configured environment
// variable.
func (c *Config) AuthToken() string {
	return strings.TrimSpace(os.Getenv(c.RPC.AuthTokenEnv))
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
