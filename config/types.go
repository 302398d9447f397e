package config

// RPC controls the JSON-RPC listener.
type RPC struct {
	// AuthTokenEnv names the environment variable holding the bearer token
	// required by mutating methods.
	AuthTokenEnv      string  `toml:"AuthTokenEnv"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
	TrustProxyHeaders bool    `toml:"TrustProxyHeaders"`
}

type Bidding struct {
	Paused bool `toml:"Paused"`
	// Approvers are bech32 accounts granted the approver role at genesis.
	// The list is applied once, when the ledger is empty; later edits are
	// reported at startup but do not change the role held in state.
	Approvers []string `toml:"Approvers"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint    string            `toml:"Endpoint"`
	Insecure    bool              `toml:"Insecure"`
	Traces      bool              `toml:"Traces"`
	Metrics     bool              `toml:"Metrics"`
	Headers     map[string]string `toml:"Headers"`
	SampleRatio float64           `toml:"SampleRatio"`
}

// Allocation seeds a genesis balance in wei.
type Allocation struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}
