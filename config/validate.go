package config

import (
	"fmt"
	"strings"

	"nnschain/core/genesis"
	"nnschain/crypto"
	"nnschain/native/bidding"
)

var validLogLevels = map[string]struct{}{
	"":      {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// ValidateConfig rejects values the node cannot run with.
func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config must not be nil")
	}
	if _, ok := validLogLevels[strings.ToLower(strings.TrimSpace(c.LogLevel))]; !ok {
		return fmt.Errorf("log: unsupported level %q", c.LogLevel)
	}
	if c.RPC.RequestsPerMinute < 0 {
		return fmt.Errorf("rpc: RequestsPerMinute must not be negative")
	}
	if c.RPC.Burst < 0 {
		return fmt.Errorf("rpc: Burst must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: Endpoint required when exporters are enabled")
	}
	for i, approver := range c.Bidding.Approvers {
		if _, err := crypto.ParseAccount(strings.TrimSpace(approver)); err != nil {
			return fmt.Errorf("bidding: approver %d: %w", i, err)
		}
	}
	seen := make(map[string]struct{}, len(c.Allocations))
	for i, alloc := range c.Allocations {
		addr, err := crypto.ParseAccount(strings.TrimSpace(alloc.Address))
		if err != nil {
			return fmt.Errorf("allocations[%d]: %w", i, err)
		}
		key := crypto.FormatAccount(addr)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("allocations[%d]: duplicate address %s", i, key)
		}
		seen[key] = struct{}{}
		if _, err := genesis.ParseAmount(alloc.Balance); err != nil {
			return fmt.Errorf("allocations[%d]: %w", i, err)
		}
	}
	return nil
}

// GenesisSpec builds the genesis spec from the optional genesis file plus
// the configured allocations and approvers.
func (c *Config) GenesisSpec() (*genesis.Spec, error) {
	spec := &genesis.Spec{Alloc: map[string]string{}, Roles: map[string][]string{}}
	if c.GenesisFile != "" {
		loaded, err := genesis.LoadSpec(c.GenesisFile)
		if err != nil {
			return nil, err
		}
		for addr, amount := range loaded.Alloc {
			spec.Alloc[addr] = amount
		}
		for role, members := range loaded.Roles {
			spec.Roles[role] = append(spec.Roles[role], members...)
		}
	}
	for _, alloc := range c.Allocations {
		addr, err := crypto.ParseAccount(strings.TrimSpace(alloc.Address))
		if err != nil {
			return nil, err
		}
		key := crypto.FormatAccount(addr)
		if _, exists := spec.Alloc[key]; exists {
			return nil, fmt.Errorf("allocation for %s defined in both config and genesis file", key)
		}
		spec.Alloc[key] = strings.TrimSpace(alloc.Balance)
	}
	for _, approver := range c.Bidding.Approvers {
		spec.Roles[bidding.ApproverRole] = append(spec.Roles[bidding.ApproverRole], strings.TrimSpace(approver))
	}
	if _, _, err := spec.Resolve(); err != nil {
		return nil, err
	}
	return spec, nil
}
