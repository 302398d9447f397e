package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"nnschain/crypto"
)

// Spec describes the initial ledger state: native balances and role
// assignments.
type Spec struct {
	Alloc map[string]string   `json:"alloc"` // addr -> wei
	Roles map[string][]string `json:"roles"` // role -> []addr
}

// Allocation is a validated balance assignment.
type Allocation struct {
	Address [20]byte
	Balance *big.Int
}

// RoleAssignment is a validated role grant.
type RoleAssignment struct {
	Role    string
	Address [20]byte
}

// LoadSpec reads a JSON genesis file. Unknown fields are rejected.
func LoadSpec(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if _, _, err := spec.Resolve(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// Resolve validates the spec and returns allocations sorted by address and
// role grants sorted by role then address.
func (s *Spec) Resolve() ([]Allocation, []RoleAssignment, error) {
	if s == nil {
		return nil, nil, nil
	}
	allocs := make([]Allocation, 0, len(s.Alloc))
	seen := make(map[[20]byte]struct{}, len(s.Alloc))
	for rawAddr, rawAmount := range s.Alloc {
		addr, err := crypto.ParseAccount(strings.TrimSpace(rawAddr))
		if err != nil {
			return nil, nil, fmt.Errorf("alloc %q: %w", rawAddr, err)
		}
		if _, dup := seen[addr]; dup {
			return nil, nil, fmt.Errorf("alloc %q: duplicate address", rawAddr)
		}
		seen[addr] = struct{}{}
		amount, err := ParseAmount(rawAmount)
		if err != nil {
			return nil, nil, fmt.Errorf("alloc %q: %w", rawAddr, err)
		}
		allocs = append(allocs, Allocation{Address: addr, Balance: amount})
	}
	sort.Slice(allocs, func(i, j int) bool {
		return bytes.Compare(allocs[i].Address[:], allocs[j].Address[:]) < 0
	})

	roles := make([]RoleAssignment, 0)
	for role, members := range s.Roles {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			return nil, nil, fmt.Errorf("role name must not be empty")
		}
		for _, member := range members {
			addr, err := crypto.ParseAccount(strings.TrimSpace(member))
			if err != nil {
				return nil, nil, fmt.Errorf("role %q member %q: %w", trimmed, member, err)
			}
			roles = append(roles, RoleAssignment{Role: trimmed, Address: addr})
		}
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Role != roles[j].Role {
			return roles[i].Role < roles[j].Role
		}
		return bytes.Compare(roles[i].Address[:], roles[j].Address[:]) < 0
	})
	return allocs, roles, nil
}

// ParseAmount parses a non-negative decimal wei amount.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
