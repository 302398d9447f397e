package genesis

import (
	"fmt"
	"math/big"
)

type genesisState interface {
	Credit(addr []byte, amount *big.Int) error
	SetRole(role string, addr []byte) error
}

// Apply writes the spec into state in a deterministic order.
func Apply(spec *Spec, st genesisState) error {
	if st == nil {
		return fmt.Errorf("genesis: state must not be nil")
	}
	allocs, roles, err := spec.Resolve()
	if err != nil {
		return err
	}
	for _, alloc := range allocs {
		addr := alloc.Address
		if err := st.Credit(addr[:], alloc.Balance); err != nil {
			return fmt.Errorf("alloc %x: %w", addr, err)
		}
	}
	for _, grant := range roles {
		addr := grant.Address
		if err := st.SetRole(grant.Role, addr[:]); err != nil {
			return fmt.Errorf("role %q: %w", grant.Role, err)
		}
	}
	return nil
}
