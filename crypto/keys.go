package crypto

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used when rendering accounts.
type AddressPrefix string

const (
	NNSPrefix AddressPrefix = "nns"
)

// AddressLength is the byte length of every ledger account.
const AddressLength = 20

// Address represents a 20-byte ledger account with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

// MustNewAddress is like NewAddress but panics on malformed input. Intended
// for constants and tests.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// Array returns the address as a fixed-size array.
func (a Address) Array() [AddressLength]byte {
	var out [AddressLength]byte
	copy(out[:], a.bytes)
	return out
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// ParseAccount decodes a bech32 account string and ensures it carries the
// ledger prefix.
func ParseAccount(value string) ([AddressLength]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [AddressLength]byte{}, fmt.Errorf("address required")
	}
	addr, err := DecodeAddress(trimmed)
	if err != nil {
		return [AddressLength]byte{}, err
	}
	if addr.Prefix() != NNSPrefix {
		return [AddressLength]byte{}, fmt.Errorf("unsupported address prefix %q", addr.Prefix())
	}
	return addr.Array(), nil
}

// FormatAccount renders a raw account using the ledger prefix.
func FormatAccount(addr [AddressLength]byte) string {
	return MustNewAddress(NNSPrefix, addr[:]).String()
}

// ModuleAddress derives the deterministic account owned by a native module.
func ModuleAddress(name string) [AddressLength]byte {
	hash := ethcrypto.Keccak256([]byte(strings.TrimSpace(name)))
	var out [AddressLength]byte
	copy(out[:], hash[len(hash)-AddressLength:])
	return out
}
