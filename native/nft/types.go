package nft

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenMetadata describes a minted token. Timestamps are nanoseconds since
// the unix epoch.
type TokenMetadata struct {
	Title       string
	Description string
	IssuedAt    uint64
	StartsAt    uint64
	ExpiresAt   uint64
}

// Token is a minted, time-bounded right owned by a single account.
type Token struct {
	TokenID  string
	Owner    [20]byte
	Metadata TokenMetadata
}

// Clone returns a copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// ValidityWindow returns the length of the validity window in nanoseconds.
func (m TokenMetadata) ValidityWindow() uint64 {
	if m.ExpiresAt < m.StartsAt {
		return 0
	}
	return m.ExpiresAt - m.StartsAt
}

// Active reports whether the token is valid at the supplied nanosecond
// timestamp.
func (m TokenMetadata) Active(atNanos uint64) bool {
	return atNanos >= m.StartsAt && atNanos < m.ExpiresAt
}

// FormatTokenID renders a counter value as a token identifier.
func FormatTokenID(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// ParseTokenID validates a token identifier and returns its counter value.
func ParseTokenID(id string) (uint64, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return 0, fmt.Errorf("nft: token id required")
	}
	seq, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("nft: invalid token id %q", id)
	}
	return seq, nil
}

// SanitizeToken validates the token and returns a normalised copy.
func SanitizeToken(t *Token) (*Token, error) {
	if t == nil {
		return nil, fmt.Errorf("nft: nil token")
	}
	clone := t.Clone()
	seq, err := ParseTokenID(clone.TokenID)
	if err != nil {
		return nil, err
	}
	clone.TokenID = FormatTokenID(seq)
	if clone.Owner == ([20]byte{}) {
		return nil, fmt.Errorf("nft: token owner required")
	}
	if clone.Metadata.ExpiresAt < clone.Metadata.StartsAt {
		return nil, fmt.Errorf("nft: token expires before it starts")
	}
	return clone, nil
}
