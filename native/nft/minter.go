package nft

import (
	"errors"
	"fmt"
	"math"

	"nnschain/core/events"
)

var (
	ErrTokenNotFound = errors.New("nft: token not found")
	ErrTokenExists   = errors.New("nft: token already minted")

	errNilState = errors.New("nft: state not configured")
)

type minterState interface {
	NFTTokenCount() (uint64, error)
	NFTSetTokenCount(uint64) error
	NFTPut(*Token) error
	NFTGet(id string) (*Token, bool, error)
	NFTOwnerAppend(owner [20]byte, id string) error
	NFTTokensOf(owner [20]byte) ([]string, error)
}

// Minter allocates sequential token identifiers and records minted tokens
// and their owners.
type Minter struct {
	state   minterState
	emitter events.Emitter
}

func NewMinter() *Minter {
	return &Minter{emitter: events.NoopEmitter{}}
}

func (m *Minter) SetState(state minterState) { m.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (m *Minter) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// Emitter returns the configured event emitter.
func (m *Minter) Emitter() events.Emitter {
	return m.emitter
}

// NextTokenID returns the identifier the next Mint call will assign.
func (m *Minter) NextTokenID() (string, error) {
	if m == nil || m.state == nil {
		return "", errNilState
	}
	count, err := m.state.NFTTokenCount()
	if err != nil {
		return "", err
	}
	return FormatTokenID(count), nil
}

// Mint assigns the next identifier, stores the token and appends it to the
// owner's index. The counter advances exactly once per successful mint.
func (m *Minter) Mint(owner [20]byte, meta TokenMetadata) (*Token, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	count, err := m.state.NFTTokenCount()
	if err != nil {
		return nil, err
	}
	if count == math.MaxUint64 {
		return nil, fmt.Errorf("nft: token counter exhausted")
	}
	token, err := SanitizeToken(&Token{TokenID: FormatTokenID(count), Owner: owner, Metadata: meta})
	if err != nil {
		return nil, err
	}
	if _, exists, err := m.state.NFTGet(token.TokenID); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrTokenExists, token.TokenID)
	}
	if err := m.state.NFTPut(token); err != nil {
		return nil, err
	}
	if err := m.state.NFTOwnerAppend(owner, token.TokenID); err != nil {
		return nil, err
	}
	if err := m.state.NFTSetTokenCount(count + 1); err != nil {
		return nil, err
	}
	if m.emitter != nil {
		m.emitter.Emit(mintedEvent{token: token.Clone()})
	}
	return token.Clone(), nil
}

// Token loads a minted token by identifier.
func (m *Minter) Token(id string) (*Token, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	seq, err := ParseTokenID(id)
	if err != nil {
		return nil, err
	}
	token, ok, err := m.state.NFTGet(FormatTokenID(seq))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

// TokensOf returns every token owned by the account in mint order.
func (m *Minter) TokensOf(owner [20]byte) ([]*Token, error) {
	if m == nil || m.state == nil {
		return nil, errNilState
	}
	ids, err := m.state.NFTTokensOf(owner)
	if err != nil {
		return nil, err
	}
	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		token, ok, err := m.state.NFTGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("nft: owner index references missing token %s", id)
		}
		out = append(out, token)
	}
	return out, nil
}
