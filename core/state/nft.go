package state

import (
	"fmt"

	"nnschain/native/nft"
)

type storedToken struct {
	TokenID     string
	Owner       [20]byte
	Title       string
	Description string
	IssuedAt    uint64
	StartsAt    uint64
	ExpiresAt   uint64
}

// NFTTokenCount returns the number of tokens minted so far.
func (m *Manager) NFTTokenCount() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(nftTokenCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// NFTSetTokenCount overwrites the token counter.
func (m *Manager) NFTSetTokenCount(count uint64) error {
	return m.KVPut(nftTokenCountKey, count)
}

// NFTPut stores the token under its identifier.
func (m *Manager) NFTPut(token *nft.Token) error {
	if token == nil {
		return fmt.Errorf("nft: nil token")
	}
	sanitized, err := nft.SanitizeToken(token)
	if err != nil {
		return err
	}
	return m.KVPut(nftTokenKey(sanitized.TokenID), storedToken{
		TokenID:     sanitized.TokenID,
		Owner:       sanitized.Owner,
		Title:       sanitized.Metadata.Title,
		Description: sanitized.Metadata.Description,
		IssuedAt:    sanitized.Metadata.IssuedAt,
		StartsAt:    sanitized.Metadata.StartsAt,
		ExpiresAt:   sanitized.Metadata.ExpiresAt,
	})
}

// NFTGet loads the token with the supplied identifier.
func (m *Manager) NFTGet(id string) (*nft.Token, bool, error) {
	var stored storedToken
	ok, err := m.KVGet(nftTokenKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &nft.Token{
		TokenID: stored.TokenID,
		Owner:   stored.Owner,
		Metadata: nft.TokenMetadata{
			Title:       stored.Title,
			Description: stored.Description,
			IssuedAt:    stored.IssuedAt,
			StartsAt:    stored.StartsAt,
			ExpiresAt:   stored.ExpiresAt,
		},
	}, true, nil
}

// NFTOwnerAppend records id in the owner's token index.
func (m *Manager) NFTOwnerAppend(owner [20]byte, id string) error {
	ids, err := m.NFTTokensOf(owner)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return m.KVPut(nftOwnerKey(owner), append(ids, id))
}

// NFTTokensOf lists the identifiers of the tokens held by owner in mint order.
func (m *Manager) NFTTokensOf(owner [20]byte) ([]string, error) {
	var ids []string
	if err := m.KVGetList(nftOwnerKey(owner), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
