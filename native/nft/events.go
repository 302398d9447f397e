package nft

import (
	"strconv"

	"nnschain/core/types"
	"nnschain/crypto"
)

const (
	EventTypeMinted = "nft.minted"
)

type mintedEvent struct {
	token *Token
}

func (mintedEvent) EventType() string { return EventTypeMinted }

func (e mintedEvent) Event() *types.Event { return NewMintedEvent(e.token) }

// NewMintedEvent returns the canonical payload emitted when a token is minted.
func NewMintedEvent(t *Token) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: EventTypeMinted, Attributes: attrs}
	}
	attrs["tokenId"] = t.TokenID
	attrs["owner"] = crypto.FormatAccount(t.Owner)
	attrs["title"] = t.Metadata.Title
	attrs["description"] = t.Metadata.Description
	attrs["issuedAt"] = strconv.FormatUint(t.Metadata.IssuedAt, 10)
	attrs["startsAt"] = strconv.FormatUint(t.Metadata.StartsAt, 10)
	attrs["expiresAt"] = strconv.FormatUint(t.Metadata.ExpiresAt, 10)
	return &types.Event{Type: EventTypeMinted, Attributes: attrs}
}
