package bidding

import (
	"strconv"

	"nnschain/core/types"
	"nnschain/crypto"
)

const (
	EventTypeBidOffered  = "bidding.offered"
	EventTypeBidApproved = "bidding.approved"
	EventTypeBidClaimed  = "bidding.claimed"
)

type biddingEvent struct {
	evt *types.Event
}

func (e biddingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e biddingEvent) Event() *types.Event { return e.evt }

// NewOfferedEvent returns the payload emitted when a bid is created.
func NewOfferedEvent(b *Bid) *types.Event { return newBidEvent(EventTypeBidOffered, b) }

// NewApprovedEvent returns the payload emitted when a bid is approved.
func NewApprovedEvent(b *Bid, approver [20]byte) *types.Event {
	evt := newBidEvent(EventTypeBidApproved, b)
	evt.Attributes["approver"] = crypto.FormatAccount(approver)
	return evt
}

// NewClaimedEvent returns the payload emitted once a settlement completes.
func NewClaimedEvent(b *Bid, s *Settlement) *types.Event {
	evt := newBidEvent(EventTypeBidClaimed, b)
	if s == nil {
		return evt
	}
	if s.Token != nil {
		evt.Attributes["tokenId"] = s.Token.TokenID
	}
	evt.Attributes["paid"] = amountString(s.Paid)
	evt.Attributes["ownerPayout"] = amountString(s.OwnerPayout)
	evt.Attributes["refund"] = amountString(s.Refund)
	return evt
}

func newBidEvent(eventType string, b *Bid) *types.Event {
	attrs := make(map[string]string)
	if b == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeBid(b)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["srcNftId"] = sanitized.SrcNFTID
	attrs["amount"] = sanitized.Amount.String()
	attrs["borrower"] = crypto.FormatAccount(sanitized.Borrower)
	attrs["originOwner"] = crypto.FormatAccount(sanitized.OriginOwner)
	attrs["state"] = sanitized.State.String()
	attrs["startAt"] = strconv.FormatUint(sanitized.StartAt, 10)
	attrs["lasts"] = strconv.FormatUint(sanitized.Lasts, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
