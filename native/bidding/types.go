package bidding

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"nnschain/crypto"
)

const (
	// ModuleName identifies the module for pause switches and metrics.
	ModuleName = "bidding"
	// ApproverRole grants the right to approve bids the caller does not own.
	ApproverRole = "bidding.approver"
	// TokenTitle is embedded in every token minted by a settlement.
	TokenTitle = "NFT NEVER SLEEP"

	nanosPerSecond = uint64(1_000_000_000)
)

var (
	// VaultAddress holds endorsements and in-flight settlement payments.
	VaultAddress = crypto.ModuleAddress("bidding/vault")

	endorsementDeposit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// EndorsementDeposit returns the fixed deposit, in wei, that must accompany
// every new bid.
func EndorsementDeposit() *big.Int {
	return new(big.Int).Set(endorsementDeposit)
}

// BidState enumerates the bid lifecycle. Transitions only move forward:
// Pending -> Approved -> Consumed.
type BidState uint8

const (
	BidPending BidState = iota
	BidApproved
	BidConsumed
)

// Valid reports whether the state value is within the supported range.
func (s BidState) Valid() bool {
	switch s {
	case BidPending, BidApproved, BidConsumed:
		return true
	default:
		return false
	}
}

func (s BidState) String() string {
	switch s {
	case BidPending:
		return "pending"
	case BidApproved:
		return "approved"
	case BidConsumed:
		return "consumed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// BidInfo is the client-supplied part of a bid.
type BidInfo struct {
	SrcNFTID    string
	Amount      *big.Int
	Lasts       uint64
	StartAt     uint64
	OriginOwner [20]byte
}

// Bid is the stored record. Its identifier equals the store length at the
// time it was inserted.
type Bid struct {
	ID          uint64
	SrcNFTID    string
	Amount      *big.Int
	Lasts       uint64
	StartAt     uint64
	OriginOwner [20]byte
	Borrower    [20]byte
	State       BidState
	CreatedAt   int64
}

// Borrower lists, in creation order, the bids an account has offered.
type Borrower struct {
	Bids []uint64
}

// Subject lists, in creation order, the bids referencing a source asset.
type Subject struct {
	Bids []uint64
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Amount != nil {
		clone.Amount = new(big.Int).Set(b.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// ValidityWindow converts the bid's start time and duration into the
// nanosecond timestamps embedded in the minted token.
func (b *Bid) ValidityWindow() (startsAt, expiresAt uint64, err error) {
	if b == nil {
		return 0, 0, fmt.Errorf("%w: nil bid", ErrInvalidBid)
	}
	if b.StartAt > math.MaxUint64-b.Lasts {
		return 0, 0, fmt.Errorf("%w: validity window overflows", ErrInvalidBid)
	}
	startsAt, err = secondsToNanos(b.StartAt)
	if err != nil {
		return 0, 0, err
	}
	expiresAt, err = secondsToNanos(b.StartAt + b.Lasts)
	if err != nil {
		return 0, 0, err
	}
	return startsAt, expiresAt, nil
}

func secondsToNanos(sec uint64) (uint64, error) {
	if sec > math.MaxUint64/nanosPerSecond {
		return 0, fmt.Errorf("%w: timestamp %d exceeds nanosecond range", ErrInvalidBid, sec)
	}
	return sec * nanosPerSecond, nil
}

// NewBid builds a pending bid from the supplied info.
func NewBid(borrower [20]byte, info *BidInfo, createdAt int64) *Bid {
	bid := &Bid{
		Borrower:  borrower,
		State:     BidPending,
		CreatedAt: createdAt,
		Amount:    big.NewInt(0),
	}
	if info == nil {
		return bid
	}
	bid.SrcNFTID = info.SrcNFTID
	bid.Lasts = info.Lasts
	bid.StartAt = info.StartAt
	bid.OriginOwner = info.OriginOwner
	if info.Amount != nil {
		bid.Amount = new(big.Int).Set(info.Amount)
	}
	return bid
}

// NormalizeSubjectID trims the source asset identifier.
func NormalizeSubjectID(id string) string {
	return strings.TrimSpace(id)
}

// SanitizeBidInfo validates the client payload and returns a normalised
// copy. The original is never mutated.
func SanitizeBidInfo(info *BidInfo) (*BidInfo, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: nil bid info", ErrInvalidBid)
	}
	clone := *info
	clone.SrcNFTID = NormalizeSubjectID(info.SrcNFTID)
	if clone.SrcNFTID == "" {
		return nil, fmt.Errorf("%w: source nft id required", ErrInvalidBid)
	}
	if info.Amount == nil || info.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidBid)
	}
	clone.Amount = new(big.Int).Set(info.Amount)
	if clone.OriginOwner == ([20]byte{}) {
		return nil, fmt.Errorf("%w: origin owner required", ErrInvalidBid)
	}
	window := Bid{StartAt: clone.StartAt, Lasts: clone.Lasts}
	if _, _, err := window.ValidityWindow(); err != nil {
		return nil, err
	}
	return &clone, nil
}

// SanitizeBid validates a stored bid and returns a copy with a non-nil
// amount.
func SanitizeBid(b *Bid) (*Bid, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil bid", ErrInvalidBid)
	}
	clone := b.Clone()
	clone.SrcNFTID = NormalizeSubjectID(clone.SrcNFTID)
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidBid)
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("%w: invalid state %d", ErrInvalidBid, clone.State)
	}
	return clone, nil
}
