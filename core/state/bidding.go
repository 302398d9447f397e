package state

import (
	"fmt"
	"math/big"

	"nnschain/native/bidding"
)

type storedBid struct {
	ID          uint64
	SrcNFTID    string
	Amount      *big.Int
	Lasts       uint64
	StartAt     uint64
	OriginOwner [20]byte
	Borrower    [20]byte
	State       uint8
	CreatedAt   uint64
}

type storedBidIndex struct {
	Bids []uint64
}

func newStoredBid(b *bidding.Bid) (*storedBid, error) {
	if b.CreatedAt < 0 {
		return nil, fmt.Errorf("bidding: negative creation time")
	}
	return &storedBid{
		ID:          b.ID,
		SrcNFTID:    b.SrcNFTID,
		Amount:      new(big.Int).Set(b.Amount),
		Lasts:       b.Lasts,
		StartAt:     b.StartAt,
		OriginOwner: b.OriginOwner,
		Borrower:    b.Borrower,
		State:       uint8(b.State),
		CreatedAt:   uint64(b.CreatedAt),
	}, nil
}

func (s *storedBid) toBid() *bidding.Bid {
	amount := big.NewInt(0)
	if s.Amount != nil {
		amount = new(big.Int).Set(s.Amount)
	}
	return &bidding.Bid{
		ID:          s.ID,
		SrcNFTID:    s.SrcNFTID,
		Amount:      amount,
		Lasts:       s.Lasts,
		StartAt:     s.StartAt,
		OriginOwner: s.OriginOwner,
		Borrower:    s.Borrower,
		State:       bidding.BidState(s.State),
		CreatedAt:   int64(s.CreatedAt),
	}
}

// BidCount returns the number of bids stored so far.
func (m *Manager) BidCount() (uint64, error) {
	var count uint64
	if _, err := m.KVGet(bidCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// BidAppend stores the bid under the next sequential identifier and returns
// that identifier. The bid's ID field is overwritten.
func (m *Manager) BidAppend(b *bidding.Bid) (uint64, error) {
	count, err := m.BidCount()
	if err != nil {
		return 0, err
	}
	sanitized, err := bidding.SanitizeBid(b)
	if err != nil {
		return 0, err
	}
	sanitized.ID = count
	if err := m.writeBid(sanitized); err != nil {
		return 0, err
	}
	if err := m.KVPut(bidCountKey, count+1); err != nil {
		return 0, err
	}
	return count, nil
}

// BidPut overwrites an existing bid. Appending through BidPut is rejected so
// identifiers stay dense.
func (m *Manager) BidPut(b *bidding.Bid) error {
	if b == nil {
		return fmt.Errorf("bidding: nil bid")
	}
	count, err := m.BidCount()
	if err != nil {
		return err
	}
	if b.ID >= count {
		return fmt.Errorf("%w: id %d", bidding.ErrBidNotFound, b.ID)
	}
	sanitized, err := bidding.SanitizeBid(b)
	if err != nil {
		return err
	}
	return m.writeBid(sanitized)
}

func (m *Manager) writeBid(b *bidding.Bid) error {
	record, err := newStoredBid(b)
	if err != nil {
		return err
	}
	return m.KVPut(bidKey(b.ID), record)
}

// BidGet retrieves the bid with the supplied identifier.
func (m *Manager) BidGet(id uint64) (*bidding.Bid, bool, error) {
	var stored storedBid
	ok, err := m.KVGet(bidKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return stored.toBid(), true, nil
}

// BorrowerGet returns the bid identifiers created by addr.
func (m *Manager) BorrowerGet(addr [20]byte) (*bidding.Borrower, bool, error) {
	var stored storedBidIndex
	ok, err := m.KVGet(borrowerKey(addr), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &bidding.Borrower{Bids: append([]uint64(nil), stored.Bids...)}, true, nil
}

// BorrowerPut replaces the borrower index for addr.
func (m *Manager) BorrowerPut(addr [20]byte, b *bidding.Borrower) error {
	if b == nil {
		return fmt.Errorf("bidding: nil borrower")
	}
	return m.KVPut(borrowerKey(addr), storedBidIndex{Bids: append([]uint64{}, b.Bids...)})
}

// SubjectGet returns the bid identifiers referencing the source asset.
func (m *Manager) SubjectGet(id string) (*bidding.Subject, bool, error) {
	normalized := bidding.NormalizeSubjectID(id)
	if normalized == "" {
		return nil, false, nil
	}
	var stored storedBidIndex
	ok, err := m.KVGet(subjectKey(normalized), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &bidding.Subject{Bids: append([]uint64(nil), stored.Bids...)}, true, nil
}

// SubjectPut replaces the subject index for the source asset.
func (m *Manager) SubjectPut(id string, s *bidding.Subject) error {
	normalized := bidding.NormalizeSubjectID(id)
	if normalized == "" {
		return fmt.Errorf("bidding: subject id required")
	}
	if s == nil {
		return fmt.Errorf("bidding: nil subject")
	}
	return m.KVPut(subjectKey(normalized), storedBidIndex{Bids: append([]uint64{}, s.Bids...)})
}
