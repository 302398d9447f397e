package bidding

import (
	"fmt"
	"math/big"

	"nnschain/native/nft"
)

const (
	TransferReasonPayment = "payment"
	TransferReasonPayout  = "owner_payout"
	TransferReasonRefund  = "refund"
)

// Transfer records a single movement of native currency made during a
// settlement.
type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
	Reason string
}

// Settlement summarises a completed claim.
type Settlement struct {
	BidID       uint64
	Token       *nft.Token
	Paid        *big.Int
	OwnerPayout *big.Int
	Refund      *big.Int
	Transfers   []Transfer
}

// computeRefund returns endorsement + paid - amount. Callers must have
// already checked paid >= amount.
func computeRefund(paid, amount *big.Int) (*big.Int, error) {
	if paid == nil || amount == nil {
		return nil, fmt.Errorf("%w: missing settlement amounts", ErrInvalidBid)
	}
	if paid.Cmp(amount) < 0 {
		return nil, ErrInsufficientAmount
	}
	refund := EndorsementDeposit()
	refund.Add(refund, paid)
	refund.Sub(refund, amount)
	return refund, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
