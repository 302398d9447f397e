package bidding

import "errors"

var (
	ErrInvalidDeposit      = errors.New("bidding: endorsement deposit must equal the protocol constant")
	ErrBidNotFound         = errors.New("bidding: bid not found")
	ErrInvalidBidState     = errors.New("bidding: bid is not in the required state")
	ErrInsufficientAmount  = errors.New("bidding: attached payment below bid amount")
	ErrInvalidBid          = errors.New("bidding: invalid bid")
	ErrUnauthorized        = errors.New("bidding: caller not allowed to approve bid")
	ErrInsufficientBalance = errors.New("bidding: insufficient balance")

	errNilState  = errors.New("bidding engine: state not configured")
	errNilMinter = errors.New("bidding engine: minter not configured")
)
