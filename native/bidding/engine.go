package bidding

import (
	"fmt"
	"math/big"
	"time"

	"nnschain/core/events"
	"nnschain/core/types"
	"nnschain/native/common"
	"nnschain/native/nft"
)

type engineState interface {
	BidCount() (uint64, error)
	BidAppend(*Bid) (uint64, error)
	BidGet(id uint64) (*Bid, bool, error)
	BidPut(*Bid) error
	BorrowerGet(addr [20]byte) (*Borrower, bool, error)
	BorrowerPut(addr [20]byte, b *Borrower) error
	SubjectGet(id string) (*Subject, bool, error)
	SubjectPut(id string, s *Subject) error
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
	HasRole(role string, addr []byte) bool
	Snapshot() int
	RevertToSnapshot(id int) error
}

type tokenMinter interface {
	Mint(owner [20]byte, meta nft.TokenMetadata) (*nft.Token, error)
}

// emittingMinter is implemented by minters whose events can be held back
// until the surrounding call succeeds.
type emittingMinter interface {
	Emitter() events.Emitter
	SetEmitter(events.Emitter)
}

// Engine implements bid creation, approval and settlement on top of an
// injected state backend. It is not safe for concurrent use; the host is
// expected to serialise calls.
type Engine struct {
	state   engineState
	minter  tokenMinter
	emitter events.Emitter
	pauses  common.PauseView
	nowFn   func() time.Time
}

// NewEngine creates a bidding engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetMinter configures the token minting collaborator.
func (e *Engine) SetMinter(minter tokenMinter) { e.minter = minter }

// SetPauses wires the module pause switch.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetNowFunc overrides the chain clock. Passing nil restores the wall clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(biddingEvent{evt: event})
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

// atomically runs fn inside a state snapshot. Events emitted by the engine
// or its minter while fn runs are queued; they are forwarded when fn
// succeeds and dropped, together with every write, when it fails.
func (e *Engine) atomically(fn func() error) error {
	buf := &events.Buffer{}
	restore := e.deferEvents(buf)
	snap := e.state.Snapshot()
	err := fn()
	restore()
	if err != nil {
		buf.Discard()
		if revertErr := e.state.RevertToSnapshot(snap); revertErr != nil {
			return fmt.Errorf("%w (revert failed: %v)", err, revertErr)
		}
		return err
	}
	buf.Flush()
	return nil
}

func (e *Engine) deferEvents(buf *events.Buffer) func() {
	engineEmitter := e.emitter
	e.emitter = buf.Deferred(engineEmitter)
	minter, ok := e.minter.(emittingMinter)
	if !ok {
		return func() { e.emitter = engineEmitter }
	}
	minterEmitter := minter.Emitter()
	minter.SetEmitter(buf.Deferred(minterEmitter))
	return func() {
		e.emitter = engineEmitter
		minter.SetEmitter(minterEmitter)
	}
}

func (e *Engine) loadBid(id uint64) (*Bid, error) {
	bid, ok, err := e.state.BidGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBidNotFound
	}
	return bid, nil
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int, reason string) (Transfer, error) {
	amt := cloneBigInt(amount)
	record := Transfer{From: from, To: to, Amount: amt, Reason: reason}
	if amt.Sign() < 0 {
		return record, fmt.Errorf("bidding: negative %s transfer", reason)
	}
	if amt.Sign() == 0 || from == to {
		return record, nil
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return record, err
	}
	fromAcc = ensureAccount(fromAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return record, fmt.Errorf("%w: %s requires %s, available %s", ErrInsufficientBalance, reason, amt, fromAcc.Balance)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return record, err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return record, err
	}
	toAcc = ensureAccount(toAcc)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		return record, err
	}
	return record, nil
}

// OfferBid registers a new pending bid on behalf of caller. The deposit must
// equal EndorsementDeposit exactly; it is moved into the module vault and
// refunded on settlement. The returned identifier equals the store length
// before insertion.
func (e *Engine) OfferBid(caller [20]byte, info *BidInfo, deposit *big.Int) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return 0, err
	}
	if deposit == nil || deposit.Cmp(endorsementDeposit) != 0 {
		return 0, ErrInvalidDeposit
	}
	sanitized, err := SanitizeBidInfo(info)
	if err != nil {
		return 0, err
	}
	var created *Bid
	err = e.atomically(func() error {
		if _, err := e.transfer(caller, VaultAddress, deposit, TransferReasonPayment); err != nil {
			return err
		}
		bid := NewBid(caller, sanitized, e.now().Unix())
		id, err := e.state.BidAppend(bid)
		if err != nil {
			return err
		}
		bid.ID = id

		borrower, _, err := e.state.BorrowerGet(caller)
		if err != nil {
			return err
		}
		if borrower == nil {
			borrower = &Borrower{}
		}
		borrower.Bids = append(borrower.Bids, id)
		if err := e.state.BorrowerPut(caller, borrower); err != nil {
			return err
		}

		subject, _, err := e.state.SubjectGet(bid.SrcNFTID)
		if err != nil {
			return err
		}
		if subject == nil {
			subject = &Subject{}
		}
		subject.Bids = append(subject.Bids, id)
		if err := e.state.SubjectPut(bid.SrcNFTID, subject); err != nil {
			return err
		}
		created = bid
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.emit(NewOfferedEvent(created))
	return created.ID, nil
}

// ApproveBid moves a pending bid to Approved. Only the asset's origin owner
// or an account holding ApproverRole may approve.
func (e *Engine) ApproveBid(caller [20]byte, id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return err
	}
	bid, err := e.loadBid(id)
	if err != nil {
		return err
	}
	if bid.State != BidPending {
		return fmt.Errorf("%w: bid %d is %s", ErrInvalidBidState, id, bid.State)
	}
	if caller != bid.OriginOwner && !e.state.HasRole(ApproverRole, caller[:]) {
		return ErrUnauthorized
	}
	bid.State = BidApproved
	if err := e.state.BidPut(bid); err != nil {
		return err
	}
	e.emit(NewApprovedEvent(bid, caller))
	return nil
}

// ClaimNFT settles an approved bid. The caller's payment is collected, the
// bid is consumed, a token is minted to the caller, the origin owner is paid
// the bid amount and the caller receives the endorsement plus any
// overpayment. Every step runs in one snapshot so a failure leaves no
// partial state behind.
func (e *Engine) ClaimNFT(caller [20]byte, id uint64, payment *big.Int) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.minter == nil {
		return nil, errNilMinter
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	bid, err := e.loadBid(id)
	if err != nil {
		return nil, err
	}
	if bid.State != BidApproved {
		return nil, fmt.Errorf("%w: bid %d is %s", ErrInvalidBidState, id, bid.State)
	}
	paid := cloneBigInt(payment)
	if paid.Cmp(bid.Amount) < 0 {
		return nil, ErrInsufficientAmount
	}
	refund, err := computeRefund(paid, bid.Amount)
	if err != nil {
		return nil, err
	}
	startsAt, expiresAt, err := bid.ValidityWindow()
	if err != nil {
		return nil, err
	}

	settlement := &Settlement{
		BidID:       id,
		Paid:        paid,
		OwnerPayout: cloneBigInt(bid.Amount),
		Refund:      refund,
	}
	err = e.atomically(func() error {
		collected, err := e.transfer(caller, VaultAddress, paid, TransferReasonPayment)
		if err != nil {
			return err
		}
		bid.State = BidConsumed
		if err := e.state.BidPut(bid); err != nil {
			return err
		}
		token, err := e.minter.Mint(caller, nft.TokenMetadata{
			Title:       TokenTitle,
			Description: bid.SrcNFTID,
			IssuedAt:    uint64(e.now().UnixNano()),
			StartsAt:    startsAt,
			ExpiresAt:   expiresAt,
		})
		if err != nil {
			return err
		}
		payout, err := e.transfer(VaultAddress, bid.OriginOwner, bid.Amount, TransferReasonPayout)
		if err != nil {
			return err
		}
		refunded, err := e.transfer(VaultAddress, caller, refund, TransferReasonRefund)
		if err != nil {
			return err
		}
		settlement.Token = token
		settlement.Transfers = []Transfer{collected, payout, refunded}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewClaimedEvent(bid, settlement))
	return settlement, nil
}

// Bid returns the stored bid with the supplied identifier.
func (e *Engine) Bid(id uint64) (*Bid, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.loadBid(id)
}

// BidCount returns the number of bids ever created.
func (e *Engine) BidCount() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.state.BidCount()
}

// Borrower returns the bids created by the account.
func (e *Engine) Borrower(addr [20]byte) (*Borrower, bool, error) {
	if err := e.ready(); err != nil {
		return nil, false, err
	}
	return e.state.BorrowerGet(addr)
}

// Subject returns the bids referencing the source asset.
func (e *Engine) Subject(srcNFTID string) (*Subject, bool, error) {
	if err := e.ready(); err != nil {
		return nil, false, err
	}
	return e.state.SubjectGet(NormalizeSubjectID(srcNFTID))
}
