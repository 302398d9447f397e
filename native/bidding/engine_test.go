package bidding_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"nnschain/core/events"
	"nnschain/core/state"
	"nnschain/core/types"
	"nnschain/native/bidding"
	"nnschain/native/common"
	"nnschain/native/nft"
	"nnschain/storage"
	"nnschain/storage/trie"
)

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[0] = b
	out[19] = b
	return out
}

type testEnv struct {
	mgr      *state.Manager
	engine   *bidding.Engine
	minter   *nft.Minter
	recorder *events.Recorder
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := trie.NewTrie(db, nil)
	if err != nil {
		t.Fatalf("new trie: %v", err)
	}
	env := &testEnv{
		mgr:      state.NewManager(tr),
		recorder: &events.Recorder{},
		now:      time.Unix(1_700_000_500, 0),
	}
	env.minter = nft.NewMinter()
	env.minter.SetState(env.mgr)
	env.minter.SetEmitter(env.recorder)
	env.engine = bidding.NewEngine()
	env.engine.SetState(env.mgr)
	env.engine.SetMinter(env.minter)
	env.engine.SetEmitter(env.recorder)
	env.engine.SetNowFunc(func() time.Time { return env.now })
	return env
}

func (env *testEnv) fund(t *testing.T, who [20]byte, amount *big.Int) {
	t.Helper()
	if err := env.mgr.Credit(who[:], amount); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (env *testEnv) balance(t *testing.T, who [20]byte) *big.Int {
	t.Helper()
	acc, err := env.mgr.GetAccount(who[:])
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc.Balance
}

func requireBalance(t *testing.T, env *testEnv, who [20]byte, want *big.Int) {
	t.Helper()
	if got := env.balance(t, who); got.Cmp(want) != 0 {
		t.Fatalf("balance of %x: got %s want %s", who[:2], got, want)
	}
}

func defaultInfo(owner [20]byte, amount *big.Int) *bidding.BidInfo {
	return &bidding.BidInfo{
		SrcNFTID:    "origin-asset-1",
		Amount:      amount,
		Lasts:       86_400,
		StartAt:     1_700_000_000,
		OriginOwner: owner,
	}
}

func TestOfferBidRegistersPendingBid(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	owner := addr(0x02)
	env.fund(t, borrower, units(10))

	id, err := env.engine.OfferBid(borrower, defaultInfo(owner, units(5)), bidding.EndorsementDeposit())
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected id 0, got %d", id)
	}
	second, err := env.engine.OfferBid(borrower, defaultInfo(owner, units(2)), bidding.EndorsementDeposit())
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if second != 1 {
		t.Fatalf("expected id 1, got %d", second)
	}

	bid, err := env.engine.Bid(0)
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if bid.State != bidding.BidPending || bid.Borrower != borrower || bid.OriginOwner != owner {
		t.Fatalf("unexpected bid %+v", bid)
	}
	if bid.CreatedAt != env.now.Unix() {
		t.Fatalf("unexpected creation time %d", bid.CreatedAt)
	}
	requireBalance(t, env, borrower, units(8))
	requireBalance(t, env, bidding.VaultAddress, units(2))

	b, ok, err := env.engine.Borrower(borrower)
	if err != nil || !ok {
		t.Fatalf("borrower: ok=%v err=%v", ok, err)
	}
	if len(b.Bids) != 2 || b.Bids[0] != 0 || b.Bids[1] != 1 {
		t.Fatalf("unexpected borrower index %v", b.Bids)
	}
	s, ok, err := env.engine.Subject("origin-asset-1")
	if err != nil || !ok {
		t.Fatalf("subject: ok=%v err=%v", ok, err)
	}
	if len(s.Bids) != 2 {
		t.Fatalf("unexpected subject index %v", s.Bids)
	}
	count, err := env.engine.BidCount()
	if err != nil || count != 2 {
		t.Fatalf("count: %d err=%v", count, err)
	}

	recorded := env.recorder.Events()
	if len(recorded) != 2 || recorded[0].Type != bidding.EventTypeBidOffered {
		t.Fatalf("unexpected events %+v", recorded)
	}
	if recorded[0].Attributes["id"] != "0" || recorded[0].Attributes["state"] != "pending" {
		t.Fatalf("unexpected offered attributes %+v", recorded[0].Attributes)
	}
}

func TestOfferBidRejectsInvalidDeposit(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	env.fund(t, borrower, units(10))

	half := new(big.Int).Div(unit, big.NewInt(2))
	for _, deposit := range []*big.Int{nil, half, units(2), big.NewInt(0)} {
		if _, err := env.engine.OfferBid(borrower, defaultInfo(addr(0x02), units(5)), deposit); !errors.Is(err, bidding.ErrInvalidDeposit) {
			t.Fatalf("deposit %v: expected ErrInvalidDeposit, got %v", deposit, err)
		}
	}
	count, err := env.engine.BidCount()
	if err != nil || count != 0 {
		t.Fatalf("expected empty store, got %d err=%v", count, err)
	}
	if _, ok, _ := env.engine.Borrower(borrower); ok {
		t.Fatalf("borrower index should not exist")
	}
	requireBalance(t, env, borrower, units(10))
	if env.recorder.Len() != 0 {
		t.Fatalf("no events expected")
	}
}

func TestOfferBidValidation(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	env.fund(t, borrower, units(10))

	cases := []struct {
		name string
		info *bidding.BidInfo
	}{
		{name: "nil", info: nil},
		{name: "empty subject", info: &bidding.BidInfo{SrcNFTID: "  ", Amount: units(1), OriginOwner: addr(0x02)}},
		{name: "zero amount", info: &bidding.BidInfo{SrcNFTID: "a", Amount: big.NewInt(0), OriginOwner: addr(0x02)}},
		{name: "no owner", info: &bidding.BidInfo{SrcNFTID: "a", Amount: units(1)}},
		{name: "window overflow", info: &bidding.BidInfo{SrcNFTID: "a", Amount: units(1), OriginOwner: addr(0x02), StartAt: ^uint64(0), Lasts: 1}},
		{name: "nanosecond overflow", info: &bidding.BidInfo{SrcNFTID: "a", Amount: units(1), OriginOwner: addr(0x02), StartAt: ^uint64(0) / 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.engine.OfferBid(borrower, tc.info, bidding.EndorsementDeposit()); !errors.Is(err, bidding.ErrInvalidBid) {
				t.Fatalf("expected ErrInvalidBid, got %v", err)
			}
		})
	}
	requireBalance(t, env, borrower, units(10))
}

func TestOfferBidInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	env.fund(t, borrower, big.NewInt(1))

	if _, err := env.engine.OfferBid(borrower, defaultInfo(addr(0x02), units(5)), bidding.EndorsementDeposit()); !errors.Is(err, bidding.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	count, _ := env.engine.BidCount()
	if count != 0 {
		t.Fatalf("expected no bids, got %d", count)
	}
	requireBalance(t, env, borrower, big.NewInt(1))
}

func TestApproveBidAuthorization(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	owner := addr(0x02)
	stranger := addr(0x03)
	approver := addr(0x04)
	env.fund(t, borrower, units(10))

	first, _ := env.engine.OfferBid(borrower, defaultInfo(owner, units(1)), bidding.EndorsementDeposit())
	second, _ := env.engine.OfferBid(borrower, defaultInfo(owner, units(1)), bidding.EndorsementDeposit())

	if err := env.engine.ApproveBid(stranger, first); !errors.Is(err, bidding.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.ApproveBid(borrower, first); !errors.Is(err, bidding.ErrUnauthorized) {
		t.Fatalf("borrower must not self-approve, got %v", err)
	}
	if err := env.engine.ApproveBid(owner, first); err != nil {
		t.Fatalf("owner approve: %v", err)
	}
	if err := env.engine.ApproveBid(owner, first); !errors.Is(err, bidding.ErrInvalidBidState) {
		t.Fatalf("expected ErrInvalidBidState on re-approval, got %v", err)
	}

	if err := env.mgr.SetRole(bidding.ApproverRole, approver[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := env.engine.ApproveBid(approver, second); err != nil {
		t.Fatalf("role approve: %v", err)
	}
	bid, _ := env.engine.Bid(second)
	if bid.State != bidding.BidApproved {
		t.Fatalf("expected approved, got %s", bid.State)
	}
	if err := env.engine.ApproveBid(owner, 99); !errors.Is(err, bidding.ErrBidNotFound) {
		t.Fatalf("expected ErrBidNotFound, got %v", err)
	}
}

func TestClaimNFTSettlement(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	owner := addr(0x02)
	env.fund(t, borrower, units(10))

	id, err := env.engine.OfferBid(borrower, defaultInfo(owner, units(5)), bidding.EndorsementDeposit())
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := env.engine.ClaimNFT(borrower, id, units(7)); !errors.Is(err, bidding.ErrInvalidBidState) {
		t.Fatalf("claim before approval: expected ErrInvalidBidState, got %v", err)
	}
	if err := env.engine.ApproveBid(owner, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.engine.ClaimNFT(borrower, id, units(4)); !errors.Is(err, bidding.ErrInsufficientAmount) {
		t.Fatalf("expected ErrInsufficientAmount, got %v", err)
	}

	settlement, err := env.engine.ClaimNFT(borrower, id, units(7))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if settlement.Token == nil || settlement.Token.TokenID != "0" || settlement.Token.Owner != borrower {
		t.Fatalf("unexpected token %+v", settlement.Token)
	}
	meta := settlement.Token.Metadata
	if meta.Title != bidding.TokenTitle || meta.Description != "origin-asset-1" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if meta.StartsAt != 1_700_000_000*uint64(time.Second) || meta.ExpiresAt != (1_700_000_000+86_400)*uint64(time.Second) {
		t.Fatalf("unexpected validity window %+v", meta)
	}
	if meta.IssuedAt != uint64(env.now.UnixNano()) {
		t.Fatalf("unexpected issue time %d", meta.IssuedAt)
	}
	if settlement.OwnerPayout.Cmp(units(5)) != 0 || settlement.Refund.Cmp(units(3)) != 0 || settlement.Paid.Cmp(units(7)) != 0 {
		t.Fatalf("unexpected settlement amounts %+v", settlement)
	}
	if len(settlement.Transfers) != 3 || settlement.Transfers[1].Reason != bidding.TransferReasonPayout || settlement.Transfers[2].Reason != bidding.TransferReasonRefund {
		t.Fatalf("unexpected transfers %+v", settlement.Transfers)
	}

	requireBalance(t, env, owner, units(5))
	requireBalance(t, env, borrower, units(5))
	requireBalance(t, env, bidding.VaultAddress, big.NewInt(0))

	bid, _ := env.engine.Bid(id)
	if bid.State != bidding.BidConsumed {
		t.Fatalf("expected consumed, got %s", bid.State)
	}
	tokens, err := env.minter.TokensOf(borrower)
	if err != nil || len(tokens) != 1 {
		t.Fatalf("tokens of: %v err=%v", tokens, err)
	}
	next, _ := env.minter.NextTokenID()
	if next != "1" {
		t.Fatalf("expected counter to advance once, next=%s", next)
	}

	if _, err := env.engine.ClaimNFT(borrower, id, units(7)); !errors.Is(err, bidding.ErrInvalidBidState) {
		t.Fatalf("double claim: expected ErrInvalidBidState, got %v", err)
	}
	requireBalance(t, env, borrower, units(5))

	var seen []string
	for _, evt := range env.recorder.Events() {
		seen = append(seen, evt.Type)
	}
	want := []string{bidding.EventTypeBidOffered, bidding.EventTypeBidApproved, nft.EventTypeMinted, bidding.EventTypeBidClaimed}
	if len(seen) != len(want) {
		t.Fatalf("unexpected events %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("event %d: got %s want %s", i, seen[i], want[i])
		}
	}
}

func TestClaimNFTExactPayment(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	owner := addr(0x02)
	env.fund(t, borrower, units(6))

	id, _ := env.engine.OfferBid(borrower, defaultInfo(owner, units(5)), bidding.EndorsementDeposit())
	if err := env.engine.ApproveBid(owner, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	settlement, err := env.engine.ClaimNFT(borrower, id, units(5))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if settlement.Refund.Cmp(bidding.EndorsementDeposit()) != 0 {
		t.Fatalf("refund should equal endorsement, got %s", settlement.Refund)
	}
	requireBalance(t, env, borrower, units(1))
	requireBalance(t, env, owner, units(5))
}

func TestClaimNFTUnknownBid(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.ClaimNFT(addr(0x01), 3, units(1)); !errors.Is(err, bidding.ErrBidNotFound) {
		t.Fatalf("expected ErrBidNotFound, got %v", err)
	}
}

type failingPayoutState struct {
	*state.Manager
	failFor [20]byte
}

func (s *failingPayoutState) PutAccount(addr []byte, account *types.Account) error {
	if string(addr) == string(s.failFor[:]) {
		return errors.New("payout rejected")
	}
	return s.Manager.PutAccount(addr, account)
}

func TestClaimNFTRollsBackOnPayoutFailure(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	owner := addr(0x02)
	env.fund(t, borrower, units(10))

	id, _ := env.engine.OfferBid(borrower, defaultInfo(owner, units(5)), bidding.EndorsementDeposit())
	if err := env.engine.ApproveBid(owner, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.engine.SetState(&failingPayoutState{Manager: env.mgr, failFor: owner})
	eventsBefore := env.recorder.Len()

	if _, err := env.engine.ClaimNFT(borrower, id, units(7)); err == nil {
		t.Fatalf("expected payout failure")
	}
	if got := env.recorder.Len(); got != eventsBefore {
		for _, evt := range env.recorder.Events()[eventsBefore:] {
			t.Logf("unexpected event after rollback: %s %v", evt.Type, evt.Attributes)
		}
		t.Fatalf("rolled-back claim emitted %d events", got-eventsBefore)
	}
	bid, _ := env.engine.Bid(id)
	if bid.State != bidding.BidApproved {
		t.Fatalf("expected bid to remain approved, got %s", bid.State)
	}
	next, _ := env.minter.NextTokenID()
	if next != "0" {
		t.Fatalf("token counter must not advance, next=%s", next)
	}
	tokens, _ := env.minter.TokensOf(borrower)
	if len(tokens) != 0 {
		t.Fatalf("no token expected, got %d", len(tokens))
	}
	requireBalance(t, env, borrower, units(9))
	requireBalance(t, env, bidding.VaultAddress, units(1))
	requireBalance(t, env, owner, big.NewInt(0))

	env.engine.SetState(env.mgr)
	if _, err := env.engine.ClaimNFT(borrower, id, units(7)); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	retried := env.recorder.Events()[eventsBefore:]
	if len(retried) != 2 || retried[0].Type != nft.EventTypeMinted || retried[1].Type != bidding.EventTypeBidClaimed {
		t.Fatalf("unexpected events after retry: %+v", retried)
	}
	if env.minter.Emitter() != events.Emitter(env.recorder) {
		t.Fatalf("minter emitter must be restored after the call")
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	env := newTestEnv(t)
	borrower := addr(0x01)
	env.fund(t, borrower, units(10))
	env.engine.SetPauses(common.Pauses{bidding.ModuleName: true})

	if _, err := env.engine.OfferBid(borrower, defaultInfo(addr(0x02), units(1)), bidding.EndorsementDeposit()); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := env.engine.ApproveBid(addr(0x02), 0); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := env.engine.ClaimNFT(borrower, 0, units(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	env.engine.SetPauses(nil)
	if _, err := env.engine.OfferBid(borrower, defaultInfo(addr(0x02), units(1)), bidding.EndorsementDeposit()); err != nil {
		t.Fatalf("offer after unpause: %v", err)
	}
}
