package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nnschain/core/events"
	"nnschain/core/genesis"
	nnsstate "nnschain/core/state"
	"nnschain/core/types"
	"nnschain/crypto"
	"nnschain/native/bidding"
	nativecommon "nnschain/native/common"
	"nnschain/native/nft"
	"nnschain/observability"
	"nnschain/storage"
	"nnschain/storage/journal"
	"nnschain/storage/trie"
)

// recentEventCapacity bounds the in-memory event log kept when no journal is
// configured.
const recentEventCapacity = 4096

var (
	headRootKey     = []byte("nns/head/root")
	headSequenceKey = []byte("nns/head/seq")
)

// Node is the ledger host. It serialises every call, runs each mutation
// against a trie checkpoint and commits the new root only when the call
// succeeds.
type Node struct {
	db       storage.Database
	trie     *trie.Trie
	journal  *journal.Journal
	recent   *events.Recorder
	pauses   nativecommon.PauseView
	nowFn    func() time.Time
	logger   *slog.Logger
	metrics  *observability.BiddingMetrics
	stateMu  sync.Mutex
	sequence uint64
	fresh    bool
}

// NewNode opens the ledger at the last committed root stored in db. The
// journal may be nil, in which case settlements are not archived and only
// the newest committed events are kept, in memory, until the process exits.
func NewNode(db storage.Database, j *journal.Journal) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("database must not be nil")
	}
	var root []byte
	fresh := true
	stored, err := db.Get(headRootKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load head root: %w", err)
	default:
		root = stored
		fresh = false
	}
	var sequence uint64
	if raw, err := db.Get(headSequenceKey); err == nil && len(raw) == 8 {
		sequence = binary.BigEndian.Uint64(raw)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load head sequence: %w", err)
	}
	stateTrie, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("open state trie: %w", err)
	}
	return &Node{
		db:       db,
		trie:     stateTrie,
		journal:  j,
		recent:   events.NewRecorder(recentEventCapacity),
		nowFn:    time.Now,
		logger:   slog.Default(),
		sequence: sequence,
		fresh:    fresh,
	}, nil
}

// SetLogger replaces the node logger. Passing nil restores slog.Default.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	n.logger = logger
}

// SetNowFunc overrides the chain clock.
func (n *Node) SetNowFunc(now func() time.Time) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if now == nil {
		now = time.Now
	}
	n.nowFn = now
}

// SetPauses wires the module pause switch.
func (n *Node) SetPauses(p nativecommon.PauseView) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.pauses = p
}

// SetMetrics enables Prometheus instrumentation.
func (n *Node) SetMetrics(m *observability.BiddingMetrics) {
	n.metrics = m
}

// StateRoot returns the last committed state root.
func (n *Node) StateRoot() common.Hash {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.trie.Root()
}

// ApplyGenesis seeds an empty ledger. It reports false without touching
// state when a root has already been committed.
func (n *Node) ApplyGenesis(spec *genesis.Spec) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if !n.fresh {
		return false, nil
	}
	err := n.execute(func(manager *nnsstate.Manager, _ events.Emitter) error {
		return genesis.Apply(spec, manager)
	})
	if err != nil {
		return false, fmt.Errorf("apply genesis: %w", err)
	}
	n.logger.Info("genesis applied", slog.String("state_root", n.trie.Root().Hex()))
	return true, nil
}

// execute runs fn against a fresh manager. Events emitted by fn are held
// until the call commits. On success the trie is committed, the head
// persisted and the events published; on failure the trie is restored and
// the events dropped. Callers must hold stateMu.
func (n *Node) execute(fn func(*nnsstate.Manager, events.Emitter) error) error {
	checkpoint := n.trie.Checkpoint()
	pending := &events.Recorder{}
	if err := fn(nnsstate.NewManager(n.trie), pending); err != nil {
		n.trie.Restore(checkpoint)
		return err
	}
	if err := n.commit(); err != nil {
		n.trie.Restore(checkpoint)
		return err
	}
	n.publish(pending.Events())
	return nil
}

func (n *Node) publish(evts []types.Event) {
	if len(evts) == 0 {
		return
	}
	for _, evt := range evts {
		observability.Events().RecordEvent(evt.Type)
	}
	if n.journal == nil {
		n.recent.Append(evts...)
		return
	}
	if err := n.journal.AppendEvents(evts); err != nil {
		n.logger.Error("archive events", slog.Int("count", len(evts)), slog.Any("error", err))
	}
}

func (n *Node) commit() error {
	next := n.sequence + 1
	root, err := n.trie.Commit(n.trie.Root(), next)
	if err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	if err := n.db.Put(headRootKey, root.Bytes()); err != nil {
		return fmt.Errorf("persist head root: %w", err)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)
	if err := n.db.Put(headSequenceKey, seq[:]); err != nil {
		return fmt.Errorf("persist head sequence: %w", err)
	}
	n.sequence = next
	n.fresh = false
	return nil
}

func (n *Node) newMinter(manager *nnsstate.Manager, emitter events.Emitter) *nft.Minter {
	minter := nft.NewMinter()
	minter.SetState(manager)
	minter.SetEmitter(emitter)
	return minter
}

func (n *Node) newBiddingEngine(manager *nnsstate.Manager, emitter events.Emitter) *bidding.Engine {
	engine := bidding.NewEngine()
	engine.SetState(manager)
	engine.SetMinter(n.newMinter(manager, emitter))
	engine.SetEmitter(emitter)
	engine.SetPauses(n.pauses)
	engine.SetNowFunc(n.nowFn)
	return engine
}

func (n *Node) observe(operation string, started time.Time, err error) {
	if n.metrics == nil {
		return
	}
	n.metrics.Observe(operation, time.Since(started), err, failureReason(err))
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, bidding.ErrInvalidDeposit):
		return "invalid_deposit"
	case errors.Is(err, bidding.ErrBidNotFound):
		return "not_found"
	case errors.Is(err, bidding.ErrInvalidBidState):
		return "invalid_state"
	case errors.Is(err, bidding.ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, bidding.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, bidding.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, bidding.ErrInvalidBid):
		return "invalid_bid"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "internal"
	}
}

// OfferBid registers a pending bid for caller, collecting the endorsement
// deposit.
func (n *Node) OfferBid(caller [20]byte, info *bidding.BidInfo, deposit *big.Int) (uint64, error) {
	started := time.Now()
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	var (
		id    uint64
		count uint64
	)
	err := n.execute(func(manager *nnsstate.Manager, emitter events.Emitter) error {
		engine := n.newBiddingEngine(manager, emitter)
		var err error
		if id, err = engine.OfferBid(caller, info, deposit); err != nil {
			return err
		}
		count, err = engine.BidCount()
		return err
	})
	n.observe("offer", started, err)
	if err != nil {
		return 0, err
	}
	if n.metrics != nil {
		n.metrics.SetBidCount(count)
	}
	n.logger.Info("bid offered", slog.Uint64("bid_id", id), slog.String("caller", crypto.FormatAccount(caller)))
	return id, nil
}

// ApproveBid moves a pending bid to Approved.
func (n *Node) ApproveBid(caller [20]byte, id uint64) error {
	started := time.Now()
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	err := n.execute(func(manager *nnsstate.Manager, emitter events.Emitter) error {
		return n.newBiddingEngine(manager, emitter).ApproveBid(caller, id)
	})
	n.observe("approve", started, err)
	if err != nil {
		return err
	}
	n.logger.Info("bid approved", slog.Uint64("bid_id", id), slog.String("caller", crypto.FormatAccount(caller)))
	return nil
}

// ClaimNFT settles an approved bid and archives the settlement.
func (n *Node) ClaimNFT(caller [20]byte, id uint64, payment *big.Int) (*bidding.Settlement, error) {
	started := time.Now()
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	var (
		settlement *bidding.Settlement
		bid        *bidding.Bid
	)
	err := n.execute(func(manager *nnsstate.Manager, emitter events.Emitter) error {
		engine := n.newBiddingEngine(manager, emitter)
		var err error
		if settlement, err = engine.ClaimNFT(caller, id, payment); err != nil {
			return err
		}
		bid, err = engine.Bid(id)
		return err
	})
	n.observe("claim", started, err)
	if err != nil {
		return nil, err
	}
	if n.metrics != nil {
		n.metrics.RecordMint()
		for _, transfer := range settlement.Transfers {
			n.metrics.RecordTransfer(transfer.Reason, transfer.Amount)
		}
	}
	n.archive(caller, bid, settlement)
	n.logger.Info("bid claimed",
		slog.Uint64("bid_id", id),
		slog.String("caller", crypto.FormatAccount(caller)),
		slog.String("token_id", settlement.Token.TokenID),
		slog.String("refund", settlement.Refund.String()))
	return settlement, nil
}

func (n *Node) archive(caller [20]byte, bid *bidding.Bid, settlement *bidding.Settlement) {
	if n.journal == nil || bid == nil || settlement == nil || settlement.Token == nil {
		return
	}
	err := n.journal.Append(journal.Record{
		BidID:       settlement.BidID,
		TokenID:     settlement.Token.TokenID,
		Claimer:     caller,
		OriginOwner: bid.OriginOwner,
		Paid:        settlement.Paid,
		OwnerPayout: settlement.OwnerPayout,
		Refund:      settlement.Refund,
		SettledAt:   n.nowFn().UTC(),
	})
	if err != nil {
		n.logger.Error("archive settlement", slog.Uint64("bid_id", settlement.BidID), slog.Any("error", err))
	}
}

func (n *Node) query(fn func(*nnsstate.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn(nnsstate.NewManager(n.trie))
}

// Bid returns the stored bid.
func (n *Node) Bid(id uint64) (*bidding.Bid, error) {
	var bid *bidding.Bid
	err := n.query(func(manager *nnsstate.Manager) error {
		var err error
		bid, err = n.newBiddingEngine(manager, events.NoopEmitter{}).Bid(id)
		return err
	})
	return bid, err
}

// BidCount returns the bid store length.
func (n *Node) BidCount() (uint64, error) {
	var count uint64
	err := n.query(func(manager *nnsstate.Manager) error {
		var err error
		count, err = manager.BidCount()
		return err
	})
	return count, err
}

// Borrower returns the bid ids created by addr. The boolean is false when
// the account never offered a bid.
func (n *Node) Borrower(addr [20]byte) ([]uint64, bool, error) {
	var (
		ids []uint64
		ok  bool
	)
	err := n.query(func(manager *nnsstate.Manager) error {
		borrower, found, err := n.newBiddingEngine(manager, events.NoopEmitter{}).Borrower(addr)
		if err != nil || !found {
			return err
		}
		ids, ok = borrower.Bids, true
		return nil
	})
	return ids, ok, err
}

// Subject returns the bid ids referencing srcNFTID.
func (n *Node) Subject(srcNFTID string) ([]uint64, bool, error) {
	var (
		ids []uint64
		ok  bool
	)
	err := n.query(func(manager *nnsstate.Manager) error {
		subject, found, err := n.newBiddingEngine(manager, events.NoopEmitter{}).Subject(srcNFTID)
		if err != nil || !found {
			return err
		}
		ids, ok = subject.Bids, true
		return nil
	})
	return ids, ok, err
}

// RoleMembers returns the accounts holding role in committed state.
func (n *Node) RoleMembers(role string) ([][20]byte, error) {
	var out [][20]byte
	err := n.query(func(manager *nnsstate.Manager) error {
		members, err := manager.RoleMembers(role)
		if err != nil {
			return err
		}
		out = make([][20]byte, 0, len(members))
		for _, member := range members {
			if len(member) != 20 {
				return fmt.Errorf("role %q: malformed member %x", role, member)
			}
			var addr [20]byte
			copy(addr[:], member)
			out = append(out, addr)
		}
		return nil
	})
	return out, err
}

// Token returns a minted token.
func (n *Node) Token(id string) (*nft.Token, error) {
	var token *nft.Token
	err := n.query(func(manager *nnsstate.Manager) error {
		var err error
		token, err = n.newMinter(manager, events.NoopEmitter{}).Token(id)
		return err
	})
	return token, err
}

// TokensOf returns the tokens owned by owner in mint order.
func (n *Node) TokensOf(owner [20]byte) ([]*nft.Token, error) {
	var tokens []*nft.Token
	err := n.query(func(manager *nnsstate.Manager) error {
		var err error
		tokens, err = n.newMinter(manager, events.NoopEmitter{}).TokensOf(owner)
		return err
	})
	return tokens, err
}

// Balance returns the native balance held by addr.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.query(func(manager *nnsstate.Manager) error {
		account, err := manager.GetAccount(addr[:])
		if err != nil {
			return err
		}
		balance = account.Balance
		return nil
	})
	return balance, err
}

// Settlement returns the archived settlement for a bid.
func (n *Node) Settlement(bidID uint64) (*journal.Record, error) {
	if n.journal == nil {
		return nil, journal.ErrNotFound
	}
	return n.journal.Get(bidID)
}

// RecentSettlements returns up to limit archived settlements, newest first.
func (n *Node) RecentSettlements(limit int) ([]journal.Record, error) {
	if n.journal == nil {
		return []journal.Record{}, nil
	}
	return n.journal.Recent(limit)
}

// Events returns committed events, oldest first. A non-empty eventType
// filters by type; limit keeps only the newest entries when positive.
func (n *Node) Events(eventType string, limit int) ([]types.Event, error) {
	if n.journal != nil {
		return n.journal.Events(eventType, limit)
	}
	all := n.recent.Events()
	filter := strings.TrimSpace(eventType)
	out := make([]types.Event, 0, len(all))
	for _, evt := range all {
		if filter != "" && evt.Type != filter {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
