package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"nnschain/core/types"
	"nnschain/crypto"
	"nnschain/native/bidding"
	nativecommon "nnschain/native/common"
	"nnschain/native/nft"
	"nnschain/storage/journal"
)

const (
	defaultEventLimit = 100
	maxListLimit      = 1000
)

type bidOfferParams struct {
	Caller      string `json:"caller"`
	SrcNFTID    string `json:"srcNftId"`
	Amount      string `json:"amount"`
	Lasts       uint64 `json:"lasts"`
	StartAt     uint64 `json:"startAt"`
	OriginOwner string `json:"originOwner"`
	Deposit     string `json:"deposit"`
}

type bidActorParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type bidClaimParams struct {
	Caller  string `json:"caller"`
	ID      uint64 `json:"id"`
	Payment string `json:"payment"`
}

type bidIDParams struct {
	ID uint64 `json:"id"`
}

type bidAddressParams struct {
	Address string `json:"address"`
}

type bidSubjectParams struct {
	SrcNFTID string `json:"srcNftId"`
}

type listParams struct {
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type bidOfferResult struct {
	ID uint64 `json:"id"`
}

type bidJSON struct {
	ID          uint64 `json:"id"`
	SrcNFTID    string `json:"srcNftId"`
	Amount      string `json:"amount"`
	Lasts       uint64 `json:"lasts"`
	StartAt     uint64 `json:"startAt"`
	OriginOwner string `json:"originOwner"`
	Borrower    string `json:"borrower"`
	State       string `json:"state"`
	CreatedAt   int64  `json:"createdAt"`
}

type bidIndexJSON struct {
	Key  string   `json:"key"`
	Bids []uint64 `json:"bids"`
}

type transferJSON struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

type settlementJSON struct {
	BidID       uint64         `json:"bidId"`
	Token       *tokenJSON     `json:"token"`
	Paid        string         `json:"paid"`
	OwnerPayout string         `json:"ownerPayout"`
	Refund      string         `json:"refund"`
	Transfers   []transferJSON `json:"transfers"`
}

type settlementRecordJSON struct {
	BidID       uint64 `json:"bidId"`
	TokenID     string `json:"tokenId"`
	Claimer     string `json:"claimer"`
	OriginOwner string `json:"originOwner"`
	Paid        string `json:"paid"`
	OwnerPayout string `json:"ownerPayout"`
	Refund      string `json:"refund"`
	SettledAt   int64  `json:"settledAt"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func decodeSingleParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func (s *Server) handleBidOffer(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params bidOfferParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("caller: %v", err))
	}
	owner, err := parseBech32Address(params.OriginOwner)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("originOwner: %v", err))
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("amount: %v", err))
	}
	deposit, err := parseOptionalAmount(params.Deposit)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("deposit: %v", err))
	}
	id, err := s.node.OfferBid(caller, &bidding.BidInfo{
		SrcNFTID:    params.SrcNFTID,
		Amount:      amount,
		Lasts:       params.Lasts,
		StartAt:     params.StartAt,
		OriginOwner: owner,
	}, deposit)
	if err != nil {
		return nil, biddingError(err)
	}
	return bidOfferResult{ID: id}, nil
}

func (s *Server) handleBidApprove(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params bidActorParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("caller: %v", err))
	}
	if err := s.node.ApproveBid(caller, params.ID); err != nil {
		return nil, biddingError(err)
	}
	bid, err := s.node.Bid(params.ID)
	if err != nil {
		return nil, biddingError(err)
	}
	return formatBidJSON(bid), nil
}

func (s *Server) handleBidClaim(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params bidClaimParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("caller: %v", err))
	}
	payment, err := parseOptionalAmount(params.Payment)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("payment: %v", err))
	}
	settlement, err := s.node.ClaimNFT(caller, params.ID, payment)
	if err != nil {
		return nil, biddingError(err)
	}
	return formatSettlementJSON(settlement), nil
}

func (s *Server) handleBidGet(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params bidIDParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	bid, err := s.node.Bid(params.ID)
	if err != nil {
		return nil, biddingError(err)
	}
	return formatBidJSON(bid), nil
}

func (s *Server) handleBidBorrower(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params bidAddressParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("address: %v", err))
	}
	ids, ok, err := s.node.Borrower(addr)
	if err != nil {
		return nil, biddingError(err)
	}
	if !ok {
		return nil, newError(http.StatusNotFound, codeNotFound, "not_found", "borrower has no bids")
	}
	return bidIndexJSON{Key: crypto.FormatAccount(addr), Bids: ids}, nil
}

func (s *Server) handleBidSubject(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params bidSubjectParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	subject := bidding.NormalizeSubjectID(params.SrcNFTID)
	if subject == "" {
		return nil, invalidParams("srcNftId required")
	}
	ids, ok, err := s.node.Subject(subject)
	if err != nil {
		return nil, biddingError(err)
	}
	if !ok {
		return nil, newError(http.StatusNotFound, codeNotFound, "not_found", "subject has no bids")
	}
	return bidIndexJSON{Key: subject, Bids: ids}, nil
}

func (s *Server) handleBidSettlement(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params bidIDParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	record, err := s.node.Settlement(params.ID)
	if err != nil {
		return nil, biddingError(err)
	}
	return formatSettlementRecordJSON(record), nil
}

func (s *Server) handleBidRecentSettlements(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	params, rpcErr := decodeListParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	records, err := s.node.RecentSettlements(params.Limit)
	if err != nil {
		return nil, biddingError(err)
	}
	out := make([]settlementRecordJSON, 0, len(records))
	for i := range records {
		out = append(out, formatSettlementRecordJSON(&records[i]))
	}
	return out, nil
}

func (s *Server) handleBidListEvents(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	params, rpcErr := decodeListParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	evts, err := s.node.Events(params.Type, params.Limit)
	if err != nil {
		return nil, biddingError(err)
	}
	out := make([]eventJSON, 0, len(evts))
	for _, evt := range evts {
		out = append(out, formatEventJSON(evt))
	}
	return out, nil
}

func decodeListParams(req *RPCRequest) (listParams, *RPCError) {
	params := listParams{Limit: defaultEventLimit}
	if len(req.Params) > 1 {
		return params, invalidParams("at most one parameter object expected")
	}
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			return params, invalidParams(err.Error())
		}
	}
	if params.Limit <= 0 {
		params.Limit = defaultEventLimit
	}
	if params.Limit > maxListLimit {
		params.Limit = maxListLimit
	}
	params.Type = strings.TrimSpace(params.Type)
	return params, nil
}

func biddingError(err error) *RPCError {
	data := err.Error()
	switch {
	case errors.Is(err, bidding.ErrInvalidDeposit):
		return newError(http.StatusBadRequest, codeInvalidDeposit, "invalid_deposit", data)
	case errors.Is(err, bidding.ErrBidNotFound), errors.Is(err, nft.ErrTokenNotFound), errors.Is(err, journal.ErrNotFound):
		return newError(http.StatusNotFound, codeNotFound, "not_found", data)
	case errors.Is(err, bidding.ErrInvalidBidState):
		return newError(http.StatusConflict, codeInvalidState, "invalid_state", data)
	case errors.Is(err, bidding.ErrInsufficientAmount):
		return newError(http.StatusBadRequest, codeInsufficientAmount, "insufficient_amount", data)
	case errors.Is(err, bidding.ErrUnauthorized):
		return newError(http.StatusForbidden, codeForbidden, "forbidden", data)
	case errors.Is(err, bidding.ErrInsufficientBalance):
		return newError(http.StatusBadRequest, codeInsufficientBalance, "insufficient_balance", data)
	case errors.Is(err, nativecommon.ErrModulePaused):
		return newError(http.StatusServiceUnavailable, codeModulePaused, "module_paused", data)
	case errors.Is(err, bidding.ErrInvalidBid):
		return invalidParams(data)
	default:
		return newError(http.StatusInternalServerError, codeServerError, "internal_error", data)
	}
}

func formatBidJSON(bid *bidding.Bid) bidJSON {
	return bidJSON{
		ID:          bid.ID,
		SrcNFTID:    bid.SrcNFTID,
		Amount:      amountString(bid.Amount),
		Lasts:       bid.Lasts,
		StartAt:     bid.StartAt,
		OriginOwner: crypto.FormatAccount(bid.OriginOwner),
		Borrower:    crypto.FormatAccount(bid.Borrower),
		State:       bid.State.String(),
		CreatedAt:   bid.CreatedAt,
	}
}

func formatSettlementJSON(s *bidding.Settlement) settlementJSON {
	out := settlementJSON{
		BidID:       s.BidID,
		Token:       formatTokenJSON(s.Token),
		Paid:        amountString(s.Paid),
		OwnerPayout: amountString(s.OwnerPayout),
		Refund:      amountString(s.Refund),
		Transfers:   make([]transferJSON, 0, len(s.Transfers)),
	}
	for _, t := range s.Transfers {
		out.Transfers = append(out.Transfers, transferJSON{
			From:   crypto.FormatAccount(t.From),
			To:     crypto.FormatAccount(t.To),
			Amount: amountString(t.Amount),
			Reason: t.Reason,
		})
	}
	return out
}

func formatSettlementRecordJSON(rec *journal.Record) settlementRecordJSON {
	return settlementRecordJSON{
		BidID:       rec.BidID,
		TokenID:     rec.TokenID,
		Claimer:     crypto.FormatAccount(rec.Claimer),
		OriginOwner: crypto.FormatAccount(rec.OriginOwner),
		Paid:        amountString(rec.Paid),
		OwnerPayout: amountString(rec.OwnerPayout),
		Refund:      amountString(rec.Refund),
		SettledAt:   rec.SettledAt.Unix(),
	}
}

func formatEventJSON(evt types.Event) eventJSON {
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return eventJSON{Type: evt.Type, Attributes: attrs}
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.ParseAccount(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	amount, err := parseOptionalAmount(value)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		return nil, fmt.Errorf("amount required")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// parseOptionalAmount parses a non-negative decimal wei string. An empty
// value yields nil.
func parseOptionalAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
