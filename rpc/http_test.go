package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nnschain/core"
	"nnschain/core/genesis"
	"nnschain/crypto"
	"nnschain/native/bidding"
	nativecommon "nnschain/native/common"
	"nnschain/native/nft"
	"nnschain/storage"
	"nnschain/storage/journal"
)

const testAuthToken = "rpc-test-token"

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

func testAddr(b byte) [20]byte {
	var out [20]byte
	out[0] = b
	out[19] = 0x5a
	return out
}

type testResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func newTestNode(t *testing.T, allocs map[[20]byte]*big.Int) *core.Node {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	j, err := journal.OpenMemory()
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	node, err := core.NewNode(db, j)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	node.SetNowFunc(func() time.Time { return time.Unix(1_700_000_200, 0) })
	spec := &genesis.Spec{Alloc: map[string]string{}}
	for addr, amount := range allocs {
		spec.Alloc[crypto.FormatAccount(addr)] = amount.String()
	}
	if _, err := node.ApplyGenesis(spec); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	return node
}

func newTestServer(t *testing.T, node *core.Node, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.AuthToken == "" {
		cfg.AuthToken = testAuthToken
	}
	return NewServer(node, cfg)
}

func doCall(t *testing.T, handler http.Handler, token, method string, params ...interface{}) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = append(raw, encoded)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var resp testResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func mustResult(t *testing.T, rec *httptest.ResponseRecorder, resp testResponse, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func requireRPCError(t *testing.T, rec *httptest.ResponseRecorder, resp testResponse, status, code int) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected rpc error %d, got result %s", code, string(resp.Result))
	}
	if resp.Error.Code != code {
		t.Fatalf("unexpected error code: got %d want %d (%s)", resp.Error.Code, code, resp.Error.Message)
	}
	if rec.Code != status {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, status)
	}
}

func offerParams(caller, owner [20]byte, amount *big.Int) bidOfferParams {
	return bidOfferParams{
		Caller:      crypto.FormatAccount(caller),
		SrcNFTID:    "asset-7",
		Amount:      amount.String(),
		Lasts:       3600,
		StartAt:     1_700_000_000,
		OriginOwner: crypto.FormatAccount(owner),
		Deposit:     bidding.EndorsementDeposit().String(),
	}
}

func TestBidFlowOverRPC(t *testing.T) {
	borrower := testAddr(0x01)
	owner := testAddr(0x02)
	node := newTestNode(t, map[[20]byte]*big.Int{borrower: units(10)})
	handler := newTestServer(t, node, ServerConfig{}).Handler()

	var offered bidOfferResult
	rec, resp := doCall(t, handler, testAuthToken, "bid_offer", offerParams(borrower, owner, units(5)))
	mustResult(t, rec, resp, &offered)
	if offered.ID != 0 {
		t.Fatalf("unexpected bid id %d", offered.ID)
	}

	var pending bidJSON
	rec, resp = doCall(t, handler, "", "bid_get", bidIDParams{ID: 0})
	mustResult(t, rec, resp, &pending)
	if pending.State != bidding.BidPending.String() {
		t.Fatalf("unexpected state %q", pending.State)
	}
	if pending.Borrower != crypto.FormatAccount(borrower) || pending.Amount != units(5).String() {
		t.Fatalf("unexpected bid: %+v", pending)
	}

	var approved bidJSON
	rec, resp = doCall(t, handler, testAuthToken, "bid_approve", bidActorParams{Caller: crypto.FormatAccount(owner), ID: 0})
	mustResult(t, rec, resp, &approved)
	if approved.State != bidding.BidApproved.String() {
		t.Fatalf("unexpected state after approve %q", approved.State)
	}

	var settled settlementJSON
	rec, resp = doCall(t, handler, testAuthToken, "bid_claim", bidClaimParams{
		Caller:  crypto.FormatAccount(borrower),
		ID:      0,
		Payment: units(7).String(),
	})
	mustResult(t, rec, resp, &settled)
	if settled.Token == nil || settled.Token.TokenID != "0" {
		t.Fatalf("unexpected token: %+v", settled.Token)
	}
	if settled.Token.Owner != crypto.FormatAccount(borrower) || settled.Token.Description != "asset-7" {
		t.Fatalf("unexpected token fields: %+v", settled.Token)
	}
	if settled.OwnerPayout != units(5).String() || settled.Refund != units(3).String() {
		t.Fatalf("unexpected amounts: payout %s refund %s", settled.OwnerPayout, settled.Refund)
	}
	if len(settled.Transfers) == 0 {
		t.Fatalf("expected transfer records")
	}

	var balance balanceResult
	rec, resp = doCall(t, handler, "", "account_getBalance", crypto.FormatAccount(owner))
	mustResult(t, rec, resp, &balance)
	if balance.Balance != units(5).String() {
		t.Fatalf("unexpected owner balance %s", balance.Balance)
	}
	rec, resp = doCall(t, handler, "", "account_getBalance", crypto.FormatAccount(borrower))
	mustResult(t, rec, resp, &balance)
	if balance.Balance != units(5).String() {
		t.Fatalf("unexpected borrower balance %s", balance.Balance)
	}

	var token tokenJSON
	rec, resp = doCall(t, handler, "", "nft_get", nftGetParams{TokenID: "0"})
	mustResult(t, rec, resp, &token)
	if token.ExpiresAt-token.StartsAt != uint64(3600*time.Second) {
		t.Fatalf("unexpected validity window: %+v", token)
	}

	var owned []tokenJSON
	rec, resp = doCall(t, handler, "", "nft_tokensOf", nftOwnerParams{Owner: crypto.FormatAccount(borrower)})
	mustResult(t, rec, resp, &owned)
	if len(owned) != 1 || owned[0].TokenID != "0" {
		t.Fatalf("unexpected owned tokens: %+v", owned)
	}

	var borrowed bidIndexJSON
	rec, resp = doCall(t, handler, "", "bid_borrower", bidAddressParams{Address: crypto.FormatAccount(borrower)})
	mustResult(t, rec, resp, &borrowed)
	if len(borrowed.Bids) != 1 || borrowed.Bids[0] != 0 {
		t.Fatalf("unexpected borrower index: %+v", borrowed)
	}

	var subject bidIndexJSON
	rec, resp = doCall(t, handler, "", "bid_subject", bidSubjectParams{SrcNFTID: "asset-7"})
	mustResult(t, rec, resp, &subject)
	if len(subject.Bids) != 1 {
		t.Fatalf("unexpected subject index: %+v", subject)
	}

	var record settlementRecordJSON
	rec, resp = doCall(t, handler, "", "bid_settlement", bidIDParams{ID: 0})
	mustResult(t, rec, resp, &record)
	if record.TokenID != "0" || record.Claimer != crypto.FormatAccount(borrower) || record.Paid != units(7).String() {
		t.Fatalf("unexpected settlement record: %+v", record)
	}

	var recent []settlementRecordJSON
	rec, resp = doCall(t, handler, "", "bid_recentSettlements")
	mustResult(t, rec, resp, &recent)
	if len(recent) != 1 || recent[0].BidID != 0 {
		t.Fatalf("unexpected recent settlements: %+v", recent)
	}

	var claimed []eventJSON
	rec, resp = doCall(t, handler, "", "bid_listEvents", listParams{Type: bidding.EventTypeBidClaimed})
	mustResult(t, rec, resp, &claimed)
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed event, got %d", len(claimed))
	}
	var all []eventJSON
	rec, resp = doCall(t, handler, "", "bid_listEvents")
	mustResult(t, rec, resp, &all)
	if len(all) != 4 {
		t.Fatalf("expected four events, got %d", len(all))
	}
	if all[2].Type != nft.EventTypeMinted {
		t.Fatalf("unexpected event order: %+v", all)
	}

	rec, resp = doCall(t, handler, testAuthToken, "bid_claim", bidClaimParams{
		Caller:  crypto.FormatAccount(borrower),
		ID:      0,
		Payment: units(5).String(),
	})
	requireRPCError(t, rec, resp, http.StatusConflict, codeInvalidState)
}

func TestMutatingMethodsRequireAuth(t *testing.T) {
	borrower := testAddr(0x01)
	owner := testAddr(0x02)
	node := newTestNode(t, map[[20]byte]*big.Int{borrower: units(10)})
	handler := newTestServer(t, node, ServerConfig{}).Handler()

	rec, resp := doCall(t, handler, "", "bid_offer", offerParams(borrower, owner, units(5)))
	requireRPCError(t, rec, resp, http.StatusUnauthorized, codeUnauthorized)

	rec, resp = doCall(t, handler, "wrong-token", "bid_offer", offerParams(borrower, owner, units(5)))
	requireRPCError(t, rec, resp, http.StatusUnauthorized, codeUnauthorized)

	count, err := node.BidCount()
	if err != nil {
		t.Fatalf("bid count: %v", err)
	}
	if count != 0 {
		t.Fatalf("unauthorised offer mutated state: count %d", count)
	}

	unconfigured := NewServer(node, ServerConfig{}).Handler()
	rec, resp = doCall(t, unconfigured, testAuthToken, "bid_offer", offerParams(borrower, owner, units(5)))
	requireRPCError(t, rec, resp, http.StatusUnauthorized, codeUnauthorized)
}

func TestRPCErrorCodes(t *testing.T) {
	borrower := testAddr(0x01)
	owner := testAddr(0x02)
	stranger := testAddr(0x03)
	node := newTestNode(t, map[[20]byte]*big.Int{borrower: units(10)})
	handler := newTestServer(t, node, ServerConfig{}).Handler()

	badDeposit := offerParams(borrower, owner, units(5))
	badDeposit.Deposit = units(2).String()
	rec, resp := doCall(t, handler, testAuthToken, "bid_offer", badDeposit)
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeInvalidDeposit)

	badCaller := offerParams(borrower, owner, units(5))
	badCaller.Caller = "not-an-address"
	rec, resp = doCall(t, handler, testAuthToken, "bid_offer", badCaller)
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeInvalidParams)

	poor := offerParams(stranger, owner, units(5))
	rec, resp = doCall(t, handler, testAuthToken, "bid_offer", poor)
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeInsufficientBalance)

	rec, resp = doCall(t, handler, "", "bid_get", bidIDParams{ID: 99})
	requireRPCError(t, rec, resp, http.StatusNotFound, codeNotFound)

	rec, resp = doCall(t, handler, testAuthToken, "bid_offer", offerParams(borrower, owner, units(5)))
	mustResult(t, rec, resp, nil)

	rec, resp = doCall(t, handler, testAuthToken, "bid_approve", bidActorParams{Caller: crypto.FormatAccount(stranger), ID: 0})
	requireRPCError(t, rec, resp, http.StatusForbidden, codeForbidden)

	rec, resp = doCall(t, handler, testAuthToken, "bid_claim", bidClaimParams{Caller: crypto.FormatAccount(borrower), ID: 0, Payment: units(5).String()})
	requireRPCError(t, rec, resp, http.StatusConflict, codeInvalidState)

	rec, resp = doCall(t, handler, testAuthToken, "bid_approve", bidActorParams{Caller: crypto.FormatAccount(owner), ID: 0})
	mustResult(t, rec, resp, nil)

	rec, resp = doCall(t, handler, testAuthToken, "bid_claim", bidClaimParams{Caller: crypto.FormatAccount(borrower), ID: 0, Payment: units(4).String()})
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeInsufficientAmount)

	rec, resp = doCall(t, handler, "", "bid_settlement", bidIDParams{ID: 0})
	requireRPCError(t, rec, resp, http.StatusNotFound, codeNotFound)

	rec, resp = doCall(t, handler, "", "nft_get", nftGetParams{TokenID: "0"})
	requireRPCError(t, rec, resp, http.StatusNotFound, codeNotFound)

	rec, resp = doCall(t, handler, "", "bid_subject", bidSubjectParams{SrcNFTID: "unknown"})
	requireRPCError(t, rec, resp, http.StatusNotFound, codeNotFound)

	rec, resp = doCall(t, handler, "", "bid_get")
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeInvalidParams)

	rec, resp = doCall(t, handler, "", "bid_unknown")
	requireRPCError(t, rec, resp, http.StatusNotFound, codeMethodNotFound)
}

func TestPausedModuleMapsToUnavailable(t *testing.T) {
	borrower := testAddr(0x01)
	owner := testAddr(0x02)
	node := newTestNode(t, map[[20]byte]*big.Int{borrower: units(10)})
	node.SetPauses(nativecommon.Pauses{bidding.ModuleName: true})
	handler := newTestServer(t, node, ServerConfig{}).Handler()

	rec, resp := doCall(t, handler, testAuthToken, "bid_offer", offerParams(borrower, owner, units(5)))
	requireRPCError(t, rec, resp, http.StatusServiceUnavailable, codeModulePaused)
}

func TestBiddingErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		code   int
		status int
	}{
		{bidding.ErrInvalidDeposit, codeInvalidDeposit, http.StatusBadRequest},
		{fmt.Errorf("load: %w", bidding.ErrBidNotFound), codeNotFound, http.StatusNotFound},
		{nft.ErrTokenNotFound, codeNotFound, http.StatusNotFound},
		{journal.ErrNotFound, codeNotFound, http.StatusNotFound},
		{bidding.ErrInvalidBidState, codeInvalidState, http.StatusConflict},
		{bidding.ErrInsufficientAmount, codeInsufficientAmount, http.StatusBadRequest},
		{bidding.ErrUnauthorized, codeForbidden, http.StatusForbidden},
		{bidding.ErrInsufficientBalance, codeInsufficientBalance, http.StatusBadRequest},
		{nativecommon.ErrModulePaused, codeModulePaused, http.StatusServiceUnavailable},
		{bidding.ErrInvalidBid, codeInvalidParams, http.StatusBadRequest},
		{errors.New("disk on fire"), codeServerError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got := biddingError(tc.err)
		if got.Code != tc.code || got.Status != tc.status {
			t.Fatalf("%v: got code %d status %d want %d %d", tc.err, got.Code, got.Status, tc.code, tc.status)
		}
	}
}

func TestRateLimitPerSource(t *testing.T) {
	node := newTestNode(t, nil)
	srv := newTestServer(t, node, ServerConfig{RequestsPerMinute: 60, Burst: 1})
	fixed := time.Unix(1_700_000_000, 0)
	srv.limiter.clockNow = func() time.Time { return fixed }
	handler := srv.Handler()

	rec, resp := doCall(t, handler, "", "bid_listEvents")
	mustResult(t, rec, resp, nil)

	rec, resp = doCall(t, handler, "", "bid_listEvents")
	requireRPCError(t, rec, resp, http.StatusTooManyRequests, codeRateLimited)

	fixed = fixed.Add(2 * time.Second)
	rec, resp = doCall(t, handler, "", "bid_listEvents")
	mustResult(t, rec, resp, nil)
}

func TestHealthzAndRequestID(t *testing.T) {
	node := newTestNode(t, nil)
	handler := newTestServer(t, node, ServerConfig{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response: %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected generated request id")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "trace-me")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(headerRequestID); got != "trace-me" {
		t.Fatalf("request id not propagated: %q", got)
	}
}

func TestMalformedRequests(t *testing.T) {
	node := newTestNode(t, nil)
	handler := newTestServer(t, node, ServerConfig{}).Handler()

	cases := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"empty", "", http.StatusBadRequest, codeInvalidRequest},
		{"garbage", "{not json", http.StatusBadRequest, codeParseError},
		{"version", `{"jsonrpc":"1.0","method":"bid_get","id":1}`, http.StatusBadRequest, codeInvalidRequest},
		{"no method", `{"jsonrpc":"2.0","id":1}`, http.StatusBadRequest, codeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			var resp testResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			requireRPCError(t, rec, resp, tc.status, tc.code)
		})
	}
}

func TestClientSourceProxyHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	untrusted := &Server{cfg: ServerConfig{}}
	if got := untrusted.clientSource(req); got != "10.0.0.5" {
		t.Fatalf("unexpected source without proxy trust: %q", got)
	}
	trusted := &Server{cfg: ServerConfig{TrustProxyHeaders: true}}
	if got := trusted.clientSource(req); got != "203.0.113.9" {
		t.Fatalf("unexpected source with proxy trust: %q", got)
	}
}

func TestParseOptionalAmount(t *testing.T) {
	if v, err := parseOptionalAmount(" "); err != nil || v != nil {
		t.Fatalf("expected nil amount for blank input, got %v %v", v, err)
	}
	if _, err := parseOptionalAmount("-1"); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := parseOptionalAmount("1.5"); err == nil {
		t.Fatalf("expected error for fractional amount")
	}
	if _, err := parsePositiveBigInt("0"); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	v, err := parsePositiveBigInt("1000000000000000000")
	if err != nil || v.Cmp(unit) != 0 {
		t.Fatalf("unexpected parse result %v %v", v, err)
	}
}
