package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"nnschain/crypto"
	"nnschain/native/nft"
)

type nftGetParams struct {
	TokenID string `json:"tokenId"`
}

type nftOwnerParams struct {
	Owner string `json:"owner"`
}

type tokenJSON struct {
	TokenID     string `json:"tokenId"`
	Owner       string `json:"owner"`
	Title       string `json:"title"`
	Description string `json:"description"`
	IssuedAt    uint64 `json:"issuedAt"`
	StartsAt    uint64 `json:"startsAt"`
	ExpiresAt   uint64 `json:"expiresAt"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleNFTGet(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params nftGetParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if _, err := nft.ParseTokenID(params.TokenID); err != nil {
		return nil, invalidParams(err.Error())
	}
	token, err := s.node.Token(params.TokenID)
	if err != nil {
		return nil, biddingError(err)
	}
	return formatTokenJSON(token), nil
}

func (s *Server) handleNFTTokensOf(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params nftOwnerParams
	if rpcErr := decodeSingleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		return nil, invalidParams(fmt.Sprintf("owner: %v", err))
	}
	tokens, err := s.node.TokensOf(owner)
	if err != nil {
		return nil, biddingError(err)
	}
	out := make([]*tokenJSON, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, formatTokenJSON(token))
	}
	return out, nil
}

func (s *Server) handleGetBalance(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if len(req.Params) == 0 {
		return nil, newError(http.StatusBadRequest, codeInvalidParams, "address parameter required", nil)
	}
	var addrStr string
	if err := json.Unmarshal(req.Params[0], &addrStr); err != nil {
		return nil, newError(http.StatusBadRequest, codeInvalidParams, "invalid address parameter", err.Error())
	}
	addr, err := parseBech32Address(addrStr)
	if err != nil {
		return nil, newError(http.StatusBadRequest, codeInvalidParams, "failed to decode address", err.Error())
	}
	balance, err := s.node.Balance(addr)
	if err != nil {
		return nil, newError(http.StatusInternalServerError, codeServerError, "failed to load account", err.Error())
	}
	return balanceResult{Address: crypto.FormatAccount(addr), Balance: amountString(balance)}, nil
}

func formatTokenJSON(token *nft.Token) *tokenJSON {
	if token == nil {
		return nil
	}
	return &tokenJSON{
		TokenID:     token.TokenID,
		Owner:       crypto.FormatAccount(token.Owner),
		Title:       token.Metadata.Title,
		Description: token.Metadata.Description,
		IssuedAt:    token.Metadata.IssuedAt,
		StartsAt:    token.Metadata.StartsAt,
		ExpiresAt:   token.Metadata.ExpiresAt,
	}
}
