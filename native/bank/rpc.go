package bank

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"proofpay/native/escrow"
)

const (
	methodTransfer = "ledger_transfer"
	methodBalance  = "ledger_balance"

	codeInvalidParams     = -32602
	codeMethodNotFound    = -32601
	codeParseError        = -32700
	codeInsufficientFunds = -32010
	codeInternal          = -32000
)

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int64           `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *jsonRPCErrorObj `json:"error,omitempty"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type transferParams struct {
	Asset  string         `json:"asset"`
	From   escrow.Address `json:"from"`
	To     escrow.Address `json:"to"`
	Amount string         `json:"amount"`
}

type balanceParams struct {
	Asset  string         `json:"asset"`
	Holder escrow.Address `json:"holder"`
}

type balanceResult struct {
	Balance string `json:"balance"`
}

// RemoteLedger implements escrow.Custody against a ledger JSON-RPC endpoint.
type RemoteLedger struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRemoteLedger returns a client for the ledger served at baseURL.
func NewRemoteLedger(baseURL, authToken string) *RemoteLedger {
	return &RemoteLedger{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetTimeout bounds each ledger call. Non-positive values are ignored.
func (c *RemoteLedger) SetTimeout(d time.Duration) {
	if d > 0 {
		c.http.Timeout = d
	}
}

func (c *RemoteLedger) Transfer(ctx context.Context, asset escrow.AssetID, from, to escrow.Address, amount *big.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	params := transferParams{Asset: string(asset), From: from, To: to, Amount: amount.String()}
	return c.call(ctx, methodTransfer, params, nil)
}

func (c *RemoteLedger) Balance(ctx context.Context, asset escrow.AssetID, holder escrow.Address) (*big.Int, error) {
	var result balanceResult
	if err := c.call(ctx, methodBalance, balanceParams{Asset: string(asset), Holder: holder}, &result); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(result.Balance, 10)
	if !ok || balance.Sign() < 0 {
		return nil, fmt.Errorf("bank: ledger returned invalid balance %q", result.Balance)
	}
	return balance, nil
}

func (c *RemoteLedger) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: rawParams, ID: c.nextID.Add(1)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == codeInsufficientFunds {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("ledger rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger rpc %s: empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// RPCHandler serves a Ledger over the JSON-RPC methods RemoteLedger calls.
type RPCHandler struct {
	ledger    *Ledger
	authToken string
}

// ErrMissingToken is returned when the ledger would be served without a
// bearer token.
var ErrMissingToken = errors.New("bank: ledger rpc requires an auth token")

// NewRPCHandler exposes ledger. Every request must carry authToken as a
// bearer token.
func NewRPCHandler(ledger *Ledger, authToken string) (*RPCHandler, error) {
	if ledger == nil {
		return nil, errors.New("bank: nil ledger")
	}
	authToken = strings.TrimSpace(authToken)
	if authToken == "" {
		return nil, ErrMissingToken
	}
	return &RPCHandler{ledger: ledger, authToken: authToken}, nil
}

func (h *RPCHandler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.authToken)) == 1
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPC(w, 0, nil, &jsonRPCErrorObj{Code: codeParseError, Message: "invalid request body"})
		return
	}
	result, rpcErr := h.dispatch(r.Context(), req)
	writeRPC(w, req.ID, result, rpcErr)
}

func (h *RPCHandler) dispatch(ctx context.Context, req jsonRPCRequest) (interface{}, *jsonRPCErrorObj) {
	switch req.Method {
	case methodTransfer:
		var params transferParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonRPCErrorObj{Code: codeInvalidParams, Message: err.Error()}
		}
		amount, ok := new(big.Int).SetString(params.Amount, 10)
		if !ok {
			return nil, &jsonRPCErrorObj{Code: codeInvalidParams, Message: "amount must be a base-10 integer"}
		}
		if err := h.ledger.Transfer(ctx, escrow.AssetID(params.Asset), params.From, params.To, amount); err != nil {
			return nil, ledgerError(err)
		}
		return map[string]bool{"ok": true}, nil
	case methodBalance:
		var params balanceParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonRPCErrorObj{Code: codeInvalidParams, Message: err.Error()}
		}
		balance, err := h.ledger.Balance(ctx, escrow.AssetID(params.Asset), params.Holder)
		if err != nil {
			return nil, ledgerError(err)
		}
		return balanceResult{Balance: balance.String()}, nil
	default:
		return nil, &jsonRPCErrorObj{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func ledgerError(err error) *jsonRPCErrorObj {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return &jsonRPCErrorObj{Code: codeInsufficientFunds, Message: err.Error()}
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrOverflow):
		return &jsonRPCErrorObj{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &jsonRPCErrorObj{Code: codeInternal, Message: err.Error()}
	}
}

func writeRPC(w http.ResponseWriter, id int64, result interface{}, rpcErr *jsonRPCErrorObj) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			resp.Error = &jsonRPCErrorObj{Code: codeInternal, Message: err.Error()}
		} else {
			resp.Result = encoded
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
