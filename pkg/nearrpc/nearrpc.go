// Package nearrpc is a minimal NEAR JSON-RPC client covering the handful of
// view queries the rest of this module needs: access-key lookups (TEE
// registration), account/fungible-token balances and NFT ownership (access
// conditions), and the current block height (health's chain-tip check). It
// is grounded on original_source/tee-auth/src/lib.rs's
// check_access_key_on_contract (the "query"/"view_access_key" RPC shape) and
// original_source/keystore-worker/src/types.rs's NearClient usage
// (get_account_balance, get_ft_balance) — both of which talk to the same
// plain JSON-RPC endpoint, so one client covers all of it.
package nearrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// Client is a read-only NEAR RPC client. It holds no signing key — every
// call here is a view query.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// NewClient builds a Client against a NEAR RPC endpoint (e.g.
// https://rpc.mainnet.near.org).
func NewClient(rpcURL string) *Client {
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Name  string          `json:"name"`
	Cause rpcErrorCause   `json:"cause"`
	Data  json.RawMessage `json:"data"`
}

type rpcErrorCause struct {
	Name string `json:"name"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "near-outlayer", Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nearrpc: request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("nearrpc: decoding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &RPCError{Cause: parsed.Error.Cause.Name, Raw: string(parsed.Error.Data)}
	}
	return parsed.Result, nil
}

// RPCError carries the structured error cause NEAR RPC returns (e.g.
// "UNKNOWN_ACCESS_KEY", "UNKNOWN_ACCOUNT"), so callers can distinguish
// "doesn't exist" from a transport/server failure without string matching.
type RPCError struct {
	Cause string
	Raw   string
}

func (e *RPCError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("nearrpc: %s", e.Cause)
	}
	return fmt.Sprintf("nearrpc: %s", e.Raw)
}

type viewAccessKeyResult struct {
	Permission json.RawMessage `json:"permission"`
}

// HasAccessKey implements teeauth.AccessKeyChecker: it reports whether
// nearFormattedKey ("ed25519:<base58>") is a registered access key on
// accountID. An UNKNOWN_ACCESS_KEY / UNKNOWN_ACCOUNT cause means "no", not
// an error.
func (c *Client) HasAccessKey(ctx context.Context, accountID, nearFormattedKey string) (bool, error) {
	result, err := c.call(ctx, "query", map[string]any{
		"request_type": "view_access_key",
		"finality":     "optimistic",
		"account_id":   accountID,
		"public_key":   nearFormattedKey,
	})
	if err != nil {
		var rpcErr *RPCError
		if ok := asUnknown(err, &rpcErr); ok {
			return false, nil
		}
		return false, err
	}
	var parsed viewAccessKeyResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return false, fmt.Errorf("nearrpc: parsing view_access_key result: %w", err)
	}
	return len(parsed.Permission) > 0, nil
}

func asUnknown(err error, target **RPCError) bool {
	rpcErr, ok := err.(*RPCError)
	if !ok {
		return false
	}
	*target = rpcErr
	return rpcErr.Cause == "UNKNOWN_ACCESS_KEY" || rpcErr.Cause == "UNKNOWN_ACCOUNT"
}

type viewAccountResult struct {
	Amount string `json:"amount"`
}

// NearBalance implements keystore.BalanceSource: the account's native NEAR
// balance, in yoctoNEAR.
func (c *Client) NearBalance(ctx context.Context, accountID string) (*big.Int, error) {
	result, err := c.call(ctx, "query", map[string]any{
		"request_type": "view_account",
		"finality":     "optimistic",
		"account_id":   accountID,
	})
	if err != nil {
		return nil, err
	}
	var parsed viewAccountResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("nearrpc: parsing view_account result: %w", err)
	}
	balance, ok := new(big.Int).SetString(parsed.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("nearrpc: malformed account balance %q", parsed.Amount)
	}
	return balance, nil
}

type callFunctionResult struct {
	Result []byte `json:"result"`
}

func (c *Client) callFunctionView(ctx context.Context, contract, methodName string, args any) ([]byte, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	result, err := c.call(ctx, "query", map[string]any{
		"request_type": "call_function",
		"finality":     "optimistic",
		"account_id":   contract,
		"method_name":  methodName,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	})
	if err != nil {
		return nil, err
	}
	var parsed callFunctionResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("nearrpc: parsing call_function result: %w", err)
	}
	return parsed.Result, nil
}

// FtBalance implements keystore.BalanceSource: calls the fungible-token
// contract's ft_balance_of view method.
func (c *Client) FtBalance(ctx context.Context, contract, accountID string) (*big.Int, error) {
	raw, err := c.callFunctionView(ctx, contract, "ft_balance_of", map[string]string{"account_id": accountID})
	if err != nil {
		return nil, err
	}
	var amount string
	if err := json.Unmarshal(raw, &amount); err != nil {
		return nil, fmt.Errorf("nearrpc: parsing ft_balance_of result: %w", err)
	}
	balance, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("nearrpc: malformed ft balance %q", amount)
	}
	return balance, nil
}

type nftTokenResult struct {
	OwnerID string `json:"owner_id"`
}

// NftOwned implements keystore.BalanceSource: calls the NFT contract's
// nft_token view method and compares owner_id against accountID.
func (c *Client) NftOwned(ctx context.Context, contract, accountID, tokenID string) (bool, error) {
	raw, err := c.callFunctionView(ctx, contract, "nft_token", map[string]string{"token_id": tokenID})
	if err != nil {
		return false, err
	}
	if string(raw) == "null" || len(raw) == 0 {
		return false, nil
	}
	var parsed nftTokenResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false, fmt.Errorf("nearrpc: parsing nft_token result: %w", err)
	}
	return parsed.OwnerID == accountID, nil
}

type blockHeader struct {
	Height uint64 `json:"height"`
}

type blockResult struct {
	Header blockHeader `json:"header"`
}

// LatestBlockHeight implements health.ChainTipFetcher.
func (c *Client) LatestBlockHeight(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "block", map[string]any{"finality": "final"})
	if err != nil {
		return 0, err
	}
	var parsed blockResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return 0, fmt.Errorf("nearrpc: parsing block result: %w", err)
	}
	return parsed.Header.Height, nil
}
