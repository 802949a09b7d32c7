package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HTTPClient talks JSON-RPC to a node. It implements RPC.
type HTTPClient struct {
	endpoint   string
	client     *http.Client
	logger     *zap.Logger
	commitment string
}

// NewHTTPClient creates a JSON-RPC client for the given node endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration, opts ...Option) *HTTPClient {
	s := settings{logger: zap.NewNop(), commitment: "confirmed"}
	for _, opt := range opts {
		opt(&s)
	}
	return &HTTPClient{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: timeout},
		logger:     s.logger,
		commitment: s.commitment,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// customErrRe matches the custom program error code a node embeds in the
// failure message of a rejected transaction.
var customErrRe = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)

func (c *HTTPClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: node returned status %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		if m := customErrRe.FindStringSubmatch(rr.Error.Message); m != nil {
			code, perr := strconv.ParseUint(m[1], 16, 32)
			if perr == nil {
				return &ProgramError{Code: uint32(code)}
			}
		}
		return fmt.Errorf("%s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// SubmitTransaction implements RPC. The transaction is submitted with
// confirmation-level commitment; the node blocks preflight on simulation, so
// program rejections surface here as *ProgramError.
func (c *HTTPClient) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	var sig string
	params := []any{
		base64.StdEncoding.EncodeToString(signedTx),
		map[string]any{"encoding": "base64", "preflightCommitment": c.commitment},
	}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	c.logger.Debug("transaction submitted", zap.String("signature", sig))
	return sig, nil
}

type accountInfoResult struct {
	Value *struct {
		Data []string `json:"data"`
	} `json:"value"`
}

// ReadAccount implements RPC. Returns the raw account data.
func (c *HTTPClient) ReadAccount(ctx context.Context, address string) ([]byte, error) {
	var res accountInfoResult
	params := []any{address, map[string]any{"encoding": "base64", "commitment": c.commitment}}
	if err := c.call(ctx, "getAccountInfo", params, &res); err != nil {
		return nil, err
	}
	if res.Value == nil || len(res.Value.Data) == 0 {
		return nil, fmt.Errorf("account %s not found", address)
	}
	raw, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data for %s: %w", address, err)
	}
	return raw, nil
}

type tokenBalanceResult struct {
	Value struct {
		Amount string `json:"amount"`
	} `json:"value"`
}

// TokenBalance implements RPC. Returns the balance in smallest units.
func (c *HTTPClient) TokenBalance(ctx context.Context, tokenAccount string) (uint64, error) {
	var res tokenBalanceResult
	params := []any{tokenAccount, map[string]any{"commitment": c.commitment}}
	if err := c.call(ctx, "getTokenAccountBalance", params, &res); err != nil {
		return 0, err
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token balance %q: %w", res.Value.Amount, err)
	}
	return amount, nil
}
