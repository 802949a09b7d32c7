// Package signer is the HTTP client for the external transaction-signing
// service. The coordinator hands it encoded payloads and receives signed
// bytes back; private keys never enter this process.
package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// Client talks to one signing service deployment.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets the client logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// NewClient creates a signing-service client.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type signRequest struct {
	Network string `json:"network"`
	Payload string `json:"payload"`
}

type signResponse struct {
	Signed string `json:"signed"`
	Error  string `json:"error,omitempty"`
}

type addressResponse struct {
	Address string `json:"address"`
	Error   string `json:"error,omitempty"`
}

// Sign submits a payload for signing under the service's key for network.
// For account-model networks the payload is the transaction message; for
// contract-storage networks it is the RLP-encoded unsigned transaction. The
// response is the fully signed transaction in the same encoding.
func (c *Client) Sign(ctx context.Context, network string, payload []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{
		Network: network,
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode sign request: %w", err)
	}

	var resp signResponse
	if err := c.post(ctx, "/v1/sign", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("signing service rejected payload: %s", resp.Error)
	}
	signed, err := base64.StdEncoding.DecodeString(resp.Signed)
	if err != nil {
		return nil, fmt.Errorf("decode signed payload: %w", err)
	}
	c.logger.Debug("payload signed",
		zap.String("network", network),
		zap.Int("payload_bytes", len(payload)))
	return signed, nil
}

// SigningAddress returns the address the service signs with on network.
func (c *Client) SigningAddress(ctx context.Context, network string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/address/"+network, nil)
	if err != nil {
		return "", fmt.Errorf("build address request: %w", err)
	}
	var resp addressResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("signing service: %s", resp.Error)
	}
	if resp.Address == "" {
		return "", fmt.Errorf("signing service returned no address for network %q", network)
	}
	return resp.Address, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("signing service request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read signing service response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("signing service returned %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode signing service response: %w", err)
	}
	return nil
}

// Remote binds the client to one network and satisfies the chain signer
// contract, which has no context parameter. Each Sign call runs under the
// client's own timeout.
type Remote struct {
	client  *Client
	network string
	address string
}

// Bind resolves the signing address for network and returns a bound signer.
func (c *Client) Bind(ctx context.Context, network string) (*Remote, error) {
	addr, err := c.SigningAddress(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("bind %s signer: %w", network, err)
	}
	return &Remote{client: c, network: network, address: addr}, nil
}

// Sign implements the chain signer contract.
func (r *Remote) Sign(payload []byte) ([]byte, error) {
	return r.client.Sign(context.Background(), r.network, payload)
}

// Address implements the chain signer contract.
func (r *Remote) Address() string { return r.address }
