package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	xerrors "FAsset-Agent/internal/errors"
)

const defaultTimeout = 30 * time.Second

// ClientConfig describes the connection to the external wallet daemon.
type ClientConfig struct {
	// URL is the wallet daemon base URL.
	URL string
	// APIKey is sent on every request; empty disables the header.
	APIKey string
	Timeout time.Duration
}

// Client talks to the wallet daemon over HTTP. The daemon owns the keys and
// the fee/replacement logic; this client only moves JSON across the boundary.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Wallet = (*Client)(nil)

// NewClient creates a wallet daemon client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "wallet daemon URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type addTransactionRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type addTransactionResponse struct {
	TxID string `json:"tx_id"`
}

type statusResponse struct {
	Status        string `json:"status"`
	TxHash        string `json:"tx_hash"`
	ReplacedByID  string `json:"replaced_by_id"`
	Confirmations uint64 `json:"confirmations"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

type feeResponse struct {
	Fee string `json:"fee"`
}

type paymentQuery struct {
	Address    string `json:"address"`
	Reference  string `json:"reference"`
	Amount     string `json:"amount"`
	FirstBlock uint64 `json:"first_block"`
	LastBlock  uint64 `json:"last_block"`
}

type paymentResponse struct {
	Found       bool   `json:"found"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
}

type heightResponse struct {
	Height uint64 `json:"height"`
}

// AddTransaction submits a payment through the wallet daemon.
func (c *Client) AddTransaction(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	req := addTransactionRequest{From: from, To: to, Reference: reference}
	if amount != nil {
		req.Amount = amount.String()
	}
	var resp addTransactionResponse
	if err := c.postJSON(ctx, "/api/transactions", req, &resp); err != nil {
		return "", xerrors.Wrap(xerrors.CodeWalletFailure, err, "wallet add transaction failed")
	}
	if resp.TxID == "" {
		return "", xerrors.New(xerrors.CodeWalletFailure, "wallet returned no transaction id")
	}
	return resp.TxID, nil
}

// CheckTransactionStatus reports what the daemon knows about a transaction.
func (c *Client) CheckTransactionStatus(ctx context.Context, txID string) (StatusResult, error) {
	var resp statusResponse
	if err := c.getJSON(ctx, "/api/transactions/"+txID, &resp); err != nil {
		return StatusResult{}, xerrors.Wrap(xerrors.CodeWalletFailure, err, "wallet status query failed")
	}
	status := TxStatus(resp.Status)
	switch status {
	case StatusPending, StatusSuccess, StatusFailed, StatusReplaced:
	default:
		return StatusResult{}, xerrors.New(xerrors.CodeWalletFailure,
			fmt.Sprintf("unknown wallet transaction status %q", resp.Status))
	}
	return StatusResult{
		Status:        status,
		TxHash:        resp.TxHash,
		ReplacedByID:  resp.ReplacedByID,
		Confirmations: resp.Confirmations,
	}, nil
}

// GetBalance returns the spendable balance of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	var resp balanceResponse
	if err := c.getJSON(ctx, "/api/balances/"+address, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletFailure, err, "wallet balance query failed")
	}
	return parseAmount(resp.Balance)
}

// GetTransactionFee estimates the fee of a plain payment.
func (c *Client) GetTransactionFee(ctx context.Context) (*big.Int, error) {
	var resp feeResponse
	if err := c.getJSON(ctx, "/api/fee", &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletFailure, err, "wallet fee query failed")
	}
	return parseAmount(resp.Fee)
}

// FindPayment looks for a settled payment matching reference and amount
// inside the block window. Returns nil when nothing matched.
func (c *Client) FindPayment(ctx context.Context, address, reference string, amount *big.Int, firstBlock, lastBlock uint64) (*Payment, error) {
	query := paymentQuery{
		Address:    address,
		Reference:  reference,
		FirstBlock: firstBlock,
		LastBlock:  lastBlock,
	}
	if amount != nil {
		query.Amount = amount.String()
	}
	var resp paymentResponse
	if err := c.postJSON(ctx, "/api/payments/find", query, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletFailure, err, "wallet payment lookup failed")
	}
	if !resp.Found {
		return nil, nil
	}
	settled, err := parseAmount(resp.Amount)
	if err != nil {
		return nil, err
	}
	return &Payment{
		TxHash:      resp.TxHash,
		BlockNumber: resp.BlockNumber,
		Amount:      settled,
		Reference:   resp.Reference,
	}, nil
}

// UnderlyingBlockHeight returns the daemon's view of the chain height.
func (c *Client) UnderlyingBlockHeight(ctx context.Context) (uint64, error) {
	var resp heightResponse
	if err := c.getJSON(ctx, "/api/height", &resp); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeWalletFailure, err, "wallet height query failed")
	}
	return resp.Height, nil
}

func parseAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeWalletFailure,
			fmt.Sprintf("wallet returned a malformed amount %q", value))
	}
	return amount, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("wallet daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
