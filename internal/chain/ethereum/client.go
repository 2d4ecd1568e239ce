package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"FAsset-Agent/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements chain.Client and chain.Submitter for EVM chains.
// Transactions are submitted through eth_sendTransaction, so the signing
// key stays with the node-side signer and never enters this process.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// BlockHeight returns the current head block number.
func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	height, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return height, nil
}

// BlockTimestamp returns the timestamp of the given block.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if c == nil || c.eth == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("获取区块 %d 头信息失败: %w", number, err)
	}
	return header.Time, nil
}

// FilterLogs runs a bounded log query against the node.
func (c *Client) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询事件日志失败: %w", err)
	}
	return logs, nil
}

// CallContract executes a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	out, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("合约调用失败: %w", err)
	}
	return out, nil
}

// BalanceAt returns the native-token balance of an address.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	balance, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// Submit sends a state-changing call via eth_sendTransaction.
func (c *Client) Submit(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if c == nil || c.rpcClient == nil {
		return common.Hash{}, errors.New("未初始化的以太坊客户端")
	}
	call := map[string]any{
		"from": from,
		"to":   to,
		"data": hexutil.Encode(data),
	}
	if value != nil && value.Sign() > 0 {
		call["value"] = (*hexutil.Big)(value)
	}
	var txHash common.Hash
	if err := c.rpcClient.CallContext(ctx, &txHash, "eth_sendTransaction", call); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return txHash, nil
}

var (
	_ chain.Client    = (*Client)(nil)
	_ chain.Submitter = (*Client)(nil)
)
