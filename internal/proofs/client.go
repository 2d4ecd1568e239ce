package proofs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"FAsset-Agent/internal/chain"
	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	defaultTimeout          = 30 * time.Second
	defaultSubmitRetries    = 3
	defaultFinalizationPoll = 5 * time.Second
)

// 中继与证明中心的调用面，完整 ABI 由部署方提供，这里只声明用到的方法。
const relayViewABI = `[
  {"type":"function","name":"merkleRoots","stateMutability":"view",
   "inputs":[{"name":"protocolId","type":"uint256"},{"name":"votingRoundId","type":"uint256"}],
   "outputs":[{"type":"bytes32"}]},
  {"type":"function","name":"getVotingRoundId","stateMutability":"view",
   "inputs":[{"name":"timestamp","type":"uint256"}],
   "outputs":[{"type":"uint256"}]}
]`

const hubCallABI = `[
  {"type":"function","name":"requestAttestation","stateMutability":"payable",
   "inputs":[{"name":"data","type":"bytes"}],"outputs":[]}
]`

// Config 描述证明客户端的连接参数。
type Config struct {
	ProviderURLs     []string
	VerifierURL      string
	VerifierAPIKey   string
	RelayAddress     string
	HubAddress       string
	SourceID         string
	Account          string
	Timeout          time.Duration
	SubmitRetries    int
	FinalizationPoll time.Duration
	Logger           *slog.Logger
}

// Client 实现证明协议的客户端：提交请求、等待轮次敲定、取回并本地校验证明。
// 多个代理循环可以并发共用同一个实例。
type Client struct {
	providers []*endpoint
	verifier  *endpoint

	reader    chain.Client
	submitter chain.Submitter
	relayAddr common.Address
	hubAddr   common.Address
	relayABI  abi.ABI
	hubABI    abi.ABI

	sourceID string
	account  common.Address

	submitRetries    int
	finalizationPoll time.Duration
	log              *slog.Logger
}

type endpoint struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 创建证明客户端。
func NewClient(cfg Config, reader chain.Client, submitter chain.Submitter) (*Client, error) {
	if len(cfg.ProviderURLs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置证明服务节点")
	}
	if strings.TrimSpace(cfg.VerifierURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置验证服务地址")
	}
	if reader == nil || submitter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少链访问客户端")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.SubmitRetries
	if retries <= 0 {
		retries = defaultSubmitRetries
	}
	poll := cfg.FinalizationPoll
	if poll <= 0 {
		poll = defaultFinalizationPoll
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("proofs")
	}

	relayParsed, err := abi.JSON(strings.NewReader(relayViewABI))
	if err != nil {
		return nil, fmt.Errorf("解析中继 ABI 失败: %w", err)
	}
	hubParsed, err := abi.JSON(strings.NewReader(hubCallABI))
	if err != nil {
		return nil, fmt.Errorf("解析证明中心 ABI 失败: %w", err)
	}

	providers := make([]*endpoint, 0, len(cfg.ProviderURLs))
	for _, raw := range cfg.ProviderURLs {
		providers = append(providers, newEndpoint(raw, "", timeout))
	}

	return &Client{
		providers:        providers,
		verifier:         newEndpoint(cfg.VerifierURL, cfg.VerifierAPIKey, timeout),
		reader:           reader,
		submitter:        submitter,
		relayAddr:        common.HexToAddress(cfg.RelayAddress),
		hubAddr:          common.HexToAddress(cfg.HubAddress),
		relayABI:         relayParsed,
		hubABI:           hubParsed,
		sourceID:         cfg.SourceID,
		account:          common.HexToAddress(cfg.Account),
		submitRetries:    retries,
		finalizationPoll: poll,
		log:              log,
	}, nil
}

func newEndpoint(rawURL, apiKey string, timeout time.Duration) *endpoint {
	return &endpoint{
		baseURL:    strings.TrimRight(strings.TrimSpace(rawURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SourceID 返回底层链在证明服务中的编号。
func (c *Client) SourceID() string {
	return c.sourceID
}

type prepareRequestResult struct {
	ABIEncodedRequest string `json:"abiEncodedRequest"`
}

type proofQuery struct {
	RoundID      int64  `json:"roundId"`
	RequestBytes string `json:"requestBytes"`
}

type apiWrapper struct {
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage string          `json:"errorMessage"`
}

type votingRoundResult struct {
	RoundID      int64           `json:"roundId"`
	Hash         string          `json:"hash"`
	RequestBytes string          `json:"requestBytes"`
	Response     json.RawMessage `json:"response"`
	ResponseHex  string          `json:"responseHex"`
	MerkleProof  []common.Hash   `json:"merkleProof"`
}

// SubmitRequest 提交一次证明请求，返回 (轮次, 请求字节)。
// 瞬时失败按配置的次数重试。
func (c *Client) SubmitRequest(ctx context.Context, req Request) (RequestID, error) {
	var lastErr error
	for attempt := 0; attempt < c.submitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return RequestID{}, ctx.Err()
			case <-time.After(time.Second << uint(attempt-1)):
			}
		}
		id, err := c.submitOnce(ctx, req)
		if err == nil {
			return id, nil
		}
		lastErr = err
		c.log.Warn("提交证明请求失败，准备重试",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return RequestID{}, xerrors.Wrap(xerrors.CodeProofFailure, lastErr, "提交证明请求失败")
}

func (c *Client) submitOnce(ctx context.Context, req Request) (RequestID, error) {
	name := AttestationName(req.AttestationType)
	var prepared prepareRequestResult
	path := "/" + url.PathEscape(name) + "/prepareRequest"
	if err := c.verifier.postJSON(ctx, path, req, &prepared); err != nil {
		return RequestID{}, fmt.Errorf("验证服务 prepareRequest 失败: %w", err)
	}
	if strings.TrimSpace(prepared.ABIEncodedRequest) == "" {
		return RequestID{}, fmt.Errorf("验证服务未返回编码后的请求")
	}
	encoded, err := hexutil.Decode(prepared.ABIEncodedRequest)
	if err != nil {
		return RequestID{}, fmt.Errorf("请求编码非法: %w", err)
	}

	callData, err := c.hubABI.Pack("requestAttestation", encoded)
	if err != nil {
		return RequestID{}, fmt.Errorf("编码 requestAttestation 失败: %w", err)
	}
	if _, err := c.submitter.Submit(ctx, c.account, c.hubAddr, nil, callData); err != nil {
		return RequestID{}, fmt.Errorf("链上提交证明请求失败: %w", err)
	}

	round, err := c.currentVotingRound(ctx)
	if err != nil {
		return RequestID{}, err
	}
	c.log.Info("证明请求已提交",
		slog.String("attestation", name),
		slog.Int64("round", round))
	return RequestID{Round: round, Data: prepared.ABIEncodedRequest}, nil
}

func (c *Client) currentVotingRound(ctx context.Context) (int64, error) {
	height, err := c.reader.BlockHeight(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链高度失败")
	}
	ts, err := c.reader.BlockTimestamp(ctx, height)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取区块时间失败")
	}
	data, err := c.relayABI.Pack("getVotingRoundId", new(big.Int).SetUint64(ts))
	if err != nil {
		return 0, fmt.Errorf("编码 getVotingRoundId 失败: %w", err)
	}
	out, err := c.reader.CallContract(ctx, c.relayAddr, data)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询投票轮次失败")
	}
	values, err := c.relayABI.Unpack("getVotingRoundId", out)
	if err != nil || len(values) == 0 {
		return 0, fmt.Errorf("解码投票轮次失败: %w", err)
	}
	round, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("投票轮次返回类型非法")
	}
	return round.Int64(), nil
}

// RoundFinalized 查询轮次在链上是否已敲定。
func (c *Client) RoundFinalized(ctx context.Context, round int64) (bool, error) {
	root, err := c.merkleRoot(ctx, round)
	if err != nil {
		return false, err
	}
	return root != zeroBytes32, nil
}

func (c *Client) merkleRoot(ctx context.Context, round int64) (common.Hash, error) {
	data, err := c.relayABI.Pack("merkleRoots", big.NewInt(ProtocolID), big.NewInt(round))
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 merkleRoots 失败: %w", err)
	}
	out, err := c.reader.CallContract(ctx, c.relayAddr, data)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询轮次根失败")
	}
	values, err := c.relayABI.Unpack("merkleRoots", out)
	if err != nil || len(values) == 0 {
		return common.Hash{}, fmt.Errorf("解码轮次根失败: %w", err)
	}
	root, ok := values[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("轮次根返回类型非法")
	}
	return common.BytesToHash(root[:]), nil
}

// WaitForRoundFinalization 阻塞等待轮次敲定，仅供一次性调用方使用；
// 工作流步进逻辑应改用每周期轮询。
func (c *Client) WaitForRoundFinalization(ctx context.Context, round int64) error {
	for {
		finalized, err := c.RoundFinalized(ctx, round)
		if err != nil {
			return err
		}
		if finalized {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.finalizationPoll):
		}
	}
}

// ObtainProof 取回证明。
// 轮次未敲定返回 ErrNotFinalized；被否定返回 ErrDisproved；
// 所有节点都不可用返回 ErrNoProviders（调用方下个周期重试）。
func (c *Client) ObtainProof(ctx context.Context, round int64, requestBytes string) (*Proof, error) {
	// 先查链上敲定状态：证明服务可能先于链返回"已敲定"。
	root, err := c.merkleRoot(ctx, round)
	if err != nil {
		return nil, err
	}
	if root == zeroBytes32 {
		return nil, ErrNotFinalized
	}

	query := proofQuery{RoundID: round, RequestBytes: requestBytes}
	for _, provider := range c.providers {
		var wrapper apiWrapper
		if err := provider.postJSON(ctx, "/api/proof/get-specific-proof", query, &wrapper); err != nil {
			// 节点故障，跳过换下一个。
			c.log.Warn("证明服务节点不可用", slog.String("provider", provider.baseURL), slog.String("error", err.Error()))
			continue
		}
		switch wrapper.Status {
		case "PENDING":
			return nil, ErrNotFinalized
		case "OK":
		default:
			c.log.Warn("证明服务返回否定结果",
				slog.String("provider", provider.baseURL),
				slog.String("status", wrapper.Status),
				slog.String("message", wrapper.ErrorMessage))
			return nil, ErrDisproved
		}

		var result votingRoundResult
		if err := json.Unmarshal(wrapper.Data, &result); err != nil {
			c.log.Warn("证明服务响应解析失败", slog.String("provider", provider.baseURL), slog.String("error", err.Error()))
			continue
		}
		proof, err := c.verifyResult(round, root, result)
		if err != nil {
			// 该节点的证明不可信，跳过。
			c.log.Warn("证明未通过本地校验", slog.String("provider", provider.baseURL), slog.String("error", err.Error()))
			continue
		}
		return proof, nil
	}
	return nil, ErrNoProviders
}

func (c *Client) verifyResult(round int64, root common.Hash, result votingRoundResult) (*Proof, error) {
	leaf, err := ComputeLeaf(result.RequestBytes, result.ResponseHex)
	if err != nil {
		return nil, fmt.Errorf("重算默克尔叶子失败: %w", err)
	}
	if strings.TrimSpace(result.Hash) != "" && common.HexToHash(result.Hash) != leaf {
		return nil, ErrVerification
	}
	if !VerifyMerkleProof(leaf, result.MerkleProof, root) {
		return nil, ErrVerification
	}

	var typed struct {
		AttestationType string `json:"attestationType"`
	}
	_ = json.Unmarshal(result.Response, &typed)

	return &Proof{
		AttestationType: AttestationName(typed.AttestationType),
		Round:           round,
		RequestBytes:    result.RequestBytes,
		Response:        result.Response,
		ResponseHex:     result.ResponseHex,
		MerkleProof:     result.MerkleProof,
	}, nil
}

// Prove 组合提交、等待敲定与取回，供一次性调用方使用。
func (c *Client) Prove(ctx context.Context, req Request) (*Proof, error) {
	id, err := c.SubmitRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForRoundFinalization(ctx, id.Round); err != nil {
		return nil, err
	}
	return c.ObtainProof(ctx, id.Round, id.Data)
}

// ProveAddressValidity 证明底层链地址是否合法。
func (c *Client) ProveAddressValidity(ctx context.Context, address string) (*Proof, error) {
	return c.Prove(ctx, NewAddressValidityRequest(c.sourceID, address))
}

// ValidateAddress 通过验证服务的 prepareResponse 快速判断地址合法性，
// 不提交链上请求。需要可质询的结论时仍应走完整证明。
func (c *Client) ValidateAddress(ctx context.Context, address string) (bool, error) {
	req := NewAddressValidityRequest(c.sourceID, address)
	name := AttestationName(req.AttestationType)

	var wrapper apiWrapper
	path := "/" + url.PathEscape(name) + "/prepareResponse"
	if err := c.verifier.postJSON(ctx, path, req, &wrapper); err != nil {
		return false, xerrors.Wrap(xerrors.CodeProofFailure, err, "验证服务 prepareResponse 失败")
	}
	if wrapper.Status != "VALID" && wrapper.Status != "OK" {
		return false, nil
	}

	var decoded struct {
		ResponseBody struct {
			IsValid bool `json:"isValid"`
		} `json:"responseBody"`
	}
	if err := json.Unmarshal(wrapper.Data, &decoded); err != nil {
		return false, xerrors.Wrap(xerrors.CodeProofFailure, err, "解析地址校验响应失败")
	}
	return decoded.ResponseBody.IsValid, nil
}

func (e *endpoint) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("X-API-KEY", e.apiKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusInternalServerError {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
