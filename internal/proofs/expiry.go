package proofs

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ExpiryStatus 描述支付窗口在索引器中的过期状态。
type ExpiryStatus string

const (
	// ExpiryNotExpired 表示窗口仍可查询，支付/未支付证明还能获取。
	ExpiryNotExpired ExpiryStatus = "not_expired"
	// ExpiryWaiting 表示区块高度证明还在路上，下个周期再查。
	ExpiryWaiting ExpiryStatus = "waiting_proof"
	// ExpiryExpired 表示窗口已滑出索引器，只能走链上兜底路径。
	ExpiryExpired ExpiryStatus = "expired"
)

// Expiry 是一次过期检查的结果，Status 为 ExpiryExpired 时 Proof 非空。
type Expiry struct {
	Status ExpiryStatus
	Proof  *Proof
}

// HeightSource 提供底层链当前高度，由钱包协作方实现。
type HeightSource interface {
	UnderlyingBlockHeight(ctx context.Context) (uint64, error)
}

// ExpiryChecker 维护一份按周期刷新的区块高度证明，
// 供所有工作流复用判断支付窗口是否已滑出索引器。
type ExpiryChecker struct {
	client      *Client
	heights     HeightSource
	queryWindow uint64
	ttl         time.Duration

	mu       sync.Mutex
	cached   *Proof
	cachedAt time.Time
	pending  *RequestID
}

// NewExpiryChecker 创建过期检查器。ttl 控制证明的复用时长。
func NewExpiryChecker(client *Client, heights HeightSource, queryWindow uint64, ttl time.Duration) *ExpiryChecker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if queryWindow == 0 {
		queryWindow = 86400
	}
	return &ExpiryChecker{
		client:      client,
		heights:     heights,
		queryWindow: queryWindow,
		ttl:         ttl,
	}
}

// Check 判断给定支付窗口是否已在索引器中过期。
// 没有新鲜的区块高度证明时按需提交请求，并返回 ExpiryWaiting。
func (e *ExpiryChecker) Check(ctx context.Context, lastBlock, lastTimestamp uint64) (Expiry, error) {
	proof, err := e.freshProof(ctx)
	if err != nil {
		return Expiry{}, err
	}
	if proof == nil {
		return Expiry{Status: ExpiryWaiting}, nil
	}

	var decoded BlockHeightResponse
	if err := json.Unmarshal(proof.Response, &decoded); err != nil {
		return Expiry{}, fmt.Errorf("解析区块高度证明失败: %w", err)
	}
	lowestBlock, err := parseUint(decoded.ResponseBody.LowestQueryWindowBlockNumber)
	if err != nil {
		return Expiry{}, fmt.Errorf("解析查询窗口下界失败: %w", err)
	}
	lowestTimestamp, err := parseUint(decoded.ResponseBody.LowestQueryWindowBlockTimestamp)
	if err != nil {
		return Expiry{}, fmt.Errorf("解析查询窗口时间失败: %w", err)
	}

	if lowestBlock > lastBlock && lowestTimestamp > lastTimestamp {
		return Expiry{Status: ExpiryExpired, Proof: proof}, nil
	}
	return Expiry{Status: ExpiryNotExpired}, nil
}

// freshProof 返回缓存内未过期的证明；缓存失效时推进提交/取回状态机。
func (e *ExpiryChecker) freshProof(ctx context.Context) (*Proof, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached != nil && time.Since(e.cachedAt) < e.ttl {
		return e.cached, nil
	}

	if e.pending == nil {
		height, err := e.heights.UnderlyingBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		req := NewBlockHeightRequest(e.client.SourceID(), height, e.queryWindow)
		id, err := e.client.SubmitRequest(ctx, req)
		if err != nil {
			return nil, err
		}
		e.pending = &id
		return nil, nil
	}

	proof, err := e.client.ObtainProof(ctx, e.pending.Round, e.pending.Data)
	if err != nil {
		if stdErrors.Is(err, ErrNotFinalized) || stdErrors.Is(err, ErrNoProviders) {
			return nil, nil
		}
		// 被否定或校验失败时丢弃这次请求，下个周期重新提交。
		e.pending = nil
		return nil, err
	}
	e.cached = proof
	e.cachedAt = time.Now()
	e.pending = nil
	return proof, nil
}

func parseUint(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseUint(value, 0, 64)
}
