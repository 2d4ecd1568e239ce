// Package workflow 实现代理的各个可恢复状态机：
// 铸币、赎回、底层链转账、参数变更、抵押维护与金库退出。
// 每个状态机只通过 Store 持久化进度，任何一步崩溃后都能从上次
// 落库的状态继续。
package workflow

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/locks"
	"FAsset-Agent/internal/observability/alerting"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/store"
	"FAsset-Agent/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
)

// StepStatus 描述一次状态机步进的结果类别。
type StepStatus int

const (
	// StatusOk 表示步进成功（包括"本周期无事可做"）。
	StatusOk StepStatus = iota
	// StatusRetry 表示遇到瞬时故障，下个周期重试同一步。
	StatusRetry
	// StatusFatal 表示不可恢复的错误，调用方应停止该代理。
	StatusFatal
)

// StepResult 是一次状态机步进的结果。
type StepResult struct {
	Status StepStatus
	Err    error
}

func ok() StepResult { return StepResult{Status: StatusOk} }

func retryWith(err error) StepResult { return StepResult{Status: StatusRetry, Err: err} }

func fatalWith(err error) StepResult { return StepResult{Status: StatusFatal, Err: err} }

// ProofClient 是工作流需要的证明客户端子集，方便测试注入。
type ProofClient interface {
	SourceID() string
	SubmitRequest(ctx context.Context, req proofs.Request) (proofs.RequestID, error)
	ObtainProof(ctx context.Context, round int64, requestBytes string) (*proofs.Proof, error)
	RoundFinalized(ctx context.Context, round int64) (bool, error)
	ValidateAddress(ctx context.Context, address string) (bool, error)
}

// ExpirySource 判断支付窗口是否已滑出索引器。
type ExpirySource interface {
	Check(ctx context.Context, lastBlock, lastTimestamp uint64) (proofs.Expiry, error)
}

// BalanceSource 查询基础链原生代币余额。
type BalanceSource interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Config 汇总各状态机共享的参数。
type Config struct {
	// ProofRetryExtraRounds 控制证明取不回来时等待多少个额外轮次
	// 再重置请求。铸币与底层链转账共用；赎回从不重置。
	ProofRetryExtraRounds int64
	// UnderlyingFinalization 是底层链交易视为终局所需的确认数。
	UnderlyingFinalization uint64
	// LiquidationPreventionBIPS 是清算预防系数，
	// 目标抵押率 = ccbMinCollateralRatioBIPS × 该系数 / MAX_BIPS。
	LiquidationPreventionBIPS int64
	// NativeBalanceMinWei 低于该值时提醒运营方补充工作地址余额。
	NativeBalanceMinWei *big.Int
	// UnderlyingBalanceMinUBA 低于该值时触发底层链补仓。
	UnderlyingBalanceMinUBA *big.Int
	// UnderlyingTopUpUBA 是单次补仓金额。
	UnderlyingTopUpUBA *big.Int
}

// ApplyDefaults 填充未设置的共享参数。
func (c *Config) ApplyDefaults() {
	if c.ProofRetryExtraRounds <= 0 {
		c.ProofRetryExtraRounds = 2
	}
	if c.UnderlyingFinalization == 0 {
		c.UnderlyingFinalization = 3
	}
	if c.LiquidationPreventionBIPS <= 0 {
		c.LiquidationPreventionBIPS = 12000
	}
}

// Deps 汇总各状态机共享的协作方。
type Deps struct {
	Store   store.Store
	Manager fasset.AssetManager
	Wallet  wallet.Wallet
	Proofs  ProofClient
	Expiry  ExpirySource
	Native  BalanceSource
	Locks   locks.Manager
	Alerts  alerting.Dispatcher
	Log     *slog.Logger
	Config  Config
}

// notify 发送事件，投递失败只记日志。
func (d *Deps) notify(ctx context.Context, event alerting.Event) {
	if d.Alerts == nil {
		return
	}
	if err := d.Alerts.Notify(ctx, event); err != nil {
		d.Log.Warn("告警投递失败", slog.String("summary", event.Summary), slog.String("error", err.Error()))
	}
}

// proofRetryExhausted 判断陈旧的证明请求是否可以重置：
// 只有当目标轮次之后的额外轮次也已敲定、证明依然取不回来时才重置，
// 避免把仅仅是敲定慢当成证明丢失。
func (d *Deps) proofRetryExhausted(ctx context.Context, round int64) (bool, error) {
	return d.Proofs.RoundFinalized(ctx, round+1+d.Config.ProofRetryExtraRounds)
}

// deadlinePassed 判断底层链支付窗口是否已关闭。
// 区块与时间两个上限都越过才算关闭。
func deadlinePassed(height, nowTimestamp, lastBlock, lastTimestamp uint64) bool {
	return height > lastBlock && nowTimestamp > lastTimestamp
}

func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}
