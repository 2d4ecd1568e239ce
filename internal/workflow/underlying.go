package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/observability/alerting"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/wallet"
)

// Underlying 驱动代理自发的底层链转账状态机：
// paid → requested_proof → done。补仓与提现共用同一个状态机，
// 仅链上确认方法不同。同一代理同一类型同时只允许一笔在途。
type Underlying struct {
	deps *Deps
	log  *slog.Logger
}

// NewUnderlying 创建底层链转账状态机。
func NewUnderlying(deps *Deps) *Underlying {
	return &Underlying{deps: deps, log: deps.Log.With(slog.String("workflow", "underlying"))}
}

// TopUp 从所有者的底层链资金向代理地址发起补仓。
// 已有在途补仓时返回 fasset.ErrPaymentInFlight。
func (u *Underlying) TopUp(ctx context.Context, agent *fasset.Agent, ownerUnderlying string, amount *big.Int) error {
	return u.submit(ctx, agent, fasset.UnderlyingTopUp,
		ownerUnderlying, ownerUnderlying, agent.UnderlyingAddress, amount, topUpReference(agent.VaultAddress))
}

// Withdraw 发起已公告的底层链提现。
func (u *Underlying) Withdraw(ctx context.Context, agent *fasset.Agent, destination string, amount *big.Int, reference string) error {
	return u.submit(ctx, agent, fasset.UnderlyingWithdrawal,
		agent.UnderlyingAddress, agent.UnderlyingAddress, destination, amount, reference)
}

// submit 在地址锁内先落库占住单飞名额，再把交易交给钱包并回填编号。
// 先落库保证钱包受理过的每一笔转账都有记录在跟踪，
// 重复请求在提交真实交易之前就被 ErrPaymentInFlight 拦下。
func (u *Underlying) submit(ctx context.Context, agent *fasset.Agent, kind fasset.UnderlyingPaymentKind,
	lockAddress, from, to string, amount *big.Int, reference string) error {
	payment := &fasset.UnderlyingPayment{
		VaultAddress: agent.VaultAddress,
		Kind:         kind,
		State:        fasset.UnderlyingPaid,
		Amount:       amount,
	}
	err := u.deps.Locks.WithLock(ctx, lockAddress, func(ctx context.Context) error {
		if err := u.deps.Store.CreateUnderlyingPayment(ctx, payment); err != nil {
			return err
		}
		txID, err := u.deps.Wallet.AddTransaction(ctx, from, to, amount, reference)
		if err != nil {
			// 钱包没有受理，关闭记录释放单飞名额。
			payment.State = fasset.UnderlyingDone
			if closeErr := u.deps.Store.UpdateUnderlyingPayment(ctx, payment); closeErr != nil {
				u.log.Warn("关闭未受理的转账记录失败",
					slog.String("vault", agent.VaultAddress),
					slog.String("kind", string(kind)),
					slog.String("error", closeErr.Error()))
			}
			return err
		}
		payment.TxID = txID
		return u.deps.Store.UpdateUnderlyingPayment(ctx, payment)
	})
	if err != nil {
		return err
	}
	u.log.Info("底层链转账已发起",
		slog.String("vault", agent.VaultAddress),
		slog.String("kind", string(kind)),
		slog.String("tx_id", payment.TxID),
		slog.String("amount", amount.String()))
	return nil
}

// Tick 推进该代理所有未完成的底层链转账。
func (u *Underlying) Tick(ctx context.Context, agent *fasset.Agent) StepResult {
	open, err := u.deps.Store.ListOpenUnderlyingPayments(ctx, agent.VaultAddress)
	if err != nil {
		return retryWith(err)
	}
	var firstErr error
	for _, payment := range open {
		if err := u.step(ctx, agent, payment); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			u.log.Warn("底层链转账步进失败",
				slog.String("vault", agent.VaultAddress),
				slog.String("tx_id", payment.TxID),
				slog.String("error", err.Error()))
		}
		if ctx.Err() != nil {
			return retryWith(ctx.Err())
		}
	}
	if firstErr != nil {
		return retryWith(firstErr)
	}
	return ok()
}

func (u *Underlying) step(ctx context.Context, agent *fasset.Agent, payment *fasset.UnderlyingPayment) error {
	switch payment.State {
	case fasset.UnderlyingPaid:
		return u.stepPaid(ctx, agent, payment)
	case fasset.UnderlyingRequestedProof:
		return u.stepProof(ctx, agent, payment)
	default:
		return nil
	}
}

// stepPaid 等待交易终局后申请支付证明；被替换的交易换绑新编号。
// 上链后执行失败的交易同样要走支付证明确认公告，
// 只有钱包从未广播的交易才直接关闭。
func (u *Underlying) stepPaid(ctx context.Context, agent *fasset.Agent, payment *fasset.UnderlyingPayment) error {
	if payment.TxID == "" {
		// 记录创建后进程在回填交易编号前中断，无法继续追踪。
		payment.State = fasset.UnderlyingDone
		if err := u.deps.Store.UpdateUnderlyingPayment(ctx, payment); err != nil {
			return err
		}
		event := alerting.NewEvent(xerrors.SeverityError, "underlying", agent.VaultAddress,
			"底层链转账缺少交易编号，记录已关闭，请人工核对钱包")
		event.Metadata = map[string]string{"kind": string(payment.Kind)}
		u.deps.notify(ctx, event)
		return nil
	}

	status, err := u.deps.Wallet.CheckTransactionStatus(ctx, payment.TxID)
	if err != nil {
		return err
	}
	switch status.Status {
	case wallet.StatusPending:
		return nil
	case wallet.StatusReplaced:
		payment.TxID = status.ReplacedByID
		return u.deps.Store.UpdateUnderlyingPayment(ctx, payment)
	case wallet.StatusFailed:
		if status.TxHash == "" {
			// 钱包从未广播该交易，关闭记录释放单飞名额。
			payment.State = fasset.UnderlyingDone
			if err := u.deps.Store.UpdateUnderlyingPayment(ctx, payment); err != nil {
				return err
			}
			event := alerting.NewEvent(xerrors.SeverityError, "underlying", agent.VaultAddress,
				"底层链转账失败且未广播，记录已关闭")
			event.Metadata = map[string]string{
				"kind":  string(payment.Kind),
				"tx_id": payment.TxID,
			}
			u.deps.notify(ctx, event)
			return nil
		}
		// 已上链的失败交易继续等终局，然后用支付证明确认公告。
	}
	if status.Confirmations < u.deps.Config.UnderlyingFinalization {
		return nil
	}

	id, err := u.deps.Proofs.SubmitRequest(ctx,
		proofs.NewPaymentRequest(u.deps.Proofs.SourceID(), status.TxHash, 0, 0))
	if err != nil {
		return err
	}
	payment.TxHash = status.TxHash
	payment.State = fasset.UnderlyingRequestedProof
	payment.Proof = &fasset.ProofRequest{Round: id.Round, Data: id.Data}
	if err := u.deps.Store.UpdateUnderlyingPayment(ctx, payment); err != nil {
		return err
	}
	if status.Status == wallet.StatusFailed {
		event := alerting.NewEvent(xerrors.SeverityWarning, "underlying", agent.VaultAddress,
			"底层链转账执行失败，已申请支付证明确认公告")
		event.Metadata = map[string]string{
			"kind":    string(payment.Kind),
			"tx_hash": payment.TxHash,
		}
		u.deps.notify(ctx, event)
	}
	return nil
}

// stepProof 轮询支付证明并在链上确认补仓或提现。
// 证明长期取不回时重置回 paid 重新申请。
func (u *Underlying) stepProof(ctx context.Context, agent *fasset.Agent, payment *fasset.UnderlyingPayment) error {
	if payment.Proof == nil {
		return u.reset(ctx, agent, payment, "证明请求丢失")
	}
	proof, err := u.deps.Proofs.ObtainProof(ctx, payment.Proof.Round, payment.Proof.Data)
	if err != nil {
		switch {
		case stdErrors.Is(err, proofs.ErrNotFinalized):
			return nil
		case stdErrors.Is(err, proofs.ErrNoProviders):
			exhausted, checkErr := u.deps.proofRetryExhausted(ctx, payment.Proof.Round)
			if checkErr != nil {
				return checkErr
			}
			if exhausted {
				return u.reset(ctx, agent, payment, "证明服务长期不可用")
			}
			return nil
		case stdErrors.Is(err, proofs.ErrDisproved), stdErrors.Is(err, proofs.ErrVerification):
			return u.reset(ctx, agent, payment, "证明请求被否定")
		default:
			return err
		}
	}

	if payment.Kind == fasset.UnderlyingTopUp {
		err = u.deps.Manager.ConfirmTopupPayment(ctx, agent.VaultAddress, proof)
	} else {
		err = u.deps.Manager.ConfirmUnderlyingWithdrawal(ctx, agent.VaultAddress, proof)
	}
	if err != nil {
		return err
	}
	payment.State = fasset.UnderlyingDone
	payment.Proof = nil
	if err := u.deps.Store.UpdateUnderlyingPayment(ctx, payment); err != nil {
		return err
	}
	u.log.Info("底层链转账已在链上确认",
		slog.String("vault", agent.VaultAddress),
		slog.String("kind", string(payment.Kind)),
		slog.String("tx_hash", payment.TxHash))
	return nil
}

// reset 清掉陈旧的证明请求，回到 paid 重新申请。
func (u *Underlying) reset(ctx context.Context, agent *fasset.Agent, payment *fasset.UnderlyingPayment, reason string) error {
	staleRound := int64(0)
	if payment.Proof != nil {
		staleRound = payment.Proof.Round
	}
	payment.State = fasset.UnderlyingPaid
	payment.Proof = nil
	if err := u.deps.Store.UpdateUnderlyingPayment(ctx, payment); err != nil {
		return err
	}
	event := alerting.NewEvent(xerrors.SeverityWarning, "underlying", agent.VaultAddress,
		fmt.Sprintf("底层链转账证明请求已重置: %s", reason))
	event.Metadata = map[string]string{
		"kind":        string(payment.Kind),
		"stale_round": fmt.Sprintf("%d", staleRound),
	}
	u.deps.notify(ctx, event)
	return nil
}

// CheckBalance 检查代理底层链余额，低于阈值时自动补仓；
// 所有者底层链资金本身不足时提醒运营方。
func (u *Underlying) CheckBalance(ctx context.Context, agent *fasset.Agent, ownerUnderlying string) error {
	min := u.deps.Config.UnderlyingBalanceMinUBA
	topUp := u.deps.Config.UnderlyingTopUpUBA
	if min == nil || topUp == nil {
		return nil
	}
	balance, err := u.deps.Wallet.GetBalance(ctx, agent.UnderlyingAddress)
	if err != nil {
		return err
	}
	if balance.Cmp(min) >= 0 {
		return nil
	}

	ownerBalance, err := u.deps.Wallet.GetBalance(ctx, ownerUnderlying)
	if err != nil {
		return err
	}
	if ownerBalance.Cmp(topUp) < 0 {
		event := alerting.NewEvent(xerrors.SeverityCritical, "underlying", agent.VaultAddress,
			"所有者底层链余额不足，无法补仓")
		event.Metadata = map[string]string{
			"owner_balance": ownerBalance.String(),
			"needed":        topUp.String(),
		}
		u.deps.notify(ctx, event)
		return nil
	}

	err = u.TopUp(ctx, agent, ownerUnderlying, topUp)
	if stdErrors.Is(err, fasset.ErrPaymentInFlight) {
		return nil
	}
	return err
}

// topUpReference 生成补仓交易的标准支付引用。
func topUpReference(vault string) string {
	return "0x4642505266410011" + vault[2:]
}
