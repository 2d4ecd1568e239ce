package workflow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"math/big"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/observability/alerting"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/store"
	"FAsset-Agent/internal/wallet"
)

// Redemption 驱动赎回状态机：
// started → paid → requested_proof → done（正常路径），
// started → requested_rejection_proof → done（目标地址非法）。
// 付款窗口滑出索引器时任何未完成状态都可走链上兜底直接关闭。
type Redemption struct {
	deps *Deps
	log  *slog.Logger
}

// NewRedemption 创建赎回状态机。
func NewRedemption(deps *Deps) *Redemption {
	return &Redemption{deps: deps, log: deps.Log.With(slog.String("workflow", "redemption"))}
}

// Start 为 RedemptionRequested 事件创建新的赎回记录，重复事件幂等。
func (r *Redemption) Start(ctx context.Context, agent *fasset.Agent, args *fasset.RedemptionRequestedArgs) error {
	redemption := &fasset.Redemption{
		VaultAddress:            agent.VaultAddress,
		RequestID:               args.RequestID,
		State:                   fasset.RedemptionStarted,
		ValueUBA:                args.ValueUBA,
		FeeUBA:                  args.FeeUBA,
		FirstUnderlyingBlock:    args.FirstUnderlyingBlock,
		LastUnderlyingBlock:     args.LastUnderlyingBlock,
		LastUnderlyingTimestamp: args.LastUnderlyingTimestamp,
		PaymentAddress:          args.PaymentAddress,
		PaymentReference:        args.PaymentReference,
	}
	err := r.deps.Store.CreateRedemption(ctx, redemption)
	if stdErrors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	r.log.Info("登记新的赎回请求",
		slog.String("vault", agent.VaultAddress),
		slog.String("request_id", args.RequestID.String()),
		slog.String("value_uba", args.ValueUBA.String()))
	return nil
}

// Tick 推进该代理所有未完成的赎回。
func (r *Redemption) Tick(ctx context.Context, agent *fasset.Agent) StepResult {
	open, err := r.deps.Store.ListOpenRedemptions(ctx, agent.VaultAddress)
	if err != nil {
		return retryWith(err)
	}
	var firstErr error
	for _, redemption := range open {
		if err := r.step(ctx, agent, redemption); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.log.Warn("赎回步进失败",
				slog.String("vault", agent.VaultAddress),
				slog.String("request_id", redemption.RequestID.String()),
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

func (r *Redemption) step(ctx context.Context, agent *fasset.Agent, redemption *fasset.Redemption) error {
	// 每个周期先检查付款窗口是否已滑出索引器，
	// 过期后无论处于哪一步都只能走链上兜底关闭。
	expiry, err := r.deps.Expiry.Check(ctx, redemption.LastUnderlyingBlock, redemption.LastUnderlyingTimestamp)
	if err != nil {
		return err
	}
	if expiry.Status == proofs.ExpiryExpired {
		return r.finishExpired(ctx, agent, redemption, expiry.Proof)
	}

	switch redemption.State {
	case fasset.RedemptionStarted:
		return r.stepStarted(ctx, agent, redemption)
	case fasset.RedemptionPaid:
		return r.stepPaid(ctx, agent, redemption)
	case fasset.RedemptionRequestedProof:
		return r.stepProof(ctx, agent, redemption)
	case fasset.RedemptionRequestedRejectionProof:
		return r.stepRejectionProof(ctx, agent, redemption)
	default:
		return nil
	}
}

// stepStarted 先确认付款窗口仍然敞开，再校验目标地址：
// 合法则在地址锁内支付 value − fee，非法则申请地址合法性证明走拒绝路径。
func (r *Redemption) stepStarted(ctx context.Context, agent *fasset.Agent, redemption *fasset.Redemption) error {
	height, err := r.deps.Wallet.UnderlyingBlockHeight(ctx)
	if err != nil {
		return err
	}
	if deadlinePassed(height, nowUnix(), redemption.LastUnderlyingBlock, redemption.LastUnderlyingTimestamp) {
		// 窗口关闭后付款既损失底层资产也阻止不了违约，
		// 记录留在 started，等窗口滑出索引器后走链上兜底。
		return nil
	}

	valid, err := r.deps.Proofs.ValidateAddress(ctx, redemption.PaymentAddress)
	if err != nil {
		return err
	}
	if !valid {
		id, err := r.deps.Proofs.SubmitRequest(ctx,
			proofs.NewAddressValidityRequest(r.deps.Proofs.SourceID(), redemption.PaymentAddress))
		if err != nil {
			return err
		}
		redemption.State = fasset.RedemptionRequestedRejectionProof
		redemption.Proof = &fasset.ProofRequest{Round: id.Round, Data: id.Data}
		if err := r.deps.Store.UpdateRedemption(ctx, redemption); err != nil {
			return err
		}
		r.log.Warn("赎回目标地址非法，已申请拒绝证明",
			slog.String("vault", agent.VaultAddress),
			slog.String("request_id", redemption.RequestID.String()),
			slog.String("address", redemption.PaymentAddress))
		return nil
	}

	amount := new(big.Int).Sub(fasset.BigOrZero(redemption.ValueUBA), fasset.BigOrZero(redemption.FeeUBA))
	return r.deps.Locks.WithLock(ctx, agent.UnderlyingAddress, func(ctx context.Context) error {
		// 拿到锁后重读状态，避免与并发实例重复支付。
		current, err := r.deps.Store.GetRedemption(ctx, agent.VaultAddress, redemption.RequestID)
		if err != nil {
			return err
		}
		if current.State != fasset.RedemptionStarted {
			return nil
		}
		txID, err := r.deps.Wallet.AddTransaction(ctx,
			agent.UnderlyingAddress, current.PaymentAddress, amount, current.PaymentReference)
		if err != nil {
			return err
		}
		current.TxID = txID
		current.State = fasset.RedemptionPaid
		if err := r.deps.Store.UpdateRedemption(ctx, current); err != nil {
			return err
		}
		r.log.Info("赎回付款已提交",
			slog.String("vault", agent.VaultAddress),
			slog.String("request_id", current.RequestID.String()),
			slog.String("tx_id", txID),
			slog.String("amount", amount.String()))
		return nil
	})
}

// stepPaid 等待底层链交易终局，然后申请支付证明。
func (r *Redemption) stepPaid(ctx context.Context, agent *fasset.Agent, redemption *fasset.Redemption) error {
	status, err := r.deps.Wallet.CheckTransactionStatus(ctx, redemption.TxID)
	if err != nil {
		return err
	}
	switch status.Status {
	case wallet.StatusPending:
		return nil
	case wallet.StatusReplaced:
		redemption.TxID = status.ReplacedByID
		return r.deps.Store.UpdateRedemption(ctx, redemption)
	case wallet.StatusFailed:
		// 付款失败，回到起点重新支付。
		// 起点会重新检查付款窗口，窗口已关闭时不会再付，
		// 所以重试不会变成迟付或重复付款。
		redemption.TxID = ""
		redemption.State = fasset.RedemptionStarted
		if err := r.deps.Store.UpdateRedemption(ctx, redemption); err != nil {
			return err
		}
		event := alerting.NewEvent(xerrors.SeverityWarning, "redemption", agent.VaultAddress,
			"赎回付款交易失败，将重新支付")
		event.Metadata = map[string]string{"request_id": redemption.RequestID.String()}
		r.deps.notify(ctx, event)
		return nil
	}
	if status.Confirmations < r.deps.Config.UnderlyingFinalization {
		return nil
	}

	id, err := r.deps.Proofs.SubmitRequest(ctx,
		proofs.NewPaymentRequest(r.deps.Proofs.SourceID(), status.TxHash, 0, 0))
	if err != nil {
		return err
	}
	redemption.TxHash = status.TxHash
	redemption.State = fasset.RedemptionRequestedProof
	redemption.Proof = &fasset.ProofRequest{Round: id.Round, Data: id.Data}
	return r.deps.Store.UpdateRedemption(ctx, redemption)
}

// stepProof 轮询支付证明并在链上确认赎回。
// 赎回从不重置证明请求：长期失败只告警，下个周期继续取。
func (r *Redemption) stepProof(ctx context.Context, agent *fasset.Agent, redemption *fasset.Redemption) error {
	if redemption.Proof == nil {
		return xerrors.New(xerrors.CodeProofFailure, "赎回记录缺少证明请求")
	}
	proof, err := r.deps.Proofs.ObtainProof(ctx, redemption.Proof.Round, redemption.Proof.Data)
	if err != nil {
		if stdErrors.Is(err, proofs.ErrNotFinalized) {
			return nil
		}
		if stdErrors.Is(err, proofs.ErrNoProviders) ||
			stdErrors.Is(err, proofs.ErrDisproved) ||
			stdErrors.Is(err, proofs.ErrVerification) {
			event := alerting.NewEvent(xerrors.SeverityError, "redemption", agent.VaultAddress,
				"赎回支付证明迟迟无法取回，需要人工关注")
			event.Detail = err.Error()
			event.Metadata = map[string]string{
				"request_id": redemption.RequestID.String(),
				"round":      big.NewInt(redemption.Proof.Round).String(),
			}
			r.deps.notify(ctx, event)
			return nil
		}
		return err
	}

	if err := r.deps.Manager.ConfirmRedemptionPayment(ctx, agent.VaultAddress, redemption.RequestID, proof); err != nil {
		return err
	}
	redemption.State = fasset.RedemptionDone
	redemption.Proof = nil
	if err := r.deps.Store.UpdateRedemption(ctx, redemption); err != nil {
		return err
	}
	r.log.Info("赎回付款已在链上确认",
		slog.String("vault", agent.VaultAddress),
		slog.String("request_id", redemption.RequestID.String()))
	return nil
}

// stepRejectionProof 轮询地址合法性证明。
// 证明确认地址非法则在链上拒绝该赎回；证明反而说地址合法，
// 说明本地校验与证明服务结论冲突，只告警不动作。
func (r *Redemption) stepRejectionProof(ctx context.Context, agent *fasset.Agent, redemption *fasset.Redemption) error {
	if redemption.Proof == nil {
		return xerrors.New(xerrors.CodeProofFailure, "赎回记录缺少拒绝证明请求")
	}
	proof, err := r.deps.Proofs.ObtainProof(ctx, redemption.Proof.Round, redemption.Proof.Data)
	if err != nil {
		if stdErrors.Is(err, proofs.ErrNotFinalized) || stdErrors.Is(err, proofs.ErrNoProviders) {
			return nil
		}
		return err
	}

	var decoded proofs.AddressValidityResponse
	if err := json.Unmarshal(proof.Response, &decoded); err != nil {
		return xerrors.Wrap(xerrors.CodeProofFailure, err, "解析地址合法性证明失败")
	}
	if decoded.ResponseBody.IsValid {
		event := alerting.NewEvent(xerrors.SeverityError, "redemption", agent.VaultAddress,
			"证明服务判定赎回地址合法，与本地校验冲突")
		event.Metadata = map[string]string{
			"request_id": redemption.RequestID.String(),
			"address":    redemption.PaymentAddress,
		}
		r.deps.notify(ctx, event)
		return nil
	}

	if err := r.deps.Manager.RejectInvalidRedemption(ctx, agent.VaultAddress, redemption.RequestID, proof); err != nil {
		return err
	}
	redemption.State = fasset.RedemptionDone
	redemption.Proof = nil
	if err := r.deps.Store.UpdateRedemption(ctx, redemption); err != nil {
		return err
	}
	r.log.Info("非法赎回已在链上拒绝",
		slog.String("vault", agent.VaultAddress),
		slog.String("request_id", redemption.RequestID.String()))
	return nil
}

// finishExpired 用区块高度证明关闭已滑出索引器的赎回。
func (r *Redemption) finishExpired(ctx context.Context, agent *fasset.Agent, redemption *fasset.Redemption, proof *proofs.Proof) error {
	if err := r.deps.Manager.FinishRedemptionWithoutPayment(ctx, agent.VaultAddress, redemption.RequestID, proof); err != nil {
		return err
	}
	redemption.State = fasset.RedemptionDone
	redemption.Proof = nil
	if err := r.deps.Store.UpdateRedemption(ctx, redemption); err != nil {
		return err
	}
	event := alerting.NewEvent(xerrors.SeverityWarning, "redemption", agent.VaultAddress,
		"赎回窗口已滑出索引器，已在链上直接关闭")
	event.Metadata = map[string]string{"request_id": redemption.RequestID.String()}
	r.deps.notify(ctx, event)
	return nil
}
