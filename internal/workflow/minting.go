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
	"FAsset-Agent/internal/store"
)

// Minting 驱动抵押预约状态机：
// started → request_payment_proof | request_non_payment_proof → done。
// 预约被链上事件关闭（执行或删除）时从任意状态直接进入 done。
type Minting struct {
	deps *Deps
	log  *slog.Logger
}

// NewMinting 创建铸币状态机。
func NewMinting(deps *Deps) *Minting {
	return &Minting{deps: deps, log: deps.Log.With(slog.String("workflow", "minting"))}
}

// Start 为 CollateralReserved 事件创建新的预约记录。
// 重复事件（重放）是幂等的无操作。
func (m *Minting) Start(ctx context.Context, agent *fasset.Agent, args *fasset.CollateralReservedArgs) error {
	minting := &fasset.Minting{
		VaultAddress:            agent.VaultAddress,
		RequestID:               args.RequestID,
		State:                   fasset.MintingStarted,
		ValueUBA:                args.ValueUBA,
		FeeUBA:                  args.FeeUBA,
		FirstUnderlyingBlock:    args.FirstUnderlyingBlock,
		LastUnderlyingBlock:     args.LastUnderlyingBlock,
		LastUnderlyingTimestamp: args.LastUnderlyingTimestamp,
		PaymentAddress:          args.PaymentAddress,
		PaymentReference:        args.PaymentReference,
	}
	err := m.deps.Store.CreateMinting(ctx, minting)
	if stdErrors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	m.log.Info("登记新的抵押预约",
		slog.String("vault", agent.VaultAddress),
		slog.String("request_id", args.RequestID.String()),
		slog.String("value_uba", args.ValueUBA.String()))
	return nil
}

// Handshake 登记握手请求并在链上放行预约。
func (m *Minting) Handshake(ctx context.Context, agent *fasset.Agent, args *fasset.HandshakeRequiredArgs) error {
	err := m.deps.Store.CreateHandshake(ctx, &fasset.Handshake{
		VaultAddress:  agent.VaultAddress,
		RequestID:     args.RequestID,
		MinterAddress: args.Minter,
		State:         fasset.HandshakeOpen,
	})
	if err != nil && !stdErrors.Is(err, store.ErrConflict) {
		return err
	}
	return m.deps.Manager.ApproveCollateralReservation(ctx, agent.VaultAddress, args.RequestID)
}

// Close 把预约标记为完成，来自 MintingExecuted / CollateralReservationDeleted 事件。
// 记录不存在或已经完成都是无操作。
func (m *Minting) Close(ctx context.Context, vault string, requestID *big.Int) error {
	minting, err := m.deps.Store.GetMinting(ctx, vault, requestID)
	if stdErrors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if minting.State == fasset.MintingDone {
		return nil
	}
	minting.State = fasset.MintingDone
	minting.Proof = nil
	return m.deps.Store.UpdateMinting(ctx, minting)
}

// Tick 推进该代理所有未完成的预约。单条记录的失败不阻塞其余记录。
func (m *Minting) Tick(ctx context.Context, agent *fasset.Agent) StepResult {
	open, err := m.deps.Store.ListOpenMintings(ctx, agent.VaultAddress)
	if err != nil {
		return retryWith(err)
	}
	var firstErr error
	for _, minting := range open {
		if err := m.step(ctx, agent, minting); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.log.Warn("预约步进失败",
				slog.String("vault", agent.VaultAddress),
				slog.String("request_id", minting.RequestID.String()),
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

func (m *Minting) step(ctx context.Context, agent *fasset.Agent, minting *fasset.Minting) error {
	switch minting.State {
	case fasset.MintingStarted:
		return m.stepStarted(ctx, agent, minting)
	case fasset.MintingRequestPaymentProof:
		return m.stepProof(ctx, agent, minting, true)
	case fasset.MintingRequestNonPaymentProof:
		return m.stepProof(ctx, agent, minting, false)
	default:
		return nil
	}
}

// stepStarted 先做索引器过期检查，过期走链上兜底；
// 窗口关闭后按是否收到付款决定申请哪种证明。
func (m *Minting) stepStarted(ctx context.Context, agent *fasset.Agent, minting *fasset.Minting) error {
	expiry, err := m.deps.Expiry.Check(ctx, minting.LastUnderlyingBlock, minting.LastUnderlyingTimestamp)
	if err != nil {
		return err
	}
	switch expiry.Status {
	case proofs.ExpiryExpired:
		return m.unstick(ctx, agent, minting, expiry.Proof)
	case proofs.ExpiryWaiting:
		return nil
	}

	height, err := m.deps.Wallet.UnderlyingBlockHeight(ctx)
	if err != nil {
		return err
	}
	if !deadlinePassed(height, nowUnix(), minting.LastUnderlyingBlock, minting.LastUnderlyingTimestamp) {
		// 付款窗口未关闭，铸币方还可能付款。
		return nil
	}

	amount := new(big.Int).Add(fasset.BigOrZero(minting.ValueUBA), fasset.BigOrZero(minting.FeeUBA))
	payment, err := m.deps.Wallet.FindPayment(ctx,
		minting.PaymentAddress, minting.PaymentReference, amount,
		minting.FirstUnderlyingBlock, minting.LastUnderlyingBlock)
	if err != nil {
		return err
	}

	var req proofs.Request
	next := fasset.MintingRequestNonPaymentProof
	if payment != nil {
		req = proofs.NewPaymentRequest(m.deps.Proofs.SourceID(), payment.TxHash, 0, 0)
		next = fasset.MintingRequestPaymentProof
	} else {
		req = proofs.NewNonexistenceRequest(m.deps.Proofs.SourceID(),
			minting.PaymentAddress, minting.PaymentReference, amount,
			minting.FirstUnderlyingBlock, minting.LastUnderlyingBlock, minting.LastUnderlyingTimestamp)
	}
	id, err := m.deps.Proofs.SubmitRequest(ctx, req)
	if err != nil {
		return err
	}
	minting.State = next
	minting.Proof = &fasset.ProofRequest{Round: id.Round, Data: id.Data}
	if err := m.deps.Store.UpdateMinting(ctx, minting); err != nil {
		return err
	}
	m.log.Info("预约付款窗口已关闭，已提交证明请求",
		slog.String("vault", agent.VaultAddress),
		slog.String("request_id", minting.RequestID.String()),
		slog.String("state", string(next)),
		slog.Int64("round", id.Round))
	return nil
}

// unstick 用区块高度证明强制关闭已滑出索引器的预约，
// 销毁金额 = convertUBAToTokenWei(valueUBA) × vaultCollateralBuyForFlareFactorBIPS / MAX_BIPS。
func (m *Minting) unstick(ctx context.Context, agent *fasset.Agent, minting *fasset.Minting, proof *proofs.Proof) error {
	settings, err := m.deps.Manager.GetSettings(ctx)
	if err != nil {
		return err
	}
	tokenWei, err := m.deps.Manager.ConvertUBAToTokenWei(ctx, minting.ValueUBA)
	if err != nil {
		return err
	}
	burn := new(big.Int).Mul(tokenWei, settings.VaultCollateralBuyForFlareFactorBIPS)
	burn.Div(burn, big.NewInt(fasset.MaxBIPS))

	if err := m.deps.Manager.UnstickMinting(ctx, agent.VaultAddress, minting.RequestID, proof, burn); err != nil {
		return err
	}
	minting.State = fasset.MintingDone
	minting.Proof = nil
	if err := m.deps.Store.UpdateMinting(ctx, minting); err != nil {
		return err
	}
	event := alerting.NewEvent(xerrors.SeverityWarning, "minting", agent.VaultAddress,
		"预约已滑出索引器，已强制关闭")
	event.Metadata = map[string]string{
		"request_id": minting.RequestID.String(),
		"burn_wei":   burn.String(),
	}
	m.deps.notify(ctx, event)
	return nil
}

// stepProof 轮询证明并完成铸币或收取违约费。
// 证明长期取不回且额外轮次已敲定时重置回 started 重新决策。
func (m *Minting) stepProof(ctx context.Context, agent *fasset.Agent, minting *fasset.Minting, paid bool) error {
	if minting.Proof == nil {
		// 状态与证明请求不一致，回到起点重新决策。
		return m.reset(ctx, agent, minting, "证明请求丢失")
	}
	proof, err := m.deps.Proofs.ObtainProof(ctx, minting.Proof.Round, minting.Proof.Data)
	if err != nil {
		switch {
		case stdErrors.Is(err, proofs.ErrNotFinalized):
			return nil
		case stdErrors.Is(err, proofs.ErrNoProviders):
			exhausted, checkErr := m.deps.proofRetryExhausted(ctx, minting.Proof.Round)
			if checkErr != nil {
				return checkErr
			}
			if exhausted {
				return m.reset(ctx, agent, minting, "证明服务长期不可用")
			}
			return nil
		case stdErrors.Is(err, proofs.ErrDisproved), stdErrors.Is(err, proofs.ErrVerification):
			// 结论被否定，说明当时的付款判断可能有误，重新观察。
			return m.reset(ctx, agent, minting, "证明请求被否定")
		default:
			return err
		}
	}

	if paid {
		err = m.deps.Manager.ExecuteMinting(ctx, agent.VaultAddress, minting.RequestID, proof)
	} else {
		err = m.deps.Manager.MintingPaymentDefault(ctx, agent.VaultAddress, minting.RequestID, proof)
	}
	if err != nil {
		return err
	}
	minting.State = fasset.MintingDone
	minting.Proof = nil
	if err := m.deps.Store.UpdateMinting(ctx, minting); err != nil {
		return err
	}
	outcome := "铸币已执行"
	if !paid {
		outcome = "已收取预约违约费"
	}
	m.log.Info(outcome,
		slog.String("vault", agent.VaultAddress),
		slog.String("request_id", minting.RequestID.String()))
	return nil
}

func (m *Minting) reset(ctx context.Context, agent *fasset.Agent, minting *fasset.Minting, reason string) error {
	staleRound := int64(0)
	if minting.Proof != nil {
		staleRound = minting.Proof.Round
	}
	minting.State = fasset.MintingStarted
	minting.Proof = nil
	if err := m.deps.Store.UpdateMinting(ctx, minting); err != nil {
		return err
	}
	event := alerting.NewEvent(xerrors.SeverityWarning, "minting", agent.VaultAddress,
		fmt.Sprintf("预约证明请求已重置: %s", reason))
	event.Metadata = map[string]string{
		"request_id":  minting.RequestID.String(),
		"stale_round": fmt.Sprintf("%d", staleRound),
	}
	m.deps.notify(ctx, event)
	return nil
}
