package workflow

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/observability/alerting"
)

// Closing 驱动金库退出流程：public → cleanup → destroying → destroyed。
// 每一步都幂等：公告类操作先记录 allowedAt，到点后执行并清除记录，
// 任何一个周期崩溃后都能从落库的阶段继续。
type Closing struct {
	deps *Deps
	log  *slog.Logger
}

// NewClosing 创建退出流程状态机。
func NewClosing(deps *Deps) *Closing {
	return &Closing{deps: deps, log: deps.Log.With(slog.String("workflow", "closing"))}
}

// Begin 启动退出流程。已在退出中的代理是无操作。
func (c *Closing) Begin(ctx context.Context, agent *fasset.Agent) error {
	if agent.ClosingPhase != fasset.ClosingPublic && agent.ClosingPhase != "" {
		return nil
	}
	info, err := c.deps.Manager.GetAgentInfo(ctx, agent.VaultAddress)
	if err != nil {
		return err
	}
	if info.PubliclyAvailable {
		allowedAt, err := c.deps.Manager.AnnounceExitAvailableList(ctx, agent.VaultAddress)
		if err != nil {
			return err
		}
		agent.ExitAvailable = fasset.Announcement{AllowedAt: int64(allowedAt)}
	}
	agent.ClosingPhase = fasset.ClosingCleanup
	if err := c.deps.Store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	c.log.Info("金库退出流程已启动", slog.String("vault", agent.VaultAddress))
	return nil
}

// MarkDestroyed 响应链上 AgentDestroyed 事件，终结本地记录。
func (c *Closing) MarkDestroyed(ctx context.Context, agent *fasset.Agent) error {
	if agent.ClosingPhase == fasset.ClosingDestroyed && !agent.Active {
		return nil
	}
	agent.ClosingPhase = fasset.ClosingDestroyed
	agent.Active = false
	if err := c.deps.Store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	event := alerting.NewEvent(xerrors.SeverityInfo, "closing", agent.VaultAddress, "金库已销毁")
	c.deps.notify(ctx, event)
	return nil
}

// Tick 推进退出流程一步。未进入退出流程的代理是无操作。
func (c *Closing) Tick(ctx context.Context, agent *fasset.Agent) StepResult {
	switch agent.ClosingPhase {
	case fasset.ClosingCleanup:
		if err := c.stepCleanup(ctx, agent); err != nil {
			return retryWith(err)
		}
	case fasset.ClosingDestroying:
		if err := c.stepDestroying(ctx, agent); err != nil {
			return retryWith(err)
		}
	}
	return ok()
}

// stepCleanup 逐步清空金库：退出公开列表、提走池手续费、自关闭
// 剩余铸币、赎回池代币、提走金库抵押；全部清零后公告销毁。
func (c *Closing) stepCleanup(ctx context.Context, agent *fasset.Agent) error {
	info, err := c.deps.Manager.GetAgentInfo(ctx, agent.VaultAddress)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	changed := false

	if info.PubliclyAvailable && agent.ExitAvailable.Pending() && now >= agent.ExitAvailable.AllowedAt {
		if err := c.deps.Manager.ExitAvailableList(ctx, agent.VaultAddress); err != nil {
			return err
		}
		agent.ExitAvailable = fasset.Announcement{}
		changed = true
	}

	if info.FreePoolFeesUBA != nil && info.FreePoolFeesUBA.Sign() > 0 {
		if err := c.deps.Manager.WithdrawPoolFees(ctx, agent.VaultAddress, info.FreePoolFeesUBA); err != nil {
			return err
		}
	}

	if info.MintedUBA != nil && info.MintedUBA.Sign() > 0 {
		if err := c.deps.Manager.SelfClose(ctx, agent.VaultAddress, info.MintedUBA); err != nil {
			return err
		}
	}

	backed := new(big.Int).Add(fasset.BigOrZero(info.MintedUBA), fasset.BigOrZero(info.ReservedUBA))
	backed.Add(backed, fasset.BigOrZero(info.RedeemingUBA))
	nothingBacked := backed.Sign() == 0

	if nothingBacked && info.TotalPoolTokens != nil && info.TotalPoolTokens.Sign() > 0 {
		if done, err := c.advanceAnnouncement(ctx, agent, &agent.PoolTokenRedemption, info.TotalPoolTokens, now,
			c.deps.Manager.AnnouncePoolTokenRedemption, c.deps.Manager.RedeemPoolTokens); err != nil {
			return err
		} else if done {
			changed = true
		}
	}

	if nothingBacked && info.VaultCollateral != nil && info.VaultCollateral.Sign() > 0 {
		if done, err := c.advanceAnnouncement(ctx, agent, &agent.VaultWithdrawal, info.VaultCollateral, now,
			c.deps.Manager.AnnounceVaultCollateralWithdrawal, c.deps.Manager.WithdrawVaultCollateral); err != nil {
			return err
		} else if done {
			changed = true
		}
	}

	emptied := nothingBacked &&
		!info.PubliclyAvailable &&
		fasset.BigOrZero(info.TotalPoolTokens).Sign() == 0 &&
		fasset.BigOrZero(info.VaultCollateral).Sign() == 0
	if emptied {
		allowedAt, err := c.deps.Manager.AnnounceDestroy(ctx, agent.VaultAddress)
		if err != nil {
			return err
		}
		agent.Destroy = fasset.Announcement{AllowedAt: int64(allowedAt)}
		agent.ClosingPhase = fasset.ClosingDestroying
		changed = true
		c.log.Info("金库已清空，销毁已公告",
			slog.String("vault", agent.VaultAddress),
			slog.Int64("allowed_at", int64(allowedAt)))
	}

	if changed {
		return c.deps.Store.UpdateAgent(ctx, agent)
	}
	return nil
}

// advanceAnnouncement 推进一条"先公告后执行"的操作：
// 未公告则公告并记录 allowedAt；已到点则执行并清除记录。
func (c *Closing) advanceAnnouncement(
	ctx context.Context,
	agent *fasset.Agent,
	announcement *fasset.Announcement,
	amount *big.Int,
	now int64,
	announce func(context.Context, string, *big.Int) error,
	execute func(context.Context, string, *big.Int) error,
) (bool, error) {
	if !announcement.Pending() {
		if err := announce(ctx, agent.VaultAddress, amount); err != nil {
			return false, err
		}
		allowedAt, err := c.deps.Manager.GetSettings(ctx)
		if err != nil {
			return false, err
		}
		*announcement = fasset.Announcement{
			AllowedAt: now + int64(allowedAt.WithdrawalWaitMinSeconds),
			Amount:    fasset.CloneBig(amount),
		}
		return true, nil
	}
	if now < announcement.AllowedAt {
		return false, nil
	}
	if err := execute(ctx, agent.VaultAddress, announcement.Amount); err != nil {
		return false, err
	}
	*announcement = fasset.Announcement{}
	return true, nil
}

// stepDestroying 等待销毁时间锁到点后销毁金库。
func (c *Closing) stepDestroying(ctx context.Context, agent *fasset.Agent) error {
	if time.Now().Unix() < agent.Destroy.AllowedAt {
		return nil
	}
	if err := c.deps.Manager.DestroyAgent(ctx, agent.VaultAddress); err != nil {
		return err
	}
	agent.Destroy = fasset.Announcement{}
	agent.ClosingPhase = fasset.ClosingDestroyed
	agent.Active = false
	if err := c.deps.Store.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	event := alerting.NewEvent(xerrors.SeverityInfo, "closing", agent.VaultAddress,
		"金库销毁已执行，剩余抵押已返还所有者")
	c.deps.notify(ctx, event)
	return nil
}
