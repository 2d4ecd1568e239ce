package workflow

import (
	"context"
	"log/slog"
	"math/big"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/observability/alerting"

	"github.com/ethereum/go-ethereum/common"
)

// Collateral 维护代理的抵押率：价格变化或周期触发时检查两类抵押，
// 低于目标线就从所有者资金补足，并在比率恢复后结束清算状态。
type Collateral struct {
	deps *Deps
	log  *slog.Logger
}

// NewCollateral 创建抵押维护器。
func NewCollateral(deps *Deps) *Collateral {
	return &Collateral{deps: deps, log: deps.Log.With(slog.String("workflow", "collateral"))}
}

// Tick 做一轮完整的抵押检查。
func (c *Collateral) Tick(ctx context.Context, agent *fasset.Agent) StepResult {
	info, err := c.deps.Manager.GetAgentInfo(ctx, agent.VaultAddress)
	if err != nil {
		return retryWith(err)
	}
	settings, err := c.deps.Manager.GetSettings(ctx)
	if err != nil {
		return retryWith(err)
	}

	// 目标抵押率在 CCB 线之上留出清算预防余量。
	requiredCR := new(big.Int).Mul(settings.CCBMinCollateralRatioBIPS,
		big.NewInt(c.deps.Config.LiquidationPreventionBIPS))
	requiredCR.Div(requiredCR, big.NewInt(fasset.MaxBIPS))

	if err := c.topUpVault(ctx, agent, info, requiredCR); err != nil {
		return retryWith(err)
	}
	if err := c.topUpPool(ctx, agent, info, requiredCR); err != nil {
		return retryWith(err)
	}
	if err := c.maybeEndLiquidation(ctx, agent, info, requiredCR); err != nil {
		return retryWith(err)
	}
	if err := c.checkNativeBalance(ctx, agent); err != nil {
		return retryWith(err)
	}
	return ok()
}

// shortfall 计算把抵押率拉回 requiredCR 还差多少抵押。
// required = current × requiredCR / currentCR，差额即需补足的数量。
func shortfall(current, currentCR, requiredCR *big.Int) *big.Int {
	if current == nil || currentCR == nil || currentCR.Sign() <= 0 {
		return new(big.Int)
	}
	if currentCR.Cmp(requiredCR) >= 0 {
		return new(big.Int)
	}
	required := new(big.Int).Mul(current, requiredCR)
	required.Div(required, currentCR)
	return required.Sub(required, current)
}

func (c *Collateral) topUpVault(ctx context.Context, agent *fasset.Agent, info *fasset.AgentInfo, requiredCR *big.Int) error {
	amount := shortfall(info.VaultCollateral, info.VaultCollateralRatioBIPS, requiredCR)
	if amount.Sign() <= 0 {
		return nil
	}
	err := c.deps.Manager.DepositVaultCollateral(ctx, agent.VaultAddress, amount)
	c.notifyTopUp(ctx, agent, "vault", amount, err)
	return err
}

func (c *Collateral) topUpPool(ctx context.Context, agent *fasset.Agent, info *fasset.AgentInfo, requiredCR *big.Int) error {
	amount := shortfall(info.PoolCollateral, info.PoolCollateralRatioBIPS, requiredCR)
	if amount.Sign() <= 0 {
		return nil
	}
	err := c.deps.Manager.BuyPoolTokens(ctx, agent.VaultAddress, amount)
	c.notifyTopUp(ctx, agent, "pool", amount, err)
	return err
}

func (c *Collateral) notifyTopUp(ctx context.Context, agent *fasset.Agent, kind string, amount *big.Int, err error) {
	severity := xerrors.SeverityInfo
	summary := "抵押已补足"
	if err != nil {
		severity = xerrors.SeverityCritical
		summary = "抵押补足失败，代理面临清算风险"
	}
	event := alerting.NewEvent(severity, "collateral", agent.VaultAddress, summary)
	event.Metadata = map[string]string{
		"collateral": kind,
		"amount":     amount.String(),
	}
	if err != nil {
		event.Detail = err.Error()
	}
	c.deps.notify(ctx, event)
}

// maybeEndLiquidation 在两类抵押率都恢复后把代理拉回正常状态。
func (c *Collateral) maybeEndLiquidation(ctx context.Context, agent *fasset.Agent, info *fasset.AgentInfo, requiredCR *big.Int) error {
	if info.Status != fasset.AgentStatusCCB && info.Status != fasset.AgentStatusLiquidation {
		return nil
	}
	if info.VaultCollateralRatioBIPS.Cmp(requiredCR) < 0 || info.PoolCollateralRatioBIPS.Cmp(requiredCR) < 0 {
		return nil
	}
	if err := c.deps.Manager.EndLiquidation(ctx, agent.VaultAddress); err != nil {
		return err
	}
	c.log.Info("抵押率已恢复，清算状态解除", slog.String("vault", agent.VaultAddress))
	return nil
}

// checkNativeBalance 监控工作地址的原生代币余额，不足时提醒运营方。
func (c *Collateral) checkNativeBalance(ctx context.Context, agent *fasset.Agent) error {
	min := c.deps.Config.NativeBalanceMinWei
	if min == nil || c.deps.Native == nil {
		return nil
	}
	balance, err := c.deps.Native.BalanceAt(ctx, common.HexToAddress(agent.OwnerWorkAddress))
	if err != nil {
		return err
	}
	if balance.Cmp(min) >= 0 {
		return nil
	}
	event := alerting.NewEvent(xerrors.SeverityWarning, "collateral", agent.VaultAddress,
		"工作地址原生代币余额不足")
	event.Metadata = map[string]string{
		"address": agent.OwnerWorkAddress,
		"balance": balance.String(),
		"minimum": min.String(),
	}
	c.deps.notify(ctx, event)
	return nil
}
