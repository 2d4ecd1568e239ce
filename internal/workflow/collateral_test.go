package workflow

import (
	"context"
	"math/big"
	"testing"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
)

func TestCollateralTopUpOnLowRatio(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewCollateral(h.deps)

	h.manager.getAgentInfoFn = func(vault string) (*fasset.AgentInfo, error) {
		return &fasset.AgentInfo{
			Status:                   fasset.AgentStatusNormal,
			OwnerWorkAddress:         testOwnerWork,
			VaultCollateral:          big.NewInt(10_000),
			PoolCollateral:           big.NewInt(10_000),
			VaultCollateralRatioBIPS: big.NewInt(13000),
			PoolCollateralRatioBIPS:  big.NewInt(20000),
		}, nil
	}

	var deposited *big.Int
	h.manager.depositVaultFn = func(vault string, amount *big.Int) error {
		deposited = amount
		return nil
	}
	mustOk(t, c.Tick(ctx, h.agent))

	// 目标比率 = 13000 × 12000 / 10000 = 15600，
	// 需要 10000 × 15600 / 13000 = 12000，缺口 2000。
	if deposited == nil || deposited.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("unexpected vault deposit: %v", deposited)
	}
	if h.manager.called("BuyPoolTokens") != 0 {
		t.Fatalf("pool ratio is healthy, no pool top-up expected")
	}
}

func TestCollateralTopUpFailureAlertsCritical(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewCollateral(h.deps)

	h.manager.getAgentInfoFn = func(vault string) (*fasset.AgentInfo, error) {
		return &fasset.AgentInfo{
			Status:                   fasset.AgentStatusCCB,
			OwnerWorkAddress:         testOwnerWork,
			VaultCollateral:          big.NewInt(10_000),
			PoolCollateral:           big.NewInt(10_000),
			VaultCollateralRatioBIPS: big.NewInt(13000),
			PoolCollateralRatioBIPS:  big.NewInt(20000),
		}, nil
	}
	h.manager.depositVaultFn = func(vault string, amount *big.Int) error {
		return xerrors.New(xerrors.CodeChainFailure, "insufficient allowance")
	}

	res := c.Tick(ctx, h.agent)
	if res.Status != StatusRetry {
		t.Fatalf("expected retry, got %d", res.Status)
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityCritical {
		t.Fatalf("expected critical alert on failed top-up")
	}
}

func TestCollateralEndsLiquidationWhenRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewCollateral(h.deps)

	h.manager.getAgentInfoFn = func(vault string) (*fasset.AgentInfo, error) {
		return &fasset.AgentInfo{
			Status:                   fasset.AgentStatusCCB,
			OwnerWorkAddress:         testOwnerWork,
			VaultCollateral:          big.NewInt(10_000),
			PoolCollateral:           big.NewInt(10_000),
			VaultCollateralRatioBIPS: big.NewInt(17000),
			PoolCollateralRatioBIPS:  big.NewInt(17000),
		}, nil
	}
	mustOk(t, c.Tick(ctx, h.agent))
	if h.manager.called("EndLiquidation") != 1 {
		t.Fatalf("expected EndLiquidation")
	}
}

func TestCollateralNativeBalanceAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.deps.Config.NativeBalanceMinWei = big.NewInt(1_000)
	h.deps.Native = &fakeBalances{balance: big.NewInt(10)}
	c := NewCollateral(h.deps)

	mustOk(t, c.Tick(ctx, h.agent))
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityWarning {
		t.Fatalf("expected low native balance warning")
	}
}
