package workflow

import (
	"context"
	"math/big"
	"testing"
	"time"

	"FAsset-Agent/internal/fasset"
)

func TestClosingEmptyVaultReachesDestroyed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewClosing(h.deps)

	// 金库已空：没有铸币、不在公开列表、没有池代币与抵押。
	if err := c.Begin(ctx, h.agent); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if h.agent.ClosingPhase != fasset.ClosingCleanup {
		t.Fatalf("expected cleanup phase, got %s", h.agent.ClosingPhase)
	}

	h.manager.announceDestroyFn = func(vault string) (uint64, error) {
		return uint64(time.Now().Add(-time.Minute).Unix()), nil
	}
	mustOk(t, c.Tick(ctx, h.agent))
	if h.agent.ClosingPhase != fasset.ClosingDestroying {
		t.Fatalf("expected destroying phase, got %s", h.agent.ClosingPhase)
	}

	mustOk(t, c.Tick(ctx, h.agent))
	if h.manager.called("DestroyAgent") != 1 {
		t.Fatalf("expected DestroyAgent")
	}
	if h.agent.ClosingPhase != fasset.ClosingDestroyed || h.agent.Active {
		t.Fatalf("expected destroyed inactive agent, got %s active=%v", h.agent.ClosingPhase, h.agent.Active)
	}
}

func TestClosingCleanupDrainsVault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewClosing(h.deps)

	h.agent.ClosingPhase = fasset.ClosingCleanup
	h.manager.getAgentInfoFn = func(vault string) (*fasset.AgentInfo, error) {
		return &fasset.AgentInfo{
			Status:           fasset.AgentStatusNormal,
			OwnerWorkAddress: testOwnerWork,
			MintedUBA:        big.NewInt(300),
			ReservedUBA:      new(big.Int),
			RedeemingUBA:     new(big.Int),
			VaultCollateral:  big.NewInt(10_000),
			FreePoolFeesUBA:  big.NewInt(40),
			TotalPoolTokens:  new(big.Int),
		}, nil
	}

	mustOk(t, c.Tick(ctx, h.agent))
	if h.manager.called("WithdrawPoolFees") != 1 {
		t.Fatalf("expected pool fee withdrawal")
	}
	if h.manager.called("SelfClose") != 1 {
		t.Fatalf("expected self close of remaining mintings")
	}
	// 仍有铸币在背书，抵押提现与销毁都不能发生。
	if h.manager.called("AnnounceVaultCollateralWithdrawal") != 0 {
		t.Fatalf("collateral withdrawal must wait for zero backing")
	}
	if h.manager.called("AnnounceDestroy") != 0 {
		t.Fatalf("destroy must wait for an emptied vault")
	}
}

func TestClosingAnnouncementRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewClosing(h.deps)

	h.agent.ClosingPhase = fasset.ClosingCleanup
	h.manager.getAgentInfoFn = func(vault string) (*fasset.AgentInfo, error) {
		return &fasset.AgentInfo{
			Status:           fasset.AgentStatusNormal,
			OwnerWorkAddress: testOwnerWork,
			MintedUBA:        new(big.Int),
			ReservedUBA:      new(big.Int),
			RedeemingUBA:     new(big.Int),
			VaultCollateral:  big.NewInt(10_000),
			TotalPoolTokens:  new(big.Int),
			FreePoolFeesUBA:  new(big.Int),
		}, nil
	}

	// 第一个周期公告提现并记录时间锁。
	mustOk(t, c.Tick(ctx, h.agent))
	if h.manager.called("AnnounceVaultCollateralWithdrawal") != 1 {
		t.Fatalf("expected withdrawal announcement")
	}
	if h.manager.called("WithdrawVaultCollateral") != 0 {
		t.Fatalf("withdrawal must wait for the timelock")
	}
	if !h.agent.VaultWithdrawal.Pending() {
		t.Fatalf("expected recorded announcement")
	}

	// 时间锁到点后执行。
	h.agent.VaultWithdrawal.AllowedAt = time.Now().Add(-time.Minute).Unix()
	mustOk(t, c.Tick(ctx, h.agent))
	if h.manager.called("WithdrawVaultCollateral") != 1 {
		t.Fatalf("expected withdrawal execution")
	}
	if h.agent.VaultWithdrawal.Pending() {
		t.Fatalf("expected announcement cleared")
	}
}

func TestMarkDestroyedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := NewClosing(h.deps)

	if err := c.MarkDestroyed(ctx, h.agent); err != nil {
		t.Fatalf("mark destroyed: %v", err)
	}
	alerts := h.alerts.count()
	if err := c.MarkDestroyed(ctx, h.agent); err != nil {
		t.Fatalf("second mark destroyed: %v", err)
	}
	if h.alerts.count() != alerts {
		t.Fatalf("expected no duplicate alert")
	}
	if h.agent.Active {
		t.Fatalf("expected inactive agent")
	}
}
