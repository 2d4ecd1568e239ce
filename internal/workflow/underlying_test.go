package workflow

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"testing"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/wallet"
)

func TestUnderlyingSingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err != nil {
		t.Fatalf("top up: %v", err)
	}
	err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500))
	if !stdErrors.Is(err, fasset.ErrPaymentInFlight) {
		t.Fatalf("expected single-flight rejection, got %v", err)
	}

	// 另一种类型不受影响。
	if err := u.Withdraw(ctx, h.agent, "rSomewhere", big.NewInt(100), "0xref"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

func TestUnderlyingTopUpLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err != nil {
		t.Fatalf("top up: %v", err)
	}
	tx := h.wallet.txs[0]
	if tx.From != testOwnerUnderlying || tx.To != testAgentUnderlying {
		t.Fatalf("unexpected transfer: %+v", tx)
	}
	if !strings.HasPrefix(tx.Reference, "0x4642505266410011") {
		t.Fatalf("unexpected top-up reference %q", tx.Reference)
	}

	h.wallet.statusFn = func(txID string) (wallet.StatusResult, error) {
		return wallet.StatusResult{Status: wallet.StatusSuccess, TxHash: "0xtopup", Confirmations: 4}, nil
	}
	mustOk(t, u.Tick(ctx, h.agent))
	open, err := h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 1 || open[0].State != fasset.UnderlyingRequestedProof {
		t.Fatalf("expected requested_proof, got %+v", open)
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return &proofs.Proof{Round: round}, nil
	}
	mustOk(t, u.Tick(ctx, h.agent))
	if h.manager.called("ConfirmTopupPayment") != 1 {
		t.Fatalf("expected topup confirmation")
	}
	open, err = h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open payments, got %d", len(open))
	}
}

func TestUnderlyingReplacedTransactionRebinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err != nil {
		t.Fatalf("top up: %v", err)
	}
	h.wallet.statusFn = func(txID string) (wallet.StatusResult, error) {
		if txID == "wtx-1" {
			return wallet.StatusResult{Status: wallet.StatusReplaced, ReplacedByID: "wtx-2"}, nil
		}
		return wallet.StatusResult{Status: wallet.StatusPending}, nil
	}
	mustOk(t, u.Tick(ctx, h.agent))

	open, err := h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 1 || open[0].TxID != "wtx-2" {
		t.Fatalf("expected rebound tx id, got %+v", open)
	}
}

func TestUnderlyingProofResetAfterExtraRounds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err != nil {
		t.Fatalf("top up: %v", err)
	}
	h.wallet.statusFn = func(txID string) (wallet.StatusResult, error) {
		return wallet.StatusResult{Status: wallet.StatusSuccess, TxHash: "0xtopup", Confirmations: 4}, nil
	}
	mustOk(t, u.Tick(ctx, h.agent))

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return nil, proofs.ErrNoProviders
	}
	h.proofs.finalizedFn = func(round int64) (bool, error) { return true, nil }
	mustOk(t, u.Tick(ctx, h.agent))

	open, err := h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 1 || open[0].State != fasset.UnderlyingPaid || open[0].Proof != nil {
		t.Fatalf("expected reset to paid, got %+v", open)
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityWarning {
		t.Fatalf("expected warning alert on reset")
	}
}

func TestUnderlyingFailedPaymentFreesSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err != nil {
		t.Fatalf("top up: %v", err)
	}
	h.wallet.statusFn = func(txID string) (wallet.StatusResult, error) {
		return wallet.StatusResult{Status: wallet.StatusFailed}, nil
	}
	mustOk(t, u.Tick(ctx, h.agent))

	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityError {
		t.Fatalf("expected error alert for failed transfer")
	}
	// 失败关闭记录后可以再次发起。
	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err != nil {
		t.Fatalf("retry top up: %v", err)
	}
}

func TestUnderlyingRecordClaimsSlotBeforeWalletSubmit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	// 钱包受理前单飞名额已被占住：提交失败时记录被关闭，
	// 不留在途记录挡住下一次补仓。
	h.wallet.addTxFn = func(from, to string) (string, error) {
		return "", stdErrors.New("wallet unavailable")
	}
	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err == nil {
		t.Fatalf("expected wallet error")
	}
	open, err := h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("rejected submit must not leave an open record, got %+v", open)
	}

	h.wallet.addTxFn = nil
	if err := u.TopUp(ctx, h.agent, testOwnerUnderlying, big.NewInt(500)); err != nil {
		t.Fatalf("retry top up: %v", err)
	}
	open, err = h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 1 || open[0].TxID != "wtx-1" {
		t.Fatalf("expected tracked payment with tx id, got %+v", open)
	}
}

func TestUnderlyingFailedMinedTransactionRequestsProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	if err := u.Withdraw(ctx, h.agent, "rSomewhere", big.NewInt(100), "0xref"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// 交易上链但执行失败，公告仍要用支付证明确认。
	h.wallet.statusFn = func(txID string) (wallet.StatusResult, error) {
		return wallet.StatusResult{Status: wallet.StatusFailed, TxHash: "0xfailedtx", Confirmations: 4}, nil
	}
	mustOk(t, u.Tick(ctx, h.agent))

	open, err := h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 1 || open[0].State != fasset.UnderlyingRequestedProof || open[0].TxHash != "0xfailedtx" {
		t.Fatalf("expected proof requested for failed transaction, got %+v", open)
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityWarning {
		t.Fatalf("expected warning alert for failed transaction")
	}
}

func TestUnderlyingMissingTxIDClosesRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	// 模拟记录落库后、交易编号回填前进程中断。
	err := h.store.CreateUnderlyingPayment(ctx, &fasset.UnderlyingPayment{
		VaultAddress: testVault,
		Kind:         fasset.UnderlyingTopUp,
		State:        fasset.UnderlyingPaid,
		Amount:       big.NewInt(500),
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	mustOk(t, u.Tick(ctx, h.agent))

	open, err := h.store.ListOpenUnderlyingPayments(ctx, testVault)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("untrackable record must be closed, got %+v", open)
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityError {
		t.Fatalf("expected error alert for missing tx id")
	}
}

func TestUnderlyingCheckBalanceTopsUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	h.wallet.balanceFn = func(address string) (*big.Int, error) {
		if address == testAgentUnderlying {
			return big.NewInt(5), nil
		}
		return big.NewInt(10_000), nil
	}
	if err := u.CheckBalance(ctx, h.agent, testOwnerUnderlying); err != nil {
		t.Fatalf("check balance: %v", err)
	}
	if len(h.wallet.txs) != 1 || h.wallet.txs[0].To != testAgentUnderlying {
		t.Fatalf("expected automatic top-up, got %+v", h.wallet.txs)
	}

	// 在途补仓存在时巡检是无操作。
	if err := u.CheckBalance(ctx, h.agent, testOwnerUnderlying); err != nil {
		t.Fatalf("second check: %v", err)
	}
	if len(h.wallet.txs) != 1 {
		t.Fatalf("expected no duplicate top-up")
	}
}

func TestUnderlyingCheckBalanceAlertsWhenOwnerShort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := NewUnderlying(h.deps)

	h.wallet.balanceFn = func(address string) (*big.Int, error) {
		return big.NewInt(5), nil
	}
	if err := u.CheckBalance(ctx, h.agent, testOwnerUnderlying); err != nil {
		t.Fatalf("check balance: %v", err)
	}
	if len(h.wallet.txs) != 0 {
		t.Fatalf("must not top up without owner funds")
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityCritical {
		t.Fatalf("expected critical alert")
	}
}
