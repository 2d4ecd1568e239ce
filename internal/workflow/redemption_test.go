package workflow

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/wallet"
)

func redemptionArgs(requestID int64) *fasset.RedemptionRequestedArgs {
	return &fasset.RedemptionRequestedArgs{
		RequestID:               big.NewInt(requestID),
		Redeemer:                "0x00000000000000000000000000000000000000d4",
		PaymentAddress:          "rRedeemerTarget",
		ValueUBA:                big.NewInt(2000),
		FeeUBA:                  big.NewInt(20),
		FirstUnderlyingBlock:    1,
		LastUnderlyingBlock:     5000,
		LastUnderlyingTimestamp: 9_999_999_999,
		PaymentReference:        "0x4642505266410002",
	}
}

func TestRedemptionHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := NewRedemption(h.deps)

	if err := r.Start(ctx, h.agent, redemptionArgs(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx, h.agent, redemptionArgs(1)); err != nil {
		t.Fatalf("replayed start: %v", err)
	}

	mustOk(t, r.Tick(ctx, h.agent))
	got, err := h.store.GetRedemption(ctx, testVault, big.NewInt(1))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionPaid || got.TxID == "" {
		t.Fatalf("expected paid with tx id, got %s %q", got.State, got.TxID)
	}
	if len(h.wallet.txs) != 1 {
		t.Fatalf("expected one payment, got %d", len(h.wallet.txs))
	}
	tx := h.wallet.txs[0]
	if tx.From != testAgentUnderlying || tx.To != "rRedeemerTarget" || tx.Reference != "0x4642505266410002" {
		t.Fatalf("unexpected payment: %+v", tx)
	}

	// 再来一个周期不会重复支付。
	mustOk(t, r.Tick(ctx, h.agent))
	if len(h.wallet.txs) != 1 {
		t.Fatalf("expected no duplicate payment, got %d", len(h.wallet.txs))
	}

	h.wallet.statusFn = func(txID string) (wallet.StatusResult, error) {
		return wallet.StatusResult{Status: wallet.StatusSuccess, TxHash: "0xsettled", Confirmations: 5}, nil
	}
	mustOk(t, r.Tick(ctx, h.agent))
	got, err = h.store.GetRedemption(ctx, testVault, big.NewInt(1))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionRequestedProof || got.TxHash != "0xsettled" {
		t.Fatalf("expected requested_proof with hash, got %s %q", got.State, got.TxHash)
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return &proofs.Proof{Round: round}, nil
	}
	mustOk(t, r.Tick(ctx, h.agent))
	if h.manager.called("ConfirmRedemptionPayment") != 1 {
		t.Fatalf("expected one confirmation call")
	}
	got, err = h.store.GetRedemption(ctx, testVault, big.NewInt(1))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionDone {
		t.Fatalf("expected done, got %s", got.State)
	}
}

func TestRedemptionInvalidAddressRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := NewRedemption(h.deps)

	if err := r.Start(ctx, h.agent, redemptionArgs(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.proofs.validateFn = func(address string) (bool, error) { return false, nil }

	mustOk(t, r.Tick(ctx, h.agent))
	got, err := h.store.GetRedemption(ctx, testVault, big.NewInt(2))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionRequestedRejectionProof {
		t.Fatalf("expected rejection proof state, got %s", got.State)
	}
	if len(h.wallet.txs) != 0 {
		t.Fatalf("must not pay to an invalid address")
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return &proofs.Proof{
			Round:    round,
			Response: json.RawMessage(`{"responseBody":{"isValid":false}}`),
		}, nil
	}
	mustOk(t, r.Tick(ctx, h.agent))
	if h.manager.called("RejectInvalidRedemption") != 1 {
		t.Fatalf("expected rejection call")
	}
	got, err = h.store.GetRedemption(ctx, testVault, big.NewInt(2))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionDone {
		t.Fatalf("expected done after rejection, got %s", got.State)
	}
}

func TestRedemptionDeadlinePassedDoesNotPay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := NewRedemption(h.deps)

	args := redemptionArgs(6)
	args.LastUnderlyingBlock = 100
	args.LastUnderlyingTimestamp = 1
	if err := r.Start(ctx, h.agent, args); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 钱包高度 1000，窗口早已关闭，不允许再付款。
	mustOk(t, r.Tick(ctx, h.agent))
	if len(h.wallet.txs) != 0 {
		t.Fatalf("must not pay after the payment deadline, got %+v", h.wallet.txs)
	}
	got, err := h.store.GetRedemption(ctx, testVault, big.NewInt(6))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionStarted || got.TxID != "" {
		t.Fatalf("expected record left for the expiry path, got %s %q", got.State, got.TxID)
	}

	// 窗口滑出索引器后仍能走链上兜底关闭。
	h.expiry.result = proofs.Expiry{Status: proofs.ExpiryExpired, Proof: &proofs.Proof{Round: 1}}
	mustOk(t, r.Tick(ctx, h.agent))
	if h.manager.called("FinishRedemptionWithoutPayment") != 1 {
		t.Fatalf("expected on-chain close after expiry")
	}
}

func TestRedemptionFailedPaymentRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := NewRedemption(h.deps)

	if err := r.Start(ctx, h.agent, redemptionArgs(3)); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustOk(t, r.Tick(ctx, h.agent))

	h.wallet.statusFn = func(txID string) (wallet.StatusResult, error) {
		return wallet.StatusResult{Status: wallet.StatusFailed}, nil
	}
	mustOk(t, r.Tick(ctx, h.agent))

	got, err := h.store.GetRedemption(ctx, testVault, big.NewInt(3))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionStarted || got.TxID != "" {
		t.Fatalf("expected retry from started, got %s %q", got.State, got.TxID)
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityWarning {
		t.Fatalf("expected warning alert for failed payment")
	}
}

func TestRedemptionProofNeverResets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := NewRedemption(h.deps)

	if err := r.Start(ctx, h.agent, redemptionArgs(4)); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := h.store.GetRedemption(ctx, testVault, big.NewInt(4))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	got.State = fasset.RedemptionRequestedProof
	got.TxID = "wtx-1"
	got.TxHash = "0xsettled"
	got.Proof = &fasset.ProofRequest{Round: 42, Data: "0xreq"}
	if err := h.store.UpdateRedemption(ctx, got); err != nil {
		t.Fatalf("update redemption: %v", err)
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return nil, proofs.ErrDisproved
	}
	mustOk(t, r.Tick(ctx, h.agent))

	// 赎回的确认窗口有限，陈旧请求只告警，从不重置重付。
	got, err = h.store.GetRedemption(ctx, testVault, big.NewInt(4))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionRequestedProof || got.Proof == nil {
		t.Fatalf("expected state preserved, got %s %+v", got.State, got.Proof)
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityError {
		t.Fatalf("expected error alert for stuck redemption proof")
	}
}

func TestRedemptionExpiredClosesOnChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := NewRedemption(h.deps)

	if err := r.Start(ctx, h.agent, redemptionArgs(5)); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.expiry.result = proofs.Expiry{Status: proofs.ExpiryExpired, Proof: &proofs.Proof{Round: 1}}

	mustOk(t, r.Tick(ctx, h.agent))
	if h.manager.called("FinishRedemptionWithoutPayment") != 1 {
		t.Fatalf("expected on-chain close")
	}
	got, err := h.store.GetRedemption(ctx, testVault, big.NewInt(5))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	if got.State != fasset.RedemptionDone {
		t.Fatalf("expected done after expiry close, got %s", got.State)
	}
	if len(h.wallet.txs) != 0 {
		t.Fatalf("must not pay an expired redemption")
	}
}
