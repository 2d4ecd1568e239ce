package workflow

import (
	"context"
	"math/big"
	"testing"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/wallet"
)

func reservedArgs(requestID int64) *fasset.CollateralReservedArgs {
	return &fasset.CollateralReservedArgs{
		RequestID:               big.NewInt(requestID),
		Minter:                  "0x00000000000000000000000000000000000000c3",
		ValueUBA:                big.NewInt(1000),
		FeeUBA:                  big.NewInt(10),
		FirstUnderlyingBlock:    1,
		LastUnderlyingBlock:     100,
		LastUnderlyingTimestamp: 1,
		PaymentAddress:          "rMinterTarget",
		PaymentReference:        "0x4642505266410001",
	}
}

func TestMintingPaymentPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := NewMinting(h.deps)

	if err := m.Start(ctx, h.agent, reservedArgs(7)); err != nil {
		t.Fatalf("start: %v", err)
	}
	// 重复事件是幂等的。
	if err := m.Start(ctx, h.agent, reservedArgs(7)); err != nil {
		t.Fatalf("replayed start: %v", err)
	}

	h.wallet.findPaymentFn = func(address, reference string) (*wallet.Payment, error) {
		if address != "rMinterTarget" || reference != "0x4642505266410001" {
			t.Fatalf("unexpected payment query: %s %s", address, reference)
		}
		return &wallet.Payment{TxHash: "0xpay", BlockNumber: 50, Amount: big.NewInt(1010)}, nil
	}

	mustOk(t, m.Tick(ctx, h.agent))
	got, err := h.store.GetMinting(ctx, testVault, big.NewInt(7))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingRequestPaymentProof {
		t.Fatalf("expected payment proof state, got %s", got.State)
	}
	if got.Proof == nil || got.Proof.Round != 42 {
		t.Fatalf("expected stored proof request, got %+v", got.Proof)
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return &proofs.Proof{Round: round}, nil
	}
	mustOk(t, m.Tick(ctx, h.agent))
	if h.manager.called("ExecuteMinting") != 1 {
		t.Fatalf("expected ExecuteMinting once, got %d", h.manager.called("ExecuteMinting"))
	}
	got, err = h.store.GetMinting(ctx, testVault, big.NewInt(7))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingDone || got.Proof != nil {
		t.Fatalf("expected done without proof, got %s %+v", got.State, got.Proof)
	}
}

func TestMintingNonPaymentPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := NewMinting(h.deps)

	if err := m.Start(ctx, h.agent, reservedArgs(8)); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 没有找到付款。
	mustOk(t, m.Tick(ctx, h.agent))
	got, err := h.store.GetMinting(ctx, testVault, big.NewInt(8))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingRequestNonPaymentProof {
		t.Fatalf("expected non-payment proof state, got %s", got.State)
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return &proofs.Proof{Round: round}, nil
	}
	mustOk(t, m.Tick(ctx, h.agent))
	if h.manager.called("MintingPaymentDefault") != 1 {
		t.Fatalf("expected MintingPaymentDefault once")
	}
	if h.manager.called("ExecuteMinting") != 0 {
		t.Fatalf("unexpected ExecuteMinting call")
	}
}

func TestMintingWaitsWhilePaymentWindowOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := NewMinting(h.deps)

	args := reservedArgs(9)
	args.LastUnderlyingBlock = 5000
	if err := m.Start(ctx, h.agent, args); err != nil {
		t.Fatalf("start: %v", err)
	}

	mustOk(t, m.Tick(ctx, h.agent))
	got, err := h.store.GetMinting(ctx, testVault, big.NewInt(9))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingStarted || got.Proof != nil {
		t.Fatalf("expected untouched reservation, got %s %+v", got.State, got.Proof)
	}
}

func TestMintingUnstickWhenExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := NewMinting(h.deps)

	if err := m.Start(ctx, h.agent, reservedArgs(10)); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.expiry.result = proofs.Expiry{Status: proofs.ExpiryExpired, Proof: &proofs.Proof{Round: 1}}

	var burn *big.Int
	h.manager.unstickMintingFn = func(vault string, requestID *big.Int, proof *proofs.Proof, burnWei *big.Int) error {
		burn = burnWei
		return nil
	}
	mustOk(t, m.Tick(ctx, h.agent))

	// convertUBAToTokenWei 返回 2×UBA，系数 11000 BIPS:
	// 1000 × 2 × 11000 / 10000 = 2200。
	if burn == nil || burn.Cmp(big.NewInt(2200)) != 0 {
		t.Fatalf("unexpected burn amount: %v", burn)
	}
	got, err := h.store.GetMinting(ctx, testVault, big.NewInt(10))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingDone {
		t.Fatalf("expected done after unstick, got %s", got.State)
	}
	if h.alerts.count() == 0 || h.alerts.last().Severity != xerrors.SeverityWarning {
		t.Fatalf("expected warning alert for unstick")
	}
}

func TestMintingProofResetOnDisproof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := NewMinting(h.deps)

	if err := m.Start(ctx, h.agent, reservedArgs(11)); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := h.store.GetMinting(ctx, testVault, big.NewInt(11))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	got.State = fasset.MintingRequestPaymentProof
	got.Proof = &fasset.ProofRequest{Round: 42, Data: "0xreq"}
	if err := h.store.UpdateMinting(ctx, got); err != nil {
		t.Fatalf("update minting: %v", err)
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return nil, proofs.ErrDisproved
	}
	mustOk(t, m.Tick(ctx, h.agent))

	got, err = h.store.GetMinting(ctx, testVault, big.NewInt(11))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingStarted || got.Proof != nil {
		t.Fatalf("expected reset to started, got %s %+v", got.State, got.Proof)
	}
	if h.alerts.count() == 0 {
		t.Fatalf("expected reset alert")
	}
}

func TestMintingProofWaitsUntilExtraRoundsFinalized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := NewMinting(h.deps)

	if err := m.Start(ctx, h.agent, reservedArgs(12)); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := h.store.GetMinting(ctx, testVault, big.NewInt(12))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	got.State = fasset.MintingRequestNonPaymentProof
	got.Proof = &fasset.ProofRequest{Round: 42, Data: "0xreq"}
	if err := h.store.UpdateMinting(ctx, got); err != nil {
		t.Fatalf("update minting: %v", err)
	}

	h.proofs.obtainFn = func(round int64, data string) (*proofs.Proof, error) {
		return nil, proofs.ErrNoProviders
	}
	h.proofs.finalizedFn = func(round int64) (bool, error) {
		// 重置门槛是 round+1+ProofRetryExtraRounds。
		if round != 45 {
			t.Fatalf("unexpected finalization check round %d", round)
		}
		return false, nil
	}
	mustOk(t, m.Tick(ctx, h.agent))
	got, err = h.store.GetMinting(ctx, testVault, big.NewInt(12))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingRequestNonPaymentProof {
		t.Fatalf("expected state kept while rounds pending, got %s", got.State)
	}

	h.proofs.finalizedFn = func(round int64) (bool, error) { return true, nil }
	mustOk(t, m.Tick(ctx, h.agent))
	got, err = h.store.GetMinting(ctx, testVault, big.NewInt(12))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	if got.State != fasset.MintingStarted {
		t.Fatalf("expected reset after extra rounds finalized, got %s", got.State)
	}
}
