package store

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"FAsset-Agent/internal/fasset"
)

const testVault = "0x00000000000000000000000000000000000000a1"

func TestMemoryStoreMintingLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	handshake := &fasset.Handshake{
		VaultAddress:  testVault,
		RequestID:     big.NewInt(7),
		MinterAddress: "0x00000000000000000000000000000000000000b2",
		State:         fasset.HandshakeOpen,
	}
	if err := store.CreateHandshake(ctx, handshake); err != nil {
		t.Fatalf("create handshake: %v", err)
	}

	minting := &fasset.Minting{
		VaultAddress:     testVault,
		RequestID:        big.NewInt(7),
		State:            fasset.MintingStarted,
		ValueUBA:         big.NewInt(1000),
		FeeUBA:           big.NewInt(10),
		PaymentReference: "0x4642505266410001",
	}
	if err := store.CreateMinting(ctx, minting); err != nil {
		t.Fatalf("create minting: %v", err)
	}
	if minting.ID == 0 {
		t.Fatalf("expected allocated id")
	}

	if err := store.CreateMinting(ctx, &fasset.Minting{
		VaultAddress: testVault,
		RequestID:    big.NewInt(7),
		State:        fasset.MintingStarted,
	}); !stdErrors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate reservation, got %v", err)
	}

	if _, err := store.FindOpenHandshake(ctx, testVault, big.NewInt(7)); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected handshake to be approved with the minting, got %v", err)
	}

	got, err := store.GetMinting(ctx, testVault, big.NewInt(7))
	if err != nil {
		t.Fatalf("get minting: %v", err)
	}
	got.State = fasset.MintingRequestPaymentProof
	got.Proof = &fasset.ProofRequest{Round: 42, Data: "0xabcd"}
	if err := store.UpdateMinting(ctx, got); err != nil {
		t.Fatalf("update minting: %v", err)
	}

	open, err := store.ListOpenMintings(ctx, testVault)
	if err != nil {
		t.Fatalf("list open mintings: %v", err)
	}
	if len(open) != 1 || open[0].State != fasset.MintingRequestPaymentProof {
		t.Fatalf("unexpected open mintings: %+v", open)
	}
	if open[0].Proof == nil || open[0].Proof.Round != 42 {
		t.Fatalf("proof request not persisted: %+v", open[0].Proof)
	}

	open[0].State = fasset.MintingDone
	if err := store.UpdateMinting(ctx, open[0]); err != nil {
		t.Fatalf("close minting: %v", err)
	}
	open, err = store.ListOpenMintings(ctx, testVault)
	if err != nil {
		t.Fatalf("list after close: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open mintings, got %d", len(open))
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	redemption := &fasset.Redemption{
		VaultAddress: testVault,
		RequestID:    big.NewInt(3),
		State:        fasset.RedemptionStarted,
		ValueUBA:     big.NewInt(500),
		FeeUBA:       big.NewInt(5),
	}
	if err := store.CreateRedemption(ctx, redemption); err != nil {
		t.Fatalf("create redemption: %v", err)
	}

	got, err := store.GetRedemption(ctx, testVault, big.NewInt(3))
	if err != nil {
		t.Fatalf("get redemption: %v", err)
	}
	got.ValueUBA.SetInt64(999999)
	got.State = fasset.RedemptionPaid

	again, err := store.GetRedemption(ctx, testVault, big.NewInt(3))
	if err != nil {
		t.Fatalf("get redemption again: %v", err)
	}
	if again.ValueUBA.Int64() != 500 || again.State != fasset.RedemptionStarted {
		t.Fatalf("stored record mutated through returned copy: %+v", again)
	}
}

func TestMemoryStoreUnderlyingPaymentSingleFlight(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &fasset.UnderlyingPayment{
		VaultAddress: testVault,
		Kind:         fasset.UnderlyingTopUp,
		State:        fasset.UnderlyingPaid,
		Amount:       big.NewInt(100),
		TxID:         "tx-1",
	}
	if err := store.CreateUnderlyingPayment(ctx, first); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	second := &fasset.UnderlyingPayment{
		VaultAddress: testVault,
		Kind:         fasset.UnderlyingTopUp,
		State:        fasset.UnderlyingPaid,
		Amount:       big.NewInt(200),
		TxID:         "tx-2",
	}
	if err := store.CreateUnderlyingPayment(ctx, second); !stdErrors.Is(err, fasset.ErrPaymentInFlight) {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}

	// 不同类型的转账不受单飞限制。
	withdrawal := &fasset.UnderlyingPayment{
		VaultAddress: testVault,
		Kind:         fasset.UnderlyingWithdrawal,
		State:        fasset.UnderlyingPaid,
		Amount:       big.NewInt(50),
		TxID:         "tx-3",
	}
	if err := store.CreateUnderlyingPayment(ctx, withdrawal); err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}

	first.State = fasset.UnderlyingDone
	if err := store.UpdateUnderlyingPayment(ctx, first); err != nil {
		t.Fatalf("close payment: %v", err)
	}
	if err := store.CreateUnderlyingPayment(ctx, second); err != nil {
		t.Fatalf("create after close: %v", err)
	}
}

func TestMemoryStoreUpdateSettingSupersede(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := &fasset.UpdateSetting{
		VaultAddress: testVault,
		Name:         "feeBIPS",
		Value:        "100",
		ValidAt:      1000,
	}
	if err := store.PutUpdateSetting(ctx, first); err != nil {
		t.Fatalf("put first setting: %v", err)
	}

	second := &fasset.UpdateSetting{
		VaultAddress: testVault,
		Name:         "feeBIPS",
		Value:        "250",
		ValidAt:      2000,
	}
	if err := store.PutUpdateSetting(ctx, second); err != nil {
		t.Fatalf("put second setting: %v", err)
	}

	// 另一个参数名不受覆盖影响。
	other := &fasset.UpdateSetting{
		VaultAddress: testVault,
		Name:         "mintingVaultCollateralRatioBIPS",
		Value:        "17000",
		ValidAt:      1500,
	}
	if err := store.PutUpdateSetting(ctx, other); err != nil {
		t.Fatalf("put other setting: %v", err)
	}

	open, err := store.ListOpenUpdateSettings(ctx, testVault)
	if err != nil {
		t.Fatalf("list open settings: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 waiting settings, got %d", len(open))
	}
	for _, setting := range open {
		if setting.Name == "feeBIPS" && setting.Value != "250" {
			t.Fatalf("old feeBIPS request not superseded: %+v", setting)
		}
	}
}

func TestMemoryStoreEventBookkeeping(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	event := &fasset.EventRecord{
		VaultAddress: testVault,
		BlockNumber:  120,
		TxIndex:      2,
		LogIndex:     5,
	}
	if err := store.RecordEvent(ctx, event); err != nil {
		t.Fatalf("record event: %v", err)
	}
	if err := store.RecordEvent(ctx, &fasset.EventRecord{
		VaultAddress: testVault,
		BlockNumber:  120,
		TxIndex:      2,
		LogIndex:     5,
	}); !stdErrors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on replayed position, got %v", err)
	}

	event.Retries = 2
	if err := store.UpdateEvent(ctx, event); err != nil {
		t.Fatalf("update event: %v", err)
	}

	earlier := &fasset.EventRecord{
		VaultAddress: testVault,
		BlockNumber:  120,
		TxIndex:      1,
		LogIndex:     9,
	}
	if err := store.RecordEvent(ctx, earlier); err != nil {
		t.Fatalf("record earlier event: %v", err)
	}

	pending, err := store.ListUnhandledEvents(ctx, testVault, 5)
	if err != nil {
		t.Fatalf("list unhandled: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(pending))
	}
	if pending[0].TxIndex != 1 {
		t.Fatalf("expected chain order, got tx index %d first", pending[0].TxIndex)
	}

	// 重试耗尽后不再返回。
	event.Retries = 5
	if err := store.UpdateEvent(ctx, event); err != nil {
		t.Fatalf("exhaust retries: %v", err)
	}
	pending, err = store.ListUnhandledEvents(ctx, testVault, 5)
	if err != nil {
		t.Fatalf("list after exhaustion: %v", err)
	}
	if len(pending) != 1 || pending[0].TxIndex != 1 {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}
