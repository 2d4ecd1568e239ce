package workflow

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/locks"
	"FAsset-Agent/internal/observability/alerting"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/store"
	"FAsset-Agent/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
)

const (
	testVault           = "0x00000000000000000000000000000000000000a1"
	testOwnerWork       = "0x00000000000000000000000000000000000000b2"
	testAgentUnderlying = "rAgentUnderlying"
	testOwnerUnderlying = "rOwnerUnderlying"
)

// fakeManager 用函数字段实现 fasset.AssetManager，未设置的方法是无操作。
type fakeManager struct {
	mu    sync.Mutex
	calls []string

	getAgentInfoFn         func(vault string) (*fasset.AgentInfo, error)
	getSettingsFn          func() (*fasset.ManagerSettings, error)
	executeMintingFn       func(vault string, requestID *big.Int, proof *proofs.Proof) error
	paymentDefaultFn       func(vault string, requestID *big.Int, proof *proofs.Proof) error
	unstickMintingFn       func(vault string, requestID *big.Int, proof *proofs.Proof, burnWei *big.Int) error
	confirmRedemptionFn    func(vault string, requestID *big.Int, proof *proofs.Proof) error
	rejectRedemptionFn     func(vault string, requestID *big.Int, proof *proofs.Proof) error
	finishRedemptionFn     func(vault string, requestID *big.Int, proof *proofs.Proof) error
	executeSettingUpdateFn func(vault, name string) error
	depositVaultFn         func(vault string, amount *big.Int) error
	buyPoolTokensFn        func(vault string, amount *big.Int) error
	announceDestroyFn      func(vault string) (uint64, error)
}

var _ fasset.AssetManager = (*fakeManager)(nil)

func (f *fakeManager) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeManager) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeManager) GetAgentInfo(ctx context.Context, vault string) (*fasset.AgentInfo, error) {
	f.record("GetAgentInfo")
	if f.getAgentInfoFn != nil {
		return f.getAgentInfoFn(vault)
	}
	return &fasset.AgentInfo{
		Status:                   fasset.AgentStatusNormal,
		OwnerWorkAddress:         testOwnerWork,
		UnderlyingAddress:        testAgentUnderlying,
		MintedUBA:                new(big.Int),
		ReservedUBA:              new(big.Int),
		RedeemingUBA:             new(big.Int),
		VaultCollateral:          new(big.Int),
		PoolCollateral:           new(big.Int),
		VaultCollateralRatioBIPS: big.NewInt(20000),
		PoolCollateralRatioBIPS:  big.NewInt(20000),
		TotalPoolTokens:          new(big.Int),
		FreePoolFeesUBA:          new(big.Int),
	}, nil
}

func (f *fakeManager) GetSettings(ctx context.Context) (*fasset.ManagerSettings, error) {
	f.record("GetSettings")
	if f.getSettingsFn != nil {
		return f.getSettingsFn()
	}
	return &fasset.ManagerSettings{
		CCBMinCollateralRatioBIPS:            big.NewInt(13000),
		VaultCollateralBuyForFlareFactorBIPS: big.NewInt(11000),
		WithdrawalWaitMinSeconds:             300,
	}, nil
}

func (f *fakeManager) ExecuteMinting(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	f.record("ExecuteMinting")
	if f.executeMintingFn != nil {
		return f.executeMintingFn(vault, requestID, proof)
	}
	return nil
}

func (f *fakeManager) MintingPaymentDefault(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	f.record("MintingPaymentDefault")
	if f.paymentDefaultFn != nil {
		return f.paymentDefaultFn(vault, requestID, proof)
	}
	return nil
}

func (f *fakeManager) UnstickMinting(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof, burnWei *big.Int) error {
	f.record("UnstickMinting")
	if f.unstickMintingFn != nil {
		return f.unstickMintingFn(vault, requestID, proof, burnWei)
	}
	return nil
}

func (f *fakeManager) ApproveCollateralReservation(ctx context.Context, vault string, requestID *big.Int) error {
	f.record("ApproveCollateralReservation")
	return nil
}

func (f *fakeManager) ConfirmRedemptionPayment(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	f.record("ConfirmRedemptionPayment")
	if f.confirmRedemptionFn != nil {
		return f.confirmRedemptionFn(vault, requestID, proof)
	}
	return nil
}

func (f *fakeManager) RejectInvalidRedemption(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	f.record("RejectInvalidRedemption")
	if f.rejectRedemptionFn != nil {
		return f.rejectRedemptionFn(vault, requestID, proof)
	}
	return nil
}

func (f *fakeManager) FinishRedemptionWithoutPayment(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	f.record("FinishRedemptionWithoutPayment")
	if f.finishRedemptionFn != nil {
		return f.finishRedemptionFn(vault, requestID, proof)
	}
	return nil
}

func (f *fakeManager) ConfirmTopupPayment(ctx context.Context, vault string, proof *proofs.Proof) error {
	f.record("ConfirmTopupPayment")
	return nil
}

func (f *fakeManager) AnnounceUnderlyingWithdrawal(ctx context.Context, vault string) (string, error) {
	f.record("AnnounceUnderlyingWithdrawal")
	return "0x4642505266410003" + vault[2:], nil
}

func (f *fakeManager) ConfirmUnderlyingWithdrawal(ctx context.Context, vault string, proof *proofs.Proof) error {
	f.record("ConfirmUnderlyingWithdrawal")
	return nil
}

func (f *fakeManager) DepositVaultCollateral(ctx context.Context, vault string, amount *big.Int) error {
	f.record("DepositVaultCollateral")
	if f.depositVaultFn != nil {
		return f.depositVaultFn(vault, amount)
	}
	return nil
}

func (f *fakeManager) BuyPoolTokens(ctx context.Context, vault string, amount *big.Int) error {
	f.record("BuyPoolTokens")
	if f.buyPoolTokensFn != nil {
		return f.buyPoolTokensFn(vault, amount)
	}
	return nil
}

func (f *fakeManager) ExecuteAgentSettingUpdate(ctx context.Context, vault string, name string) error {
	f.record("ExecuteAgentSettingUpdate")
	if f.executeSettingUpdateFn != nil {
		return f.executeSettingUpdateFn(vault, name)
	}
	return nil
}

func (f *fakeManager) AnnounceVaultCollateralWithdrawal(ctx context.Context, vault string, amount *big.Int) error {
	f.record("AnnounceVaultCollateralWithdrawal")
	return nil
}

func (f *fakeManager) WithdrawVaultCollateral(ctx context.Context, vault string, amount *big.Int) error {
	f.record("WithdrawVaultCollateral")
	return nil
}

func (f *fakeManager) AnnouncePoolTokenRedemption(ctx context.Context, vault string, amount *big.Int) error {
	f.record("AnnouncePoolTokenRedemption")
	return nil
}

func (f *fakeManager) RedeemPoolTokens(ctx context.Context, vault string, amount *big.Int) error {
	f.record("RedeemPoolTokens")
	return nil
}

func (f *fakeManager) WithdrawPoolFees(ctx context.Context, vault string, amount *big.Int) error {
	f.record("WithdrawPoolFees")
	return nil
}

func (f *fakeManager) EndLiquidation(ctx context.Context, vault string) error {
	f.record("EndLiquidation")
	return nil
}

func (f *fakeManager) AnnounceExitAvailableList(ctx context.Context, vault string) (uint64, error) {
	f.record("AnnounceExitAvailableList")
	return 0, nil
}

func (f *fakeManager) ExitAvailableList(ctx context.Context, vault string) error {
	f.record("ExitAvailableList")
	return nil
}

func (f *fakeManager) SelfClose(ctx context.Context, vault string, amountUBA *big.Int) error {
	f.record("SelfClose")
	return nil
}

func (f *fakeManager) AnnounceDestroy(ctx context.Context, vault string) (uint64, error) {
	f.record("AnnounceDestroy")
	if f.announceDestroyFn != nil {
		return f.announceDestroyFn(vault)
	}
	return 0, nil
}

func (f *fakeManager) DestroyAgent(ctx context.Context, vault string) error {
	f.record("DestroyAgent")
	return nil
}

func (f *fakeManager) ConvertUBAToTokenWei(ctx context.Context, amountUBA *big.Int) (*big.Int, error) {
	f.record("ConvertUBAToTokenWei")
	return new(big.Int).Mul(fasset.BigOrZero(amountUBA), big.NewInt(2)), nil
}

// fakeWallet 用函数字段实现 wallet.Wallet。
type fakeWallet struct {
	mu  sync.Mutex
	txs []struct{ From, To, Reference string }

	addTxFn       func(from, to string) (string, error)
	statusFn      func(txID string) (wallet.StatusResult, error)
	findPaymentFn func(address, reference string) (*wallet.Payment, error)
	balanceFn     func(address string) (*big.Int, error)
	height        uint64
}

var _ wallet.Wallet = (*fakeWallet)(nil)

func (f *fakeWallet) AddTransaction(ctx context.Context, from, to string, amount *big.Int, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txID := "wtx-1"
	if f.addTxFn != nil {
		id, err := f.addTxFn(from, to)
		if err != nil {
			return "", err
		}
		txID = id
	}
	f.txs = append(f.txs, struct{ From, To, Reference string }{from, to, reference})
	return txID, nil
}

func (f *fakeWallet) CheckTransactionStatus(ctx context.Context, txID string) (wallet.StatusResult, error) {
	if f.statusFn != nil {
		return f.statusFn(txID)
	}
	return wallet.StatusResult{Status: wallet.StatusPending}, nil
}

func (f *fakeWallet) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	if f.balanceFn != nil {
		return f.balanceFn(address)
	}
	return big.NewInt(1_000_000), nil
}

func (f *fakeWallet) GetTransactionFee(ctx context.Context) (*big.Int, error) {
	return big.NewInt(10), nil
}

func (f *fakeWallet) FindPayment(ctx context.Context, address, reference string, amount *big.Int, firstBlock, lastBlock uint64) (*wallet.Payment, error) {
	if f.findPaymentFn != nil {
		return f.findPaymentFn(address, reference)
	}
	return nil, nil
}

func (f *fakeWallet) UnderlyingBlockHeight(ctx context.Context) (uint64, error) {
	if f.height == 0 {
		return 1000, nil
	}
	return f.height, nil
}

// fakeProofs 用函数字段实现 ProofClient。
type fakeProofs struct {
	submitFn    func(req proofs.Request) (proofs.RequestID, error)
	obtainFn    func(round int64, data string) (*proofs.Proof, error)
	finalizedFn func(round int64) (bool, error)
	validateFn  func(address string) (bool, error)
}

var _ ProofClient = (*fakeProofs)(nil)

func (f *fakeProofs) SourceID() string { return "testBTC" }

func (f *fakeProofs) SubmitRequest(ctx context.Context, req proofs.Request) (proofs.RequestID, error) {
	if f.submitFn != nil {
		return f.submitFn(req)
	}
	return proofs.RequestID{Round: 42, Data: "0xreq"}, nil
}

func (f *fakeProofs) ObtainProof(ctx context.Context, round int64, requestBytes string) (*proofs.Proof, error) {
	if f.obtainFn != nil {
		return f.obtainFn(round, requestBytes)
	}
	return nil, proofs.ErrNotFinalized
}

func (f *fakeProofs) RoundFinalized(ctx context.Context, round int64) (bool, error) {
	if f.finalizedFn != nil {
		return f.finalizedFn(round)
	}
	return false, nil
}

func (f *fakeProofs) ValidateAddress(ctx context.Context, address string) (bool, error) {
	if f.validateFn != nil {
		return f.validateFn(address)
	}
	return true, nil
}

// fakeExpiry 返回固定的过期检查结果。
type fakeExpiry struct {
	result proofs.Expiry
}

var _ ExpirySource = (*fakeExpiry)(nil)

func (f *fakeExpiry) Check(ctx context.Context, lastBlock, lastTimestamp uint64) (proofs.Expiry, error) {
	if f.result.Status == "" {
		return proofs.Expiry{Status: proofs.ExpiryNotExpired}, nil
	}
	return f.result, nil
}

// fakeBalances 返回固定的原生代币余额。
type fakeBalances struct {
	balance *big.Int
}

var _ BalanceSource = (*fakeBalances)(nil)

func (f *fakeBalances) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	if f.balance == nil {
		return big.NewInt(1_000_000), nil
	}
	return f.balance, nil
}

// alertRecorder 收集发出的告警事件。
type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

var _ alerting.Dispatcher = (*alertRecorder)(nil)

func (r *alertRecorder) Notify(ctx context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *alertRecorder) last() alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return alerting.Event{}
	}
	return r.events[len(r.events)-1]
}

type harness struct {
	deps    *Deps
	store   *store.MemoryStore
	manager *fakeManager
	wallet  *fakeWallet
	proofs  *fakeProofs
	expiry  *fakeExpiry
	alerts  *alertRecorder
	agent   *fasset.Agent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	agent := &fasset.Agent{
		VaultAddress:      testVault,
		OwnerWorkAddress:  testOwnerWork,
		UnderlyingAddress: testAgentUnderlying,
		ChainID:           "testBTC",
		Active:            true,
	}
	if err := st.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	h := &harness{
		store:   st,
		manager: &fakeManager{},
		wallet:  &fakeWallet{},
		proofs:  &fakeProofs{},
		expiry:  &fakeExpiry{},
		alerts:  &alertRecorder{},
		agent:   agent,
	}
	cfg := Config{
		UnderlyingBalanceMinUBA: big.NewInt(100),
		UnderlyingTopUpUBA:      big.NewInt(500),
	}
	cfg.ApplyDefaults()
	h.deps = &Deps{
		Store:   st,
		Manager: h.manager,
		Wallet:  h.wallet,
		Proofs:  h.proofs,
		Expiry:  h.expiry,
		Native:  &fakeBalances{},
		Locks:   locks.NewMemoryManager(),
		Alerts:  h.alerts,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:  cfg,
	}
	return h
}

func mustOk(t *testing.T, res StepResult) {
	t.Helper()
	if res.Status != StatusOk {
		t.Fatalf("expected ok step, got status=%d err=%v", res.Status, res.Err)
	}
}
