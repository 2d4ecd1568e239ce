package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"FAsset-Agent/internal/chain"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/proofs"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// assetManagerABI covers the subset of the asset manager contract the agent
// drives. Attestation proofs travel as the encoded response plus the merkle
// path; the contract recomputes the leaf and checks it against the relay root.
const assetManagerABI = `[
  {"type":"function","name":"getAgentInfo","stateMutability":"view","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[
    {"name":"status","type":"uint8"},
    {"name":"ownerManagementAddress","type":"address"},
    {"name":"ownerWorkAddress","type":"address"},
    {"name":"underlyingAddress","type":"string"},
    {"name":"mintedUBA","type":"uint256"},
    {"name":"reservedUBA","type":"uint256"},
    {"name":"redeemingUBA","type":"uint256"},
    {"name":"totalVaultCollateralWei","type":"uint256"},
    {"name":"totalPoolCollateralNATWei","type":"uint256"},
    {"name":"vaultCollateralRatioBIPS","type":"uint256"},
    {"name":"poolCollateralRatioBIPS","type":"uint256"},
    {"name":"totalAgentPoolTokensWei","type":"uint256"},
    {"name":"freePoolFeesUBA","type":"uint256"},
    {"name":"publiclyAvailable","type":"bool"}]},
  {"type":"function","name":"getSettings","stateMutability":"view","inputs":[],"outputs":[
    {"name":"ccbMinCollateralRatioBIPS","type":"uint256"},
    {"name":"vaultCollateralBuyForFlareFactorBIPS","type":"uint256"},
    {"name":"withdrawalWaitMinSeconds","type":"uint64"},
    {"name":"agentTimelockedOperationWindowSeconds","type":"uint64"}]},
  {"type":"function","name":"convertUBAToTokenWei","stateMutability":"view","inputs":[{"name":"_amountUBA","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"announcedUnderlyingWithdrawalReference","stateMutability":"view","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"executeMinting","stateMutability":"nonpayable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_collateralReservationId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"mintingPaymentDefault","stateMutability":"nonpayable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_collateralReservationId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"unstickMinting","stateMutability":"payable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_collateralReservationId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"approveCollateralReservation","stateMutability":"nonpayable","inputs":[{"name":"_collateralReservationId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"confirmRedemptionPayment","stateMutability":"nonpayable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_redemptionRequestId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"rejectInvalidRedemption","stateMutability":"nonpayable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_redemptionRequestId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"finishRedemptionWithoutPayment","stateMutability":"nonpayable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_redemptionRequestId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"confirmTopupPayment","stateMutability":"nonpayable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"announceUnderlyingWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"confirmUnderlyingWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"_response","type":"bytes"},{"name":"_merkleProof","type":"bytes32[]"},{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"depositVaultCollateral","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"buyCollateralPoolTokens","stateMutability":"payable","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"executeAgentSettingUpdate","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_name","type":"string"}],"outputs":[]},
  {"type":"function","name":"announceVaultCollateralWithdrawal","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_amountWei","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawVaultCollateral","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_amountWei","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"announceAgentPoolTokenRedemption","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_amountWei","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"redeemCollateralPoolTokens","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_amountWei","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdrawPoolFees","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_amountUBA","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"endLiquidation","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"announceExitAvailableAgentList","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"exitAvailableAgentList","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"selfClose","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"},{"name":"_amountUBA","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"announceDestroyAgent","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[]},
  {"type":"function","name":"destroyAgent","stateMutability":"nonpayable","inputs":[{"name":"_agentVault","type":"address"}],"outputs":[]}
]`

// AssetManagerConfig describes a bound asset manager contract.
type AssetManagerConfig struct {
	Address string
	Account string
}

// AssetManager drives the on-chain asset manager through a chain client
// and a node-side signer.
type AssetManager struct {
	reader    chain.Client
	submitter chain.Submitter
	address   common.Address
	account   common.Address
	abi       abi.ABI
}

// NewAssetManager binds the asset manager contract at the given address.
func NewAssetManager(cfg AssetManagerConfig, reader chain.Client, submitter chain.Submitter) (*AssetManager, error) {
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("非法的资产管理合约地址: %q", cfg.Address)
	}
	if !common.IsHexAddress(cfg.Account) {
		return nil, fmt.Errorf("非法的工作地址: %q", cfg.Account)
	}
	parsed, err := abi.JSON(strings.NewReader(assetManagerABI))
	if err != nil {
		return nil, fmt.Errorf("解析资产管理合约 ABI 失败: %w", err)
	}
	return &AssetManager{
		reader:    reader,
		submitter: submitter,
		address:   common.HexToAddress(cfg.Address),
		account:   common.HexToAddress(cfg.Account),
		abi:       parsed,
	}, nil
}

func (m *AssetManager) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := m.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	out, err := m.reader.CallContract(ctx, m.address, input)
	if err != nil {
		return nil, err
	}
	values, err := m.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

func (m *AssetManager) send(ctx context.Context, value *big.Int, method string, args ...any) error {
	input, err := m.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("编码 %s 交易失败: %w", method, err)
	}
	if _, err := m.submitter.Submit(ctx, m.account, m.address, value, input); err != nil {
		return fmt.Errorf("提交 %s 交易失败: %w", method, err)
	}
	return nil
}

func proofArgs(proof *proofs.Proof) ([]byte, []common.Hash, error) {
	if proof == nil {
		return nil, nil, errors.New("缺少证明")
	}
	response, err := hexutil.Decode(proof.ResponseHex)
	if err != nil {
		return nil, nil, fmt.Errorf("解码证明响应失败: %w", err)
	}
	return response, proof.MerkleProof, nil
}

// GetAgentInfo returns the live on-chain snapshot of an agent vault.
func (m *AssetManager) GetAgentInfo(ctx context.Context, vault string) (*fasset.AgentInfo, error) {
	values, err := m.call(ctx, "getAgentInfo", common.HexToAddress(vault))
	if err != nil {
		return nil, err
	}
	if len(values) != 14 {
		return nil, fmt.Errorf("getAgentInfo 返回了 %d 个字段", len(values))
	}

	statuses := []fasset.AgentStatus{
		fasset.AgentStatusNormal,
		fasset.AgentStatusCCB,
		fasset.AgentStatusLiquidation,
		fasset.AgentStatusFullLiq,
		fasset.AgentStatusDestroying,
	}
	rawStatus, ok := values[0].(uint8)
	if !ok || int(rawStatus) >= len(statuses) {
		return nil, fmt.Errorf("未知的代理状态: %v", values[0])
	}

	info := &fasset.AgentInfo{
		Status:                   statuses[rawStatus],
		OwnerManagementAddress:   values[1].(common.Address).Hex(),
		OwnerWorkAddress:         values[2].(common.Address).Hex(),
		UnderlyingAddress:        values[3].(string),
		MintedUBA:                values[4].(*big.Int),
		ReservedUBA:              values[5].(*big.Int),
		RedeemingUBA:             values[6].(*big.Int),
		VaultCollateral:          values[7].(*big.Int),
		PoolCollateral:           values[8].(*big.Int),
		VaultCollateralRatioBIPS: values[9].(*big.Int),
		PoolCollateralRatioBIPS:  values[10].(*big.Int),
		TotalPoolTokens:          values[11].(*big.Int),
		FreePoolFeesUBA:          values[12].(*big.Int),
		PubliclyAvailable:        values[13].(bool),
	}
	return info, nil
}

// GetSettings returns the global asset manager parameters.
func (m *AssetManager) GetSettings(ctx context.Context) (*fasset.ManagerSettings, error) {
	values, err := m.call(ctx, "getSettings")
	if err != nil {
		return nil, err
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("getSettings 返回了 %d 个字段", len(values))
	}
	return &fasset.ManagerSettings{
		CCBMinCollateralRatioBIPS:            values[0].(*big.Int),
		VaultCollateralBuyForFlareFactorBIPS: values[1].(*big.Int),
		WithdrawalWaitMinSeconds:             values[2].(uint64),
		AgentTimelockedOperationWindow:       values[3].(uint64),
	}, nil
}

// ConvertUBAToTokenWei converts an underlying amount to fasset token wei.
func (m *AssetManager) ConvertUBAToTokenWei(ctx context.Context, amountUBA *big.Int) (*big.Int, error) {
	values, err := m.call(ctx, "convertUBAToTokenWei", fasset.BigOrZero(amountUBA))
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("convertUBAToTokenWei 返回了 %d 个字段", len(values))
	}
	return values[0].(*big.Int), nil
}

// ExecuteMinting completes a reservation with a payment proof.
func (m *AssetManager) ExecuteMinting(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, nil, "executeMinting", response, path, fasset.BigOrZero(requestID))
}

// MintingPaymentDefault claims the reservation fee after a proven non-payment.
func (m *AssetManager) MintingPaymentDefault(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, nil, "mintingPaymentDefault", response, path, fasset.BigOrZero(requestID))
}

// UnstickMinting force-closes an expired reservation, burning the given wei.
func (m *AssetManager) UnstickMinting(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof, burnWei *big.Int) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, fasset.BigOrZero(burnWei), "unstickMinting", response, path, fasset.BigOrZero(requestID))
}

// ApproveCollateralReservation answers a minter handshake.
func (m *AssetManager) ApproveCollateralReservation(ctx context.Context, vault string, requestID *big.Int) error {
	return m.send(ctx, nil, "approveCollateralReservation", fasset.BigOrZero(requestID))
}

// ConfirmRedemptionPayment settles a redemption with a payment proof.
func (m *AssetManager) ConfirmRedemptionPayment(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, nil, "confirmRedemptionPayment", response, path, fasset.BigOrZero(requestID))
}

// RejectInvalidRedemption rejects a redemption whose underlying address is invalid.
func (m *AssetManager) RejectInvalidRedemption(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, nil, "rejectInvalidRedemption", response, path, fasset.BigOrZero(requestID))
}

// FinishRedemptionWithoutPayment closes a redemption whose window slid out of the indexer.
func (m *AssetManager) FinishRedemptionWithoutPayment(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, nil, "finishRedemptionWithoutPayment", response, path, fasset.BigOrZero(requestID))
}

// ConfirmTopupPayment credits a proven top-up to the agent's underlying balance.
func (m *AssetManager) ConfirmTopupPayment(ctx context.Context, vault string, proof *proofs.Proof) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, nil, "confirmTopupPayment", response, path, common.HexToAddress(vault))
}

// AnnounceUnderlyingWithdrawal announces a withdrawal and returns the payment
// reference the agent must attach to the underlying transaction.
func (m *AssetManager) AnnounceUnderlyingWithdrawal(ctx context.Context, vault string) (string, error) {
	if err := m.send(ctx, nil, "announceUnderlyingWithdrawal", common.HexToAddress(vault)); err != nil {
		return "", err
	}
	values, err := m.call(ctx, "announcedUnderlyingWithdrawalReference", common.HexToAddress(vault))
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", fmt.Errorf("查询提现引用返回了 %d 个字段", len(values))
	}
	reference := values[0].([32]byte)
	return hexutil.Encode(reference[:]), nil
}

// ConfirmUnderlyingWithdrawal closes an announced withdrawal with its payment proof.
func (m *AssetManager) ConfirmUnderlyingWithdrawal(ctx context.Context, vault string, proof *proofs.Proof) error {
	response, path, err := proofArgs(proof)
	if err != nil {
		return err
	}
	return m.send(ctx, nil, "confirmUnderlyingWithdrawal", response, path, common.HexToAddress(vault))
}

// DepositVaultCollateral tops up the vault collateral token balance.
func (m *AssetManager) DepositVaultCollateral(ctx context.Context, vault string, amount *big.Int) error {
	return m.send(ctx, nil, "depositVaultCollateral", common.HexToAddress(vault), fasset.BigOrZero(amount))
}

// BuyPoolTokens buys collateral pool tokens with native tokens.
func (m *AssetManager) BuyPoolTokens(ctx context.Context, vault string, amount *big.Int) error {
	return m.send(ctx, fasset.BigOrZero(amount), "buyCollateralPoolTokens", common.HexToAddress(vault))
}

// ExecuteAgentSettingUpdate applies a timelocked setting change.
func (m *AssetManager) ExecuteAgentSettingUpdate(ctx context.Context, vault string, name string) error {
	return m.send(ctx, nil, "executeAgentSettingUpdate", common.HexToAddress(vault), name)
}

// AnnounceVaultCollateralWithdrawal starts the vault collateral withdrawal timelock.
func (m *AssetManager) AnnounceVaultCollateralWithdrawal(ctx context.Context, vault string, amount *big.Int) error {
	return m.send(ctx, nil, "announceVaultCollateralWithdrawal", common.HexToAddress(vault), fasset.BigOrZero(amount))
}

// WithdrawVaultCollateral executes an announced vault collateral withdrawal.
func (m *AssetManager) WithdrawVaultCollateral(ctx context.Context, vault string, amount *big.Int) error {
	return m.send(ctx, nil, "withdrawVaultCollateral", common.HexToAddress(vault), fasset.BigOrZero(amount))
}

// AnnouncePoolTokenRedemption starts the pool token redemption timelock.
func (m *AssetManager) AnnouncePoolTokenRedemption(ctx context.Context, vault string, amount *big.Int) error {
	return m.send(ctx, nil, "announceAgentPoolTokenRedemption", common.HexToAddress(vault), fasset.BigOrZero(amount))
}

// RedeemPoolTokens executes an announced pool token redemption.
func (m *AssetManager) RedeemPoolTokens(ctx context.Context, vault string, amount *big.Int) error {
	return m.send(ctx, nil, "redeemCollateralPoolTokens", common.HexToAddress(vault), fasset.BigOrZero(amount))
}

// WithdrawPoolFees withdraws accrued pool fees.
func (m *AssetManager) WithdrawPoolFees(ctx context.Context, vault string, amount *big.Int) error {
	return m.send(ctx, nil, "withdrawPoolFees", common.HexToAddress(vault), fasset.BigOrZero(amount))
}

// EndLiquidation returns the agent to normal state once ratios recover.
func (m *AssetManager) EndLiquidation(ctx context.Context, vault string) error {
	return m.send(ctx, nil, "endLiquidation", common.HexToAddress(vault))
}

// AnnounceExitAvailableList announces leaving the public agent list and
// returns the timestamp from which the exit may be executed.
func (m *AssetManager) AnnounceExitAvailableList(ctx context.Context, vault string) (uint64, error) {
	if err := m.send(ctx, nil, "announceExitAvailableAgentList", common.HexToAddress(vault)); err != nil {
		return 0, err
	}
	return m.timelockedAt(ctx)
}

// ExitAvailableList executes an announced exit from the public agent list.
func (m *AssetManager) ExitAvailableList(ctx context.Context, vault string) error {
	return m.send(ctx, nil, "exitAvailableAgentList", common.HexToAddress(vault))
}

// SelfClose burns the agent's own fassets against its minted backing.
func (m *AssetManager) SelfClose(ctx context.Context, vault string, amountUBA *big.Int) error {
	return m.send(ctx, nil, "selfClose", common.HexToAddress(vault), fasset.BigOrZero(amountUBA))
}

// AnnounceDestroy announces vault destruction and returns the timestamp from
// which the destroy may be executed.
func (m *AssetManager) AnnounceDestroy(ctx context.Context, vault string) (uint64, error) {
	if err := m.send(ctx, nil, "announceDestroyAgent", common.HexToAddress(vault)); err != nil {
		return 0, err
	}
	return m.timelockedAt(ctx)
}

// DestroyAgent destroys the vault and returns remaining collateral to the owner.
func (m *AssetManager) DestroyAgent(ctx context.Context, vault string) error {
	return m.send(ctx, nil, "destroyAgent", common.HexToAddress(vault))
}

// timelockedAt computes the earliest execution time of a just-announced
// operation from the head timestamp and the global timelock setting.
func (m *AssetManager) timelockedAt(ctx context.Context) (uint64, error) {
	settings, err := m.GetSettings(ctx)
	if err != nil {
		return 0, err
	}
	height, err := m.reader.BlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	now, err := m.reader.BlockTimestamp(ctx, height)
	if err != nil {
		return 0, err
	}
	return now + settings.WithdrawalWaitMinSeconds, nil
}

var _ fasset.AssetManager = (*AssetManager)(nil)
