package fasset

import (
	"context"
	"math/big"

	"FAsset-Agent/internal/proofs"
)

// MaxBIPS 是链上比例参数的基数，10000 BIPS = 100%。
const MaxBIPS = 10000

// AgentStatus 是链上视角的代理状态。
type AgentStatus string

const (
	AgentStatusNormal      AgentStatus = "normal"
	AgentStatusCCB         AgentStatus = "ccb"
	AgentStatusLiquidation AgentStatus = "liquidation"
	AgentStatusFullLiq     AgentStatus = "full_liquidation"
	AgentStatusDestroying  AgentStatus = "destroying"
)

// AgentInfo 是资产管理合约返回的代理实时快照。
type AgentInfo struct {
	Status                   AgentStatus
	OwnerManagementAddress   string
	OwnerWorkAddress         string
	UnderlyingAddress        string
	MintedUBA                *big.Int
	ReservedUBA              *big.Int
	RedeemingUBA             *big.Int
	VaultCollateral          *big.Int
	PoolCollateral           *big.Int
	VaultCollateralRatioBIPS *big.Int
	PoolCollateralRatioBIPS  *big.Int
	TotalPoolTokens          *big.Int
	FreePoolFeesUBA          *big.Int
	PubliclyAvailable        bool
}

// ManagerSettings 是资产管理合约的全局参数快照。
type ManagerSettings struct {
	CCBMinCollateralRatioBIPS            *big.Int
	VaultCollateralBuyForFlareFactorBIPS *big.Int
	WithdrawalWaitMinSeconds             uint64
	AgentTimelockedOperationWindow       uint64
}

// AssetManager 封装对资产管理合约的全部链上操作。
// 证明入参来自数据连接器，空证明表示该操作不需要证明。
type AssetManager interface {
	// 查询
	GetAgentInfo(ctx context.Context, vault string) (*AgentInfo, error)
	GetSettings(ctx context.Context) (*ManagerSettings, error)

	// 铸币
	ExecuteMinting(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error
	MintingPaymentDefault(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error
	UnstickMinting(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof, burnWei *big.Int) error
	ApproveCollateralReservation(ctx context.Context, vault string, requestID *big.Int) error

	// 赎回
	ConfirmRedemptionPayment(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error
	RejectInvalidRedemption(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error
	FinishRedemptionWithoutPayment(ctx context.Context, vault string, requestID *big.Int, proof *proofs.Proof) error

	// 底层链转账
	ConfirmTopupPayment(ctx context.Context, vault string, proof *proofs.Proof) error
	AnnounceUnderlyingWithdrawal(ctx context.Context, vault string) (string, error)
	ConfirmUnderlyingWithdrawal(ctx context.Context, vault string, proof *proofs.Proof) error

	// 抵押与参数
	DepositVaultCollateral(ctx context.Context, vault string, amount *big.Int) error
	BuyPoolTokens(ctx context.Context, vault string, amount *big.Int) error
	ExecuteAgentSettingUpdate(ctx context.Context, vault string, name string) error
	AnnounceVaultCollateralWithdrawal(ctx context.Context, vault string, amount *big.Int) error
	WithdrawVaultCollateral(ctx context.Context, vault string, amount *big.Int) error
	AnnouncePoolTokenRedemption(ctx context.Context, vault string, amount *big.Int) error
	RedeemPoolTokens(ctx context.Context, vault string, amount *big.Int) error
	WithdrawPoolFees(ctx context.Context, vault string, amount *big.Int) error

	// 清算与退出
	EndLiquidation(ctx context.Context, vault string) error
	AnnounceExitAvailableList(ctx context.Context, vault string) (uint64, error)
	ExitAvailableList(ctx context.Context, vault string) error
	SelfClose(ctx context.Context, vault string, amountUBA *big.Int) error
	AnnounceDestroy(ctx context.Context, vault string) (uint64, error)
	DestroyAgent(ctx context.Context, vault string) error

	// 单位换算
	ConvertUBAToTokenWei(ctx context.Context, amountUBA *big.Int) (*big.Int, error)
}
