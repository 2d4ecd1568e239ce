package fasset

import (
	"math/big"

	xerrors "FAsset-Agent/internal/errors"
)

// MintingState 表示一笔抵押预约从创建到关闭的状态。
type MintingState string

const (
	MintingStarted                MintingState = "started"
	MintingRequestPaymentProof    MintingState = "request_payment_proof"
	MintingRequestNonPaymentProof MintingState = "request_non_payment_proof"
	MintingDone                   MintingState = "done"
)

// RedemptionState 表示一笔赎回请求的状态。
type RedemptionState string

const (
	RedemptionStarted                 RedemptionState = "started"
	RedemptionPaid                    RedemptionState = "paid"
	RedemptionRequestedProof          RedemptionState = "requested_proof"
	RedemptionRequestedRejectionProof RedemptionState = "requested_rejection_proof"
	RedemptionDone                    RedemptionState = "done"
)

// UnderlyingPaymentState 表示代理自发的底层链转账的状态。
type UnderlyingPaymentState string

const (
	UnderlyingPaid           UnderlyingPaymentState = "paid"
	UnderlyingRequestedProof UnderlyingPaymentState = "requested_proof"
	UnderlyingDone           UnderlyingPaymentState = "done"
)

// UnderlyingPaymentKind 区分底层链补仓与提现。
type UnderlyingPaymentKind string

const (
	UnderlyingTopUp      UnderlyingPaymentKind = "top_up"
	UnderlyingWithdrawal UnderlyingPaymentKind = "withdrawal"
)

// UpdateSettingState 表示一次参数变更请求的状态。
type UpdateSettingState string

const (
	UpdateSettingWaiting UpdateSettingState = "waiting"
	UpdateSettingDone    UpdateSettingState = "done"
)

// HandshakeState 表示铸币前握手请求的状态。
type HandshakeState string

const (
	HandshakeOpen     HandshakeState = "open"
	HandshakeApproved HandshakeState = "approved"
)

// ClosingPhase 表示金库退出流程的阶段。
type ClosingPhase string

const (
	ClosingPublic     ClosingPhase = "public"
	ClosingCleanup    ClosingPhase = "cleanup"
	ClosingDestroying ClosingPhase = "destroying"
	ClosingDestroyed  ClosingPhase = "destroyed"
)

// ProofRequest 记录一次已提交的证明请求，(Round, Data) 足以在轮次敲定后取回证明。
type ProofRequest struct {
	Round int64  `json:"round"`
	Data  string `json:"data"`
}

// Announcement 表示链上"先公告后执行"模式中的一条公告，
// 金额为零值时表示没有待执行的公告。
type Announcement struct {
	AllowedAt int64    `json:"allowed_at"`
	Amount    *big.Int `json:"amount"`
}

// Pending 判断公告是否尚未执行。
func (a Announcement) Pending() bool {
	return a.AllowedAt > 0
}

// Agent 对应一个链上金库，是所有工作流记录的归属主体。
// 记录永不删除，金库销毁后仅置为不活跃。
type Agent struct {
	VaultAddress           string       `json:"vault_address"`
	PoolAddress            string       `json:"pool_address"`
	OwnerManagementAddress string       `json:"owner_management_address"`
	OwnerWorkAddress       string       `json:"owner_work_address"`
	UnderlyingAddress      string       `json:"underlying_address"`
	ChainID                string       `json:"chain_id"`
	Active                 bool         `json:"active"`
	CurrentEventBlock      uint64       `json:"current_event_block"`
	ClosingPhase           ClosingPhase `json:"closing_phase"`

	VaultWithdrawal      Announcement `json:"vault_withdrawal"`
	PoolTokenRedemption  Announcement `json:"pool_token_redemption"`
	UnderlyingWithdrawal Announcement `json:"underlying_withdrawal"`
	ExitAvailable        Announcement `json:"exit_available"`
	Destroy              Announcement `json:"destroy"`

	DailyTasksAt int64 `json:"daily_tasks_at"`
	CreatedAt    int64 `json:"created_at"`
	UpdatedAt    int64 `json:"updated_at"`
}

// Minting 对应一笔抵押预约，(VaultAddress, RequestID) 全局唯一。
type Minting struct {
	ID           int64        `json:"id"`
	VaultAddress string       `json:"vault_address"`
	RequestID    *big.Int     `json:"request_id"`
	State        MintingState `json:"state"`

	ValueUBA *big.Int `json:"value_uba"`
	FeeUBA   *big.Int `json:"fee_uba"`

	FirstUnderlyingBlock    uint64 `json:"first_underlying_block"`
	LastUnderlyingBlock     uint64 `json:"last_underlying_block"`
	LastUnderlyingTimestamp uint64 `json:"last_underlying_timestamp"`
	PaymentAddress          string `json:"payment_address"`
	PaymentReference        string `json:"payment_reference"`

	Proof *ProofRequest `json:"proof,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Redemption 对应一笔赎回请求，(VaultAddress, RequestID) 全局唯一。
type Redemption struct {
	ID           int64           `json:"id"`
	VaultAddress string          `json:"vault_address"`
	RequestID    *big.Int        `json:"request_id"`
	State        RedemptionState `json:"state"`

	ValueUBA *big.Int `json:"value_uba"`
	FeeUBA   *big.Int `json:"fee_uba"`

	FirstUnderlyingBlock    uint64 `json:"first_underlying_block"`
	LastUnderlyingBlock     uint64 `json:"last_underlying_block"`
	LastUnderlyingTimestamp uint64 `json:"last_underlying_timestamp"`
	PaymentAddress          string `json:"payment_address"`
	PaymentReference        string `json:"payment_reference"`

	TxID   string `json:"tx_id,omitempty"`
	TxHash string `json:"tx_hash,omitempty"`

	Proof *ProofRequest `json:"proof,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// UnderlyingPayment 对应一笔代理自发的底层链转账（补仓或提现）。
// 同一代理同一类型同时只允许一笔未完成的记录。
type UnderlyingPayment struct {
	ID           int64                  `json:"id"`
	VaultAddress string                 `json:"vault_address"`
	Kind         UnderlyingPaymentKind  `json:"kind"`
	State        UnderlyingPaymentState `json:"state"`

	Amount *big.Int `json:"amount"`
	TxID   string   `json:"tx_id"`
	TxHash string   `json:"tx_hash,omitempty"`

	Proof *ProofRequest `json:"proof,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// UpdateSetting 对应一次待执行的代理参数变更。
// 同一 (VaultAddress, Name) 最多只有一条 waiting 记录，新请求覆盖旧请求。
type UpdateSetting struct {
	ID           int64              `json:"id"`
	VaultAddress string             `json:"vault_address"`
	Name         string             `json:"name"`
	Value        string             `json:"value"`
	ValidAt      int64              `json:"valid_at"`
	State        UpdateSettingState `json:"state"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Handshake 对应铸币方发起的握手请求，预约创建时标记为已通过。
type Handshake struct {
	ID            int64          `json:"id"`
	VaultAddress  string         `json:"vault_address"`
	RequestID     *big.Int       `json:"request_id"`
	MinterAddress string         `json:"minter_address"`
	State         HandshakeState `json:"state"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// EventRecord 是事件游标的簿记：记录每条已分发事件的位置、
// 处理结果与重试次数，保证已处理事件不会被重放。
type EventRecord struct {
	ID           int64  `json:"id"`
	VaultAddress string `json:"vault_address"`
	BlockNumber  uint64 `json:"block_number"`
	TxIndex      uint   `json:"tx_index"`
	LogIndex     uint   `json:"log_index"`
	Handled      bool   `json:"handled"`
	Retries      int    `json:"retries"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

const (
	CodeAgentInactive    xerrors.Code = "AGENT_INACTIVE"
	CodeWorkAddressMatch xerrors.Code = "AGENT_WORK_ADDRESS_MISMATCH"
	CodeSingleFlight     xerrors.Code = "UNDERLYING_PAYMENT_IN_FLIGHT"
)

var (
	// ErrAgentInactive 表示目标代理已经被销毁。
	ErrAgentInactive = xerrors.New(CodeAgentInactive, "agent is no longer active")
	// ErrWorkAddressMismatch 表示工作地址与链上登记不一致，属于致命的启动配置错误。
	ErrWorkAddressMismatch = xerrors.New(CodeWorkAddressMatch, "owner work address does not match on-chain registration")
	// ErrPaymentInFlight 表示同类型底层链转账已在进行中，拒绝并发创建。
	ErrPaymentInFlight = xerrors.New(CodeSingleFlight, "an underlying payment of this kind is already in flight")
)

func init() {
	xerrors.Register(CodeAgentInactive, xerrors.Attributes{
		Message:   "agent is no longer active",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkAddressMatch, xerrors.Attributes{
		Message:   "owner work address mismatch",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSingleFlight, xerrors.Attributes{
		Message:   "underlying payment already in flight",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// CloneBig 复制 big.Int，nil 返回 nil。
func CloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// BigOrZero 返回非 nil 的 big.Int。
func BigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
