package store

import (
	"context"
	"math/big"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
)

// Store 抽象了所有工作流记录的持久化接口。
// 实现必须保证：创建时的自然键冲突返回 ErrConflict 而不是写入第二行；
// 涉及多条记录的写入（铸币+握手、参数覆盖）在单个事务内完成。
type Store interface {
	// 代理
	CreateAgent(ctx context.Context, agent *fasset.Agent) error
	GetAgent(ctx context.Context, vault string) (*fasset.Agent, error)
	UpdateAgent(ctx context.Context, agent *fasset.Agent) error
	ListActiveAgents(ctx context.Context) ([]*fasset.Agent, error)

	// 铸币：CreateMinting 在同一事务内将对应的握手记录标记为已通过。
	CreateMinting(ctx context.Context, minting *fasset.Minting) error
	GetMinting(ctx context.Context, vault string, requestID *big.Int) (*fasset.Minting, error)
	UpdateMinting(ctx context.Context, minting *fasset.Minting) error
	ListOpenMintings(ctx context.Context, vault string) ([]*fasset.Minting, error)

	// 赎回
	CreateRedemption(ctx context.Context, redemption *fasset.Redemption) error
	GetRedemption(ctx context.Context, vault string, requestID *big.Int) (*fasset.Redemption, error)
	UpdateRedemption(ctx context.Context, redemption *fasset.Redemption) error
	ListOpenRedemptions(ctx context.Context, vault string) ([]*fasset.Redemption, error)

	// 底层链转账
	CreateUnderlyingPayment(ctx context.Context, payment *fasset.UnderlyingPayment) error
	UpdateUnderlyingPayment(ctx context.Context, payment *fasset.UnderlyingPayment) error
	ListOpenUnderlyingPayments(ctx context.Context, vault string) ([]*fasset.UnderlyingPayment, error)

	// 参数变更：PutUpdateSetting 在同一事务内把同名 waiting 记录标记为
	// done（不执行）再插入新记录。
	PutUpdateSetting(ctx context.Context, setting *fasset.UpdateSetting) error
	UpdateUpdateSetting(ctx context.Context, setting *fasset.UpdateSetting) error
	ListOpenUpdateSettings(ctx context.Context, vault string) ([]*fasset.UpdateSetting, error)

	// 握手
	CreateHandshake(ctx context.Context, handshake *fasset.Handshake) error
	FindOpenHandshake(ctx context.Context, vault string, requestID *big.Int) (*fasset.Handshake, error)

	// 事件簿记
	RecordEvent(ctx context.Context, event *fasset.EventRecord) error
	FindEvent(ctx context.Context, vault string, block uint64, txIndex, logIndex uint) (*fasset.EventRecord, error)
	UpdateEvent(ctx context.Context, event *fasset.EventRecord) error
	ListUnhandledEvents(ctx context.Context, vault string, maxRetries int) ([]*fasset.EventRecord, error)

	Close() error
}

const (
	CodeRecordNotFound xerrors.Code = "STORE_RECORD_NOT_FOUND"
	CodeRecordConflict xerrors.Code = "STORE_RECORD_CONFLICT"
)

var (
	// ErrNotFound 表示指定的记录不存在。
	ErrNotFound = xerrors.New(CodeRecordNotFound, "record not found")
	// ErrConflict 表示自然键冲突，调用方应视作重复创建的幂等结果。
	ErrConflict = xerrors.New(CodeRecordConflict, "record already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:   "record already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
