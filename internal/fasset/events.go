package fasset

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// EventKind 是资产管理合约事件的封闭枚举，调度器对其做穷尽匹配，
// 新增事件类型必须同时扩展枚举与分发逻辑。
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCollateralReserved
	EventCollateralReservationDeleted
	EventMintingExecuted
	EventHandshakeRequired
	EventRedemptionRequested
	EventAgentDestroyed
	EventAgentInCCB
	EventLiquidationStarted
	EventLiquidationEnded
)

// String 返回事件类型名称。
func (k EventKind) String() string {
	switch k {
	case EventCollateralReserved:
		return "CollateralReserved"
	case EventCollateralReservationDeleted:
		return "CollateralReservationDeleted"
	case EventMintingExecuted:
		return "MintingExecuted"
	case EventHandshakeRequired:
		return "HandshakeRequired"
	case EventRedemptionRequested:
		return "RedemptionRequested"
	case EventAgentDestroyed:
		return "AgentDestroyed"
	case EventAgentInCCB:
		return "AgentInCCB"
	case EventLiquidationStarted:
		return "LiquidationStarted"
	case EventLiquidationEnded:
		return "LiquidationEnded"
	default:
		return "Unknown"
	}
}

// ChainEvent 是解码后的链上事件，Kind 决定哪个参数字段非空。
type ChainEvent struct {
	Kind         EventKind
	VaultAddress string
	BlockNumber  uint64
	TxIndex      uint
	LogIndex     uint

	CollateralReserved  *CollateralReservedArgs
	ReservationDeleted  *ReservationDeletedArgs
	MintingExecuted     *MintingExecutedArgs
	HandshakeRequired   *HandshakeRequiredArgs
	RedemptionRequested *RedemptionRequestedArgs
}

// CollateralReservedArgs 携带抵押预约事件的参数。
type CollateralReservedArgs struct {
	RequestID               *big.Int
	Minter                  string
	ValueUBA                *big.Int
	FeeUBA                  *big.Int
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp uint64
	PaymentAddress          string
	PaymentReference        string
}

// ReservationDeletedArgs 携带预约删除事件的参数。
type ReservationDeletedArgs struct {
	RequestID *big.Int
}

// MintingExecutedArgs 携带铸币完成事件的参数。
type MintingExecutedArgs struct {
	RequestID *big.Int
}

// HandshakeRequiredArgs 携带握手请求事件的参数。
type HandshakeRequiredArgs struct {
	RequestID *big.Int
	Minter    string
}

// RedemptionRequestedArgs 携带赎回请求事件的参数。
type RedemptionRequestedArgs struct {
	RequestID               *big.Int
	Redeemer                string
	PaymentAddress          string
	ValueUBA                *big.Int
	FeeUBA                  *big.Int
	FirstUnderlyingBlock    uint64
	LastUnderlyingBlock     uint64
	LastUnderlyingTimestamp uint64
	PaymentReference        string
}

// assetManagerEventsABI 覆盖代理关心的资产管理合约事件。
// 每个事件的第一个 indexed 参数都是金库地址，事件读取按该 topic 过滤。
const assetManagerEventsABI = `[
  {"type":"event","name":"CollateralReserved","inputs":[
    {"name":"agentVault","type":"address","indexed":true},
    {"name":"minter","type":"address","indexed":true},
    {"name":"collateralReservationId","type":"uint256","indexed":false},
    {"name":"valueUBA","type":"uint256","indexed":false},
    {"name":"feeUBA","type":"uint256","indexed":false},
    {"name":"firstUnderlyingBlock","type":"uint256","indexed":false},
    {"name":"lastUnderlyingBlock","type":"uint256","indexed":false},
    {"name":"lastUnderlyingTimestamp","type":"uint256","indexed":false},
    {"name":"paymentAddress","type":"string","indexed":false},
    {"name":"paymentReference","type":"bytes32","indexed":false}]},
  {"type":"event","name":"CollateralReservationDeleted","inputs":[
    {"name":"agentVault","type":"address","indexed":true},
    {"name":"minter","type":"address","indexed":true},
    {"name":"collateralReservationId","type":"uint256","indexed":false}]},
  {"type":"event","name":"MintingExecuted","inputs":[
    {"name":"agentVault","type":"address","indexed":true},
    {"name":"collateralReservationId","type":"uint256","indexed":false}]},
  {"type":"event","name":"HandshakeRequired","inputs":[
    {"name":"agentVault","type":"address","indexed":true},
    {"name":"minter","type":"address","indexed":true},
    {"name":"collateralReservationId","type":"uint256","indexed":false}]},
  {"type":"event","name":"RedemptionRequested","inputs":[
    {"name":"agentVault","type":"address","indexed":true},
    {"name":"redeemer","type":"address","indexed":true},
    {"name":"requestId","type":"uint256","indexed":false},
    {"name":"paymentAddress","type":"string","indexed":false},
    {"name":"valueUBA","type":"uint256","indexed":false},
    {"name":"feeUBA","type":"uint256","indexed":false},
    {"name":"firstUnderlyingBlock","type":"uint256","indexed":false},
    {"name":"lastUnderlyingBlock","type":"uint256","indexed":false},
    {"name":"lastUnderlyingTimestamp","type":"uint256","indexed":false},
    {"name":"paymentReference","type":"bytes32","indexed":false}]},
  {"type":"event","name":"AgentDestroyed","inputs":[
    {"name":"agentVault","type":"address","indexed":true}]},
  {"type":"event","name":"AgentInCCB","inputs":[
    {"name":"agentVault","type":"address","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"LiquidationStarted","inputs":[
    {"name":"agentVault","type":"address","indexed":true},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"LiquidationEnded","inputs":[
    {"name":"agentVault","type":"address","indexed":true}]}
]`

var (
	eventsABI  abi.ABI
	eventKinds map[common.Hash]EventKind
	eventNames map[EventKind]string
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(assetManagerEventsABI))
	if err != nil {
		panic(fmt.Sprintf("资产管理事件 ABI 非法: %v", err))
	}
	eventsABI = parsed
	eventKinds = make(map[common.Hash]EventKind)
	eventNames = map[EventKind]string{
		EventCollateralReserved:           "CollateralReserved",
		EventCollateralReservationDeleted: "CollateralReservationDeleted",
		EventMintingExecuted:              "MintingExecuted",
		EventHandshakeRequired:            "HandshakeRequired",
		EventRedemptionRequested:          "RedemptionRequested",
		EventAgentDestroyed:               "AgentDestroyed",
		EventAgentInCCB:                   "AgentInCCB",
		EventLiquidationStarted:           "LiquidationStarted",
		EventLiquidationEnded:             "LiquidationEnded",
	}
	for kind, name := range eventNames {
		eventKinds[eventsABI.Events[name].ID] = kind
	}
}

// VaultTopic 返回事件过滤时金库地址对应的 topic 值。
func VaultTopic(vault string) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(common.HexToAddress(vault).Bytes(), 32))
}

// DecodeEvent 将原始日志解码为类型化事件。
// 未知 topic 返回 ok=false，调用方直接跳过该日志。
func DecodeEvent(lg coretypes.Log) (ChainEvent, bool, error) {
	if len(lg.Topics) == 0 {
		return ChainEvent{}, false, nil
	}
	kind, ok := eventKinds[lg.Topics[0]]
	if !ok {
		return ChainEvent{}, false, nil
	}
	ev := ChainEvent{
		Kind:        kind,
		BlockNumber: lg.BlockNumber,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
	}
	if len(lg.Topics) > 1 {
		ev.VaultAddress = common.HexToAddress(lg.Topics[1].Hex()).Hex()
	}

	name := eventNames[kind]
	values, err := eventsABI.Unpack(name, lg.Data)
	if err != nil {
		return ChainEvent{}, false, fmt.Errorf("解码事件 %s 失败: %w", name, err)
	}

	switch kind {
	case EventCollateralReserved:
		args, err := decodeCollateralReserved(lg, values)
		if err != nil {
			return ChainEvent{}, false, err
		}
		ev.CollateralReserved = args
	case EventCollateralReservationDeleted:
		ev.ReservationDeleted = &ReservationDeletedArgs{RequestID: asBig(values, 0)}
	case EventMintingExecuted:
		ev.MintingExecuted = &MintingExecutedArgs{RequestID: asBig(values, 0)}
	case EventHandshakeRequired:
		args := &HandshakeRequiredArgs{RequestID: asBig(values, 0)}
		if len(lg.Topics) > 2 {
			args.Minter = common.HexToAddress(lg.Topics[2].Hex()).Hex()
		}
		ev.HandshakeRequired = args
	case EventRedemptionRequested:
		args, err := decodeRedemptionRequested(lg, values)
		if err != nil {
			return ChainEvent{}, false, err
		}
		ev.RedemptionRequested = args
	case EventAgentDestroyed, EventAgentInCCB, EventLiquidationStarted, EventLiquidationEnded:
		// 只有位置与金库地址有意义。
	default:
		return ChainEvent{}, false, nil
	}
	return ev, true, nil
}

func decodeCollateralReserved(lg coretypes.Log, values []any) (*CollateralReservedArgs, error) {
	if len(values) < 8 {
		return nil, fmt.Errorf("CollateralReserved 参数数量不足: %d", len(values))
	}
	args := &CollateralReservedArgs{
		RequestID:               asBig(values, 0),
		ValueUBA:                asBig(values, 1),
		FeeUBA:                  asBig(values, 2),
		FirstUnderlyingBlock:    asUint64(values, 3),
		LastUnderlyingBlock:     asUint64(values, 4),
		LastUnderlyingTimestamp: asUint64(values, 5),
		PaymentAddress:          asString(values, 6),
		PaymentReference:        asReference(values, 7),
	}
	if len(lg.Topics) > 2 {
		args.Minter = common.HexToAddress(lg.Topics[2].Hex()).Hex()
	}
	return args, nil
}

func decodeRedemptionRequested(lg coretypes.Log, values []any) (*RedemptionRequestedArgs, error) {
	if len(values) < 8 {
		return nil, fmt.Errorf("RedemptionRequested 参数数量不足: %d", len(values))
	}
	args := &RedemptionRequestedArgs{
		RequestID:               asBig(values, 0),
		PaymentAddress:          asString(values, 1),
		ValueUBA:                asBig(values, 2),
		FeeUBA:                  asBig(values, 3),
		FirstUnderlyingBlock:    asUint64(values, 4),
		LastUnderlyingBlock:     asUint64(values, 5),
		LastUnderlyingTimestamp: asUint64(values, 6),
		PaymentReference:        asReference(values, 7),
	}
	if len(lg.Topics) > 2 {
		args.Redeemer = common.HexToAddress(lg.Topics[2].Hex()).Hex()
	}
	return args, nil
}

func asBig(values []any, idx int) *big.Int {
	if idx >= len(values) {
		return new(big.Int)
	}
	if v, ok := values[idx].(*big.Int); ok {
		return v
	}
	return new(big.Int)
}

func asUint64(values []any, idx int) uint64 {
	return asBig(values, idx).Uint64()
}

func asString(values []any, idx int) string {
	if idx >= len(values) {
		return ""
	}
	if v, ok := values[idx].(string); ok {
		return v
	}
	return ""
}

func asReference(values []any, idx int) string {
	if idx >= len(values) {
		return ""
	}
	if v, ok := values[idx].([32]byte); ok {
		return hexutil.Encode(v[:])
	}
	return ""
}

// SortEvents 按 (区块, 交易序号, 日志序号) 升序排序，保证分发顺序。
func SortEvents(events []ChainEvent) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.LogIndex < b.LogIndex
	})
}
